package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// remoteCall describes one operation on both transports. Over the socket the
// params travel together with the token and id; over HTTP the id is already
// part of path and params become the query string or JSON body.
type remoteCall struct {
	method string
	verb   string
	path   string
	id     any
	params map[string]any
}

func invoke(ctx context.Context, cfg cliConfig, call remoteCall, out any) error {
	if cfg.Transport == transportUDS {
		params := map[string]any{"token": cfg.Token}
		for k, v := range call.params {
			params[k] = v
		}
		if call.id != nil {
			params["id"] = call.id
		}
		return newRPCClient(cfg.Socket).call(ctx, call.method, params, out)
	}

	client := newAPIClient(cfg.Server, cfg.Token)
	if call.verb == http.MethodGet {
		query := make(map[string]string, len(call.params))
		for k, v := range call.params {
			query[k] = queryValue(v)
		}
		return client.request(ctx, http.MethodGet, withQuery(call.path, query), nil, out)
	}
	var body any
	if len(call.params) > 0 {
		body = call.params
	}
	return client.request(ctx, call.verb, call.path, body, out)
}

func queryValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if !t {
			return ""
		}
		return "true"
	case int:
		if t == 0 {
			return ""
		}
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}

func doLogin(ctx context.Context, cfg cliConfig, email, password, tokenName string, out any) error {
	if cfg.Transport == transportUDS {
		client := newRPCClient(cfg.Socket)
		return client.call(ctx, "auth.login", map[string]any{
			"email":      email,
			"password":   password,
			"token_name": tokenName,
		}, out)
	}
	client := newAPIClient(cfg.Server, "")
	return client.request(ctx, http.MethodPost, "/api/auth/login", map[string]any{
		"email":      email,
		"password":   password,
		"mode":       "token",
		"token_name": tokenName,
	}, out)
}

func doWhoAmI(ctx context.Context, cfg cliConfig, out any) error {
	return invoke(ctx, cfg, remoteCall{method: "auth.whoami", verb: http.MethodGet, path: "/api/auth/whoami"}, out)
}

func doLogout(ctx context.Context, cfg cliConfig) error {
	if cfg.Transport == transportUDS {
		return nil
	}
	client := newAPIClient(cfg.Server, cfg.Token)
	return client.request(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

func get(method, path string, params map[string]any) remoteCall {
	return remoteCall{method: method, verb: http.MethodGet, path: path, params: params}
}

func post(method, path string, params map[string]any) remoteCall {
	return remoteCall{method: method, verb: http.MethodPost, path: path, params: params}
}

// onRecord targets a single record addressed by its id, which becomes a path
// segment over HTTP.
func onRecord(method, verb, collection string, id any, action string, params map[string]any) remoteCall {
	path := collection + "/" + url.PathEscape(fmt.Sprint(id))
	if action != "" {
		path += "/" + action
	}
	return remoteCall{method: method, verb: verb, path: path, id: id, params: params}
}
