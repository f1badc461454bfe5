package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeOverHTTP(t *testing.T) {
	var (
		gotMethod, gotPath, gotQuery, gotAuth string
		gotBody                               map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotQuery = r.Method, r.URL.Path, r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotBody = nil
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"Status":"APPROVED"}`))
	}))
	defer srv.Close()

	cfg := cliConfig{Transport: transportHTTP, Server: srv.URL + "/", Token: "tok"}
	ctx := context.Background()

	var out struct{ Status string }
	require.NoError(t, invoke(ctx, cfg, onRecord("proposals.vote", http.MethodPost, "/api/proposals", uint(7), "vote", map[string]any{"choice": "FOR"}), &out))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/proposals/7/vote", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, map[string]any{"choice": "FOR"}, gotBody)
	assert.Equal(t, "APPROVED", out.Status)

	require.NoError(t, invoke(ctx, cfg, get("recipients.list", "/api/recipients", map[string]any{
		"organ_type": "KIDNEY", "active": false, "q": "", "limit": 0,
	}), nil))
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "organ_type=KIDNEY", gotQuery, "zero values are left out of the query")
	assert.Nil(t, gotBody)
}

func TestInvokeReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"voter already voted"}`))
	}))
	defer srv.Close()

	err := invoke(context.Background(), cliConfig{Transport: transportHTTP, Server: srv.URL}, post("proposals.vote", "/api/proposals/1/vote", nil), nil)
	require.Error(t, err)
	assert.Equal(t, "api error (409): voter already voted", err.Error())
}

func TestInvokeOverSocketCarriesTokenAndID(t *testing.T) {
	dir, err := os.MkdirTemp("", "olcli")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(dir) }()
	socket := filepath.Join(dir, "cli.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	got := make(chan rpcRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		var req rpcRequest
		_ = json.NewDecoder(conn).Decode(&req)
		got <- req
		_ = json.NewEncoder(conn).Encode(map[string]any{"jsonrpc": "2.0", "error": map[string]any{"code": 40900, "message": "organ is not available"}, "id": 1})
	}()

	cfg := cliConfig{Transport: transportUDS, Socket: socket, Token: "tok"}
	err = invoke(context.Background(), cfg, onRecord("organs.reject", http.MethodPost, "/api/organs", "K-1", "reject", map[string]any{"reason": "damaged"}), nil)

	var rerr *rpcRespError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 40900, rerr.Code)

	req := <-got
	assert.Equal(t, "organs.reject", req.Method)
	assert.Equal(t, map[string]any{"token": "tok", "id": "K-1", "reason": "damaged"}, req.Params)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, transportUDS, cfg.Transport)
	assert.Equal(t, defaultSocket, cfg.Socket)
	assert.Equal(t, defaultServer, cfg.Server)

	cfg.Transport, cfg.Token = transportHTTP, "tok"
	require.NoError(t, saveConfig(cfg))
	reloaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}
