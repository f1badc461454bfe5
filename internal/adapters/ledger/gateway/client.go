// Package gateway talks to a remote ledger host over HTTP and can expose any
// domain.Ledger the same way.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

type invokeRequest struct {
	Category string          `json:"category"`
	Function string          `json:"function"`
	Params   json.RawMessage `json:"params"`
}

type submitResponse struct {
	TxID    string `json:"tx_id"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type queryResponse struct {
	Result json.RawMessage `json:"result"`
}

type Client struct {
	httpClient *http.Client
	server     string
	token      string
}

func NewClient(server, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		server:     strings.TrimRight(server, "/"),
		token:      token,
	}
}

func (c *Client) Submit(ctx context.Context, category domain.LedgerCategory, function string, params any) (domain.LedgerReceipt, error) {
	var resp submitResponse
	if err := c.request(ctx, "/submit", category, function, params, &resp); err != nil {
		return domain.LedgerReceipt{}, err
	}
	return domain.LedgerReceipt{TxID: resp.TxID, OK: resp.OK, Message: resp.Message}, nil
}

func (c *Client) Query(ctx context.Context, category domain.LedgerCategory, function string, params any, out any) error {
	var resp queryResponse
	if err := c.request(ctx, "/query", category, function, params, &resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (c *Client) request(ctx context.Context, path string, category domain.LedgerCategory, function string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", function, err)
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(invokeRequest{Category: string(category), Function: function, Params: raw}); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger gateway error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
