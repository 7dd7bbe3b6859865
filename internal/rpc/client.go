package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client calls a payee daemon.
type Client struct {
	url        string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewClient creates a client for the daemon at url.
func NewClient(url string) *Client {
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Call invokes method and decodes its result into result. Errors returned
// by the daemon are *Error.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		raw = data
	}

	data, err := json.Marshal(&Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
		ID:      c.requestID.Add(1),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var response Response
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if response.Error != nil {
		return response.Error
	}

	if result == nil || len(response.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(response.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Info returns the payee's key and policy.
func (c *Client) Info(ctx context.Context) (*InfoResult, error) {
	var result InfoResult
	if err := c.Call(ctx, "channel_info", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Open proposes a funded channel.
func (c *Client) Open(ctx context.Context, p *OpenParams) (*OpenResult, error) {
	var result OpenResult
	if err := c.Call(ctx, "channel_open", p, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pay sends one signed payment PSBT.
func (c *Client) Pay(ctx context.Context, sessionID, psbt string) (*PayResult, error) {
	var result PayResult
	if err := c.Call(ctx, "channel_pay", &PayParams{SessionID: sessionID, PSBT: psbt}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns one session's state.
func (c *Client) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	var result StatusResult
	if err := c.Call(ctx, "channel_status", &SessionParams{SessionID: sessionID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Close asks the payee to settle, and optionally broadcast, the latest
// payment.
func (c *Client) Close(ctx context.Context, sessionID string, broadcast bool) (*CloseResult, error) {
	var result CloseResult
	if err := c.Call(ctx, "channel_close", &CloseParams{SessionID: sessionID, Broadcast: broadcast}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
