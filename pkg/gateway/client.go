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

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// RPCClient calls gateway methods over HTTP.
type RPCClient struct {
	endpoint string
	secret   string
	http     *http.Client
}

// NewRPCClient creates a client for the gateway at baseURL, e.g.
// http://127.0.0.1:8080. A nil httpClient uses a 30s timeout.
func NewRPCClient(baseURL, secret string, httpClient *http.Client) *RPCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RPCClient{
		endpoint: strings.TrimRight(baseURL, "/") + "/rpc",
		secret:   secret,
		http:     httpClient,
	}
}

// Call invokes method and decodes its result into result when non-nil. A
// method failure is returned as *RPCError.
func (c *RPCClient) Call(ctx context.Context, method string, params map[string]interface{}, result interface{}) error {
	body, err := json.Marshal(RPCRequest{
		JSONRPC: "2.0",
		ID:      gonanoid.Must(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SecretHeader, c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("gateway rejected the shared secret")
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("unexpected gateway response (status %d): %w", resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}
