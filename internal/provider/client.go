// Package provider maintains the live inventory of capability providers and
// the tool catalog the planners work against.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tessro/maestro/pkg/models"
)

// Client is the contract a capability provider process exposes to the
// orchestrator.
type Client interface {
	// Name returns the provider's server name.
	Name() string
	// Ready reports whether the provider accepts tool calls.
	Ready() bool
	// ListTools returns the provider's tool inventory.
	ListTools(ctx context.Context) ([]models.Tool, error)
	// CallTool invokes a named tool and returns its raw result.
	CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error)
}

// HTTPClient talks JSON-RPC 2.0 over HTTP to a provider process.
type HTTPClient struct {
	name    string
	url     string
	headers map[string]string
	logger  *slog.Logger
	client  *http.Client
	ready   atomic.Bool
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewHTTPClient creates a provider client. Call Connect before use.
func NewHTTPClient(name, url string, headers map[string]string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		name:    name,
		url:     url,
		headers: headers,
		logger:  logger.With("provider", name),
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider's server name.
func (c *HTTPClient) Name() string { return c.name }

// Ready reports whether the last probe succeeded.
func (c *HTTPClient) Ready() bool { return c.ready.Load() }

// Connect probes the provider with a listTools call and marks it ready.
func (c *HTTPClient) Connect(ctx context.Context) error {
	if _, err := c.ListTools(ctx); err != nil {
		c.ready.Store(false)
		return fmt.Errorf("probe %s: %w", c.name, err)
	}
	c.ready.Store(true)
	c.logger.Info("provider ready", "url", c.url)
	return nil
}

// Close marks the provider not ready.
func (c *HTTPClient) Close() {
	c.ready.Store(false)
}

func (c *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, payload)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("provider error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// ListTools fetches the provider's tool inventory.
func (c *HTTPClient) ListTools(ctx context.Context) ([]models.Tool, error) {
	result, err := c.call(ctx, "listTools", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []models.Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parse tool list: %w", err)
	}
	for i := range payload.Tools {
		if payload.Tools[i].Server == "" {
			payload.Tools[i].Server = c.name
		}
	}
	return payload.Tools, nil
}

// CallTool invokes a tool by bare name.
func (c *HTTPClient) CallTool(ctx context.Context, tool string, params map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "callTool", map[string]any{
		"server": c.name,
		"tool":   tool,
		"params": params,
	})
}
