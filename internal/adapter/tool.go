package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ToolAdapter invokes a deterministic tool over HTTP: the node's inputs post
// as JSON, the tool's JSON object response merges back into context.
type ToolAdapter struct {
	name     string
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// ToolConfig describes one tool-call backend.
type ToolConfig struct {
	Name     string
	Endpoint string
	Timeout  time.Duration
}

// NewToolAdapter creates a tool-call adapter.
func NewToolAdapter(cfg ToolConfig, logger *zap.Logger) *ToolAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ToolAdapter{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

func (a *ToolAdapter) Name() string { return a.name }

// Invoke posts the inputs to the tool endpoint.
func (a *ToolAdapter) Invoke(ctx context.Context, in map[string]any) (map[string]any, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal inputs: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: tool returned status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: tool returned status %d: %s", ErrRejected, resp.StatusCode, string(respBody))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: malformed tool output: %v", ErrRejected, err)
	}
	return out, nil
}

// FuncAdapter wraps a pure Go function as an adapter.
type FuncAdapter struct {
	name string
	fn   func(ctx context.Context, in map[string]any) (map[string]any, error)
}

// NewFuncAdapter creates a function-backed adapter.
func NewFuncAdapter(name string, fn func(ctx context.Context, in map[string]any) (map[string]any, error)) *FuncAdapter {
	return &FuncAdapter{name: name, fn: fn}
}

func (a *FuncAdapter) Name() string { return a.name }

// Invoke calls the wrapped function.
func (a *FuncAdapter) Invoke(ctx context.Context, in map[string]any) (map[string]any, error) {
	return a.fn(ctx, in)
}
