// Package mock is an in-memory [mcp.Host] for tests. It records every call
// and answers from the exported fields.
//
//	h := &mock.Host{ExecuteToolResult: &mcp.ToolResult{Content: "14:30"}}
//	exec := bridge.NewHostExecutor(h)
//	...
//	if h.CallCount("ExecuteTool") != 1 { ... }
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/lucaos/voicelive/internal/mcp"
	"github.com/lucaos/voicelive/pkg/types"
)

var _ mcp.Host = (*Host)(nil)

// Call is one recorded method call. Args omits the context.
type Call struct {
	Method string
	Args   []any
}

// Host is a configurable [mcp.Host]. The zero value succeeds everywhere and
// offers no tools.
type Host struct {
	RegisterServerErr    error
	AvailableToolsResult []types.ToolDefinition

	// ExecuteToolFunc, when set, answers ExecuteTool and takes precedence
	// over ExecuteToolResult and ExecuteToolErr.
	ExecuteToolFunc   func(ctx context.Context, name, args string) (*mcp.ToolResult, error)
	ExecuteToolResult *mcp.ToolResult
	ExecuteToolErr    error

	CalibrateErr error
	CloseErr     error

	mu    sync.Mutex
	calls []Call
}

func (h *Host) record(method string, args ...any) {
	h.mu.Lock()
	h.calls = append(h.calls, Call{Method: method, Args: args})
	h.mu.Unlock()
}

// Calls returns the recorded calls in order.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// CallCount returns how often method was called.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.record("RegisterServer", cfg)
	return h.RegisterServerErr
}

func (h *Host) AvailableTools(tier types.BudgetTier) []types.ToolDefinition {
	h.record("AvailableTools", tier)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.AvailableToolsResult == nil {
		return []types.ToolDefinition{}
	}
	return slices.Clone(h.AvailableToolsResult)
}

func (h *Host) ExecuteTool(ctx context.Context, name, args string) (*mcp.ToolResult, error) {
	h.record("ExecuteTool", name, args)
	h.mu.Lock()
	fn, res, err := h.ExecuteToolFunc, h.ExecuteToolResult, h.ExecuteToolErr
	h.mu.Unlock()

	switch {
	case fn != nil:
		return fn(ctx, name, args)
	case err != nil:
		return nil, err
	case res == nil:
		return &mcp.ToolResult{}, nil
	}
	cp := *res
	return &cp, nil
}

func (h *Host) Calibrate(context.Context) error {
	h.record("Calibrate")
	return h.CalibrateErr
}

func (h *Host) Close() error {
	h.record("Close")
	return h.CloseErr
}
