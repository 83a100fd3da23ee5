package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lucaos/voicelive/internal/mcp"
	"github.com/lucaos/voicelive/internal/resilience"
)

// HostExecutor adapts an [mcp.Host] to the [Executor] interface. Each tool
// gets its own circuit breaker so one misbehaving tool server cannot keep
// stalling the conversation.
type HostExecutor struct {
	host         mcp.Host
	maxFailures  int
	resetTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

var _ Executor = (*HostExecutor)(nil)

// HostOption configures a [HostExecutor].
type HostOption func(*HostExecutor)

// WithBreaker tunes the per-tool circuit breakers. Zero values keep the
// breaker defaults.
func WithBreaker(maxFailures int, resetTimeout time.Duration) HostOption {
	return func(h *HostExecutor) {
		h.maxFailures = maxFailures
		h.resetTimeout = resetTimeout
	}
}

// NewHostExecutor wraps host.
func NewHostExecutor(host mcp.Host, opts ...HostOption) *HostExecutor {
	h := &HostExecutor{
		host:     host,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Execute implements [Executor]. Application-level tool errors
// ([mcp.ToolResult.IsError]) are returned as Go errors carrying the tool's
// message.
func (h *HostExecutor) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("bridge: encode args for %q: %w", name, err)
	}

	return resilience.Call(h.breaker(name), func() (string, error) {
		res, err := h.host.ExecuteTool(ctx, name, string(payload))
		if err != nil {
			return "", err
		}
		if res.IsError {
			return "", &appError{msg: res.Content}
		}
		return res.Content, nil
	})
}

func (h *HostExecutor) breaker(name string) *resilience.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "tool:" + name,
			MaxFailures:  h.maxFailures,
			ResetTimeout: h.resetTimeout,
			IsFailure:    serverFailure,
		})
		h.breakers[name] = cb
	}
	return cb
}

// appError is a failure the tool reported about its input, such as a missing
// file. The server answered, so it does not count against the breaker.
type appError struct{ msg string }

func (e *appError) Error() string { return e.msg }

func serverFailure(err error) bool {
	var app *appError
	return !errors.As(err, &app) && !errors.Is(err, context.Canceled)
}
