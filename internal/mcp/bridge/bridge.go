// Package bridge runs tool calls requested by a live model and returns their
// results on the same session.
//
// A [Bridge] is created per live session. Every [types.ToolCall] passed to
// [Bridge.Handle] runs on its own goroutine: the user sees a "starting"
// transcript line, periodic heartbeat status lines while the tool runs, and a
// completion or failure line at the end. The outcome is always answered with
// exactly one tool response keyed by the invocation id, unless the server
// cancelled the call or the session was torn down first.
//
// Typical usage:
//
//	b, err := bridge.New(executor, session, listener, bridge.WithSessionID(id))
//	if err != nil { ... }
//	defer b.Close()
//
//	// for every s2s.EventToolCall:
//	for _, call := range ev.ToolCalls {
//		b.Handle(call)
//	}
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucaos/voicelive/internal/observe"
	"github.com/lucaos/voicelive/pkg/provider/s2s"
	"github.com/lucaos/voicelive/pkg/types"
)

// Default timings.
const (
	defaultToolTimeout       = 60 * time.Second
	defaultHeartbeatFirst    = 2 * time.Second
	defaultHeartbeatInterval = 3 * time.Second
)

// Executor runs a single named tool. Implementations must honour ctx.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// ExecutorFunc adapts a function into an [Executor].
type ExecutorFunc func(ctx context.Context, name string, args map[string]any) (string, error)

// Execute implements [Executor].
func (f ExecutorFunc) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	return f(ctx, name, args)
}

// Responder delivers tool results to the live model. [s2s.SessionHandle]
// satisfies it.
type Responder interface {
	SendToolResponse(responses ...s2s.ToolResponse) error
}

// Reporter receives progress lines. [presentation.Listener] satisfies it.
type Reporter interface {
	OnTranscript(text string, source types.Source)
	OnStatusUpdate(msg string)
}

// ToolError reports a failed tool invocation.
type ToolError struct {
	Name string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %q: %v", e.Name, e.Err) }

func (e *ToolError) Unwrap() error { return e.Err }

// ErrToolPanic is wrapped by the error reported for an executor that panicked.
var ErrToolPanic = errors.New("tool panicked")

// Invocation is a tool call in flight.
type Invocation struct {
	ID        string
	Name      string
	Args      map[string]any
	SessionID string
	Started   time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithToolTimeout bounds each tool execution. The default is 60 seconds.
func WithToolTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.toolTimeout = d }
}

// WithHeartbeat sets when the first "still running" status is reported and
// how often it repeats afterwards. Defaults are 2s and 3s.
func WithHeartbeat(first, interval time.Duration) Option {
	return func(b *Bridge) {
		b.heartbeatFirst = first
		b.heartbeatInterval = interval
	}
}

// WithCriticalTools marks tools whose failures are logged at error level.
func WithCriticalTools(names ...string) Option {
	return func(b *Bridge) {
		for _, n := range names {
			b.critical[n] = true
		}
	}
}

// WithSessionID tags invocations and log lines with the live session id.
func WithSessionID(id string) Option {
	return func(b *Bridge) { b.sessionID = id }
}

// WithMetrics records tool calls on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge executes tool calls for a single live session. It is safe for
// concurrent use.
type Bridge struct {
	exec     Executor
	respond  Responder
	report   Reporter
	critical map[string]bool
	metrics  *observe.Metrics

	sessionID         string
	toolTimeout       time.Duration
	heartbeatFirst    time.Duration
	heartbeatInterval time.Duration

	mu       sync.Mutex
	inflight map[string]*Invocation
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Bridge. exec and respond are required; report may be nil.
func New(exec Executor, respond Responder, report Reporter, opts ...Option) (*Bridge, error) {
	if exec == nil {
		return nil, errors.New("bridge: executor must not be nil")
	}
	if respond == nil {
		return nil, errors.New("bridge: responder must not be nil")
	}
	b := &Bridge{
		exec:              exec,
		respond:           respond,
		report:            report,
		critical:          make(map[string]bool),
		toolTimeout:       defaultToolTimeout,
		heartbeatFirst:    defaultHeartbeatFirst,
		heartbeatInterval: defaultHeartbeatInterval,
		inflight:          make(map[string]*Invocation),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	if b.report == nil {
		b.report = nopReporter{}
	}
	return b, nil
}

// Handle starts executing call and returns immediately. Calls arriving after
// [Bridge.Close] are ignored. A call without an id gets a generated one.
func (b *Bridge) Handle(call types.ToolCall) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.toolTimeout)
	inv := &Invocation{
		ID:        call.ID,
		Name:      call.Name,
		Args:      args,
		SessionID: b.sessionID,
		Started:   time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		slog.Debug("bridge: tool call after close ignored", "tool", call.Name, "id", call.ID)
		return
	}
	if _, dup := b.inflight[call.ID]; dup {
		b.mu.Unlock()
		cancel()
		slog.Warn("bridge: duplicate tool call id ignored", "tool", call.Name, "id", call.ID)
		return
	}
	b.inflight[call.ID] = inv
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(ctx, inv)
}

// Cancel discards the given in-flight invocations, e.g. on a server
// toolCallCancellation. Their heartbeats stop and no response is sent.
// It returns how many invocations were cancelled.
func (b *Bridge) Cancel(ids []string) int {
	b.mu.Lock()
	var cancelled []*Invocation
	for _, id := range ids {
		if inv, ok := b.inflight[id]; ok {
			delete(b.inflight, id)
			cancelled = append(cancelled, inv)
		}
	}
	b.mu.Unlock()

	for _, inv := range cancelled {
		close(inv.done)
		inv.cancel()
		slog.Info("bridge: tool call cancelled by server", "tool", inv.Name, "id", inv.ID, "session_id", inv.SessionID)
	}
	return len(cancelled)
}

// InFlight returns the number of running invocations.
func (b *Bridge) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Close stops all heartbeats and discards every pending result. Running tools
// are left to finish within their timeout. Close is idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.inflight
	b.inflight = make(map[string]*Invocation)
	b.mu.Unlock()

	for _, inv := range pending {
		close(inv.done)
	}
	b.wg.Wait()
	if n := len(pending); n > 0 {
		slog.Debug("bridge: closed with tools in flight", "discarded", n, "session_id", b.sessionID)
	}
}

type outcome struct {
	output string
	err    error
}

// run drives one invocation: heartbeats until the executor returns, then
// reports and responds unless the invocation was discarded meanwhile.
func (b *Bridge) run(ctx context.Context, inv *Invocation) {
	defer b.wg.Done()

	ctx, span := observe.StartSpan(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool", inv.Name),
		attribute.String("call_id", inv.ID),
		attribute.String("session_id", inv.SessionID),
	))
	var failure error
	defer func() { observe.EndSpan(span, failure) }()

	b.report.OnTranscript(fmt.Sprintf("starting %s…", inv.Name), types.SourceSystem)

	results := make(chan outcome, 1)
	go func() {
		defer inv.cancel()
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
		}()
		out, err := b.exec.Execute(ctx, inv.Name, inv.Args)
		results <- outcome{output: out, err: err}
	}()

	heartbeat := time.NewTimer(b.heartbeatFirst)
	defer heartbeat.Stop()

	expired := ctx.Done()
	for {
		select {
		case <-inv.done:
			span.SetAttributes(attribute.Bool("discarded", true))
			return
		case res := <-results:
			failure = res.err
			b.finish(ctx, inv, res)
			return
		case <-expired:
			// Only a deadline means the executor overran; a plain cancel
			// comes from Cancel or from the executor returning.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				failure = fmt.Errorf("timed out after %s", b.toolTimeout)
				b.finish(ctx, inv, outcome{err: failure})
				return
			}
			expired = nil
		case <-heartbeat.C:
			elapsed := int(time.Since(inv.Started).Seconds())
			b.report.OnStatusUpdate(fmt.Sprintf("%s still running (%ds)", inv.Name, elapsed))
			heartbeat.Reset(b.heartbeatInterval)
		}
	}
}

func (b *Bridge) finish(ctx context.Context, inv *Invocation, res outcome) {
	b.mu.Lock()
	_, live := b.inflight[inv.ID]
	delete(b.inflight, inv.ID)
	b.mu.Unlock()
	if !live {
		return
	}

	elapsed := time.Since(inv.Started)
	ctx = context.WithoutCancel(ctx)
	b.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())

	var response map[string]any
	if res.err != nil {
		terr := &ToolError{Name: inv.Name, Err: res.err}
		level := slog.LevelWarn
		if b.critical[inv.Name] {
			level = slog.LevelError
		}
		observe.Logger(ctx).Log(ctx, level, "bridge: tool failed",
			"tool", inv.Name,
			"id", inv.ID,
			"session_id", inv.SessionID,
			"elapsed", elapsed.Round(time.Millisecond),
			"err", res.err,
		)
		b.metrics.RecordToolCall(ctx, inv.Name, "error")
		b.report.OnTranscript(terr.Error(), types.SourceSystem)
		response = map[string]any{"error": res.err.Error()}
	} else {
		b.metrics.RecordToolCall(ctx, inv.Name, "ok")
		b.report.OnTranscript(fmt.Sprintf("%s finished in %s", inv.Name, elapsed.Round(100*time.Millisecond)), types.SourceSystem)
		response = resultPayload(res.output)
	}

	if err := b.respond.SendToolResponse(s2s.ToolResponse{ID: inv.ID, Name: inv.Name, Response: response}); err != nil {
		slog.Warn("bridge: failed to send tool response", "tool", inv.Name, "id", inv.ID, "err", err)
	}
}

// resultPayload passes a JSON object result through unchanged and wraps
// anything else as {"output": ...}.
func resultPayload(out string) map[string]any {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return obj
		}
	}
	return map[string]any{"output": out}
}

type nopReporter struct{}

func (nopReporter) OnTranscript(string, types.Source) {}
func (nopReporter) OnStatusUpdate(string)             {}
