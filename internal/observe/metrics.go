// Package observe holds the telemetry shared by the session engine: metric
// instruments, span helpers, trace-aware loggers and the HTTP middleware
// for the health server.
//
// Instruments are created through the OpenTelemetry Metrics API and exposed
// for scraping by the Prometheus bridge that [InitProvider] installs. Code
// that has no [Metrics] injected falls back to [DefaultMetrics]; tests build
// their own with [NewMetrics] and a private meter provider.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/lucaos/voicelive"

// Metrics is the set of instruments recorded by the session engine. The
// instruments are safe for concurrent use.
type Metrics struct {
	// ── Session ──

	// ConnectDuration is the time from dial to a usable session.
	ConnectDuration metric.Float64Histogram
	// SessionConnects counts connect outcomes by persona and status.
	SessionConnects metric.Int64Counter
	// ReconnectAttempts counts scheduled reconnects.
	ReconnectAttempts metric.Int64Counter
	// ActiveSessions is the number of live duplex sessions.
	ActiveSessions metric.Int64UpDownCounter
	// ProviderErrors counts provider failures by provider and kind.
	ProviderErrors metric.Int64Counter

	// ── Audio ──

	VADTransitions     metric.Int64Counter
	FramesSent         metric.Int64Counter
	FramesDropped      metric.Int64Counter
	PlaybackInterrupts metric.Int64Counter

	// ── Tools ──

	ToolExecutionDuration metric.Float64Histogram
	ToolCalls             metric.Int64Counter

	// ── HTTP ──

	HTTPRequestDuration metric.Float64Histogram
}

// Bucket boundaries in seconds. Connects and tool calls span from a few
// milliseconds to the tool timeout.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// instruments creates instruments on one meter and remembers every
// creation error, so NewMetrics can report them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return g
}

func (in *instruments) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.errs = append(in.errs, err)
	return h
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(scopeName)}
	m := &Metrics{
		ConnectDuration:   in.seconds("voicelive.session.connect.duration", "Latency from dial to an established duplex session.", latencyBuckets...),
		SessionConnects:   in.counter("voicelive.session.connects", "Connect outcomes by persona and status."),
		ReconnectAttempts: in.counter("voicelive.session.reconnect_attempts", "Scheduled reconnect attempts."),
		ActiveSessions:    in.gauge("voicelive.active_sessions", "Live duplex sessions."),
		ProviderErrors:    in.counter("voicelive.provider.errors", "Provider errors by provider and kind."),

		VADTransitions:     in.counter("voicelive.vad.transitions", "Speech start and end edges."),
		FramesSent:         in.counter("voicelive.audio.frames_sent", "Gated audio frames sent upstream."),
		FramesDropped:      in.counter("voicelive.audio.frames_dropped", "Audio frames dropped before sending, by reason."),
		PlaybackInterrupts: in.counter("voicelive.playback.interrupts", "Playback interruptions by reason."),

		ToolExecutionDuration: in.seconds("voicelive.tool_execution.duration", "Tool execution latency.", latencyBuckets...),
		ToolCalls:             in.counter("voicelive.tool.calls", "Tool invocations by tool and status."),

		HTTPRequestDuration: in.seconds("voicelive.http.request.duration", "Health server request latency."),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] built on the global meter
// provider the first time it is called. Call [InitProvider] first if the
// instruments should be exported.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func attrs(kv ...string) metric.MeasurementOption {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(out...)
}

// RecordConnect counts a connect outcome, e.g. "ok", "unauthorized" or "transport".
func (m *Metrics) RecordConnect(ctx context.Context, persona, status string) {
	m.SessionConnects.Add(ctx, 1, attrs("persona", persona, "status", status))
}

// RecordToolCall counts a finished tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, attrs("tool", tool, "status", status))
}

// RecordVADTransition counts a speech edge, "start" or "end".
func (m *Metrics) RecordVADTransition(ctx context.Context, edge string) {
	m.VADTransitions.Add(ctx, 1, attrs("edge", edge))
}

func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, attrs("reason", reason))
}

// RecordInterrupt counts a playback interruption, "barge_in" or "server".
func (m *Metrics) RecordInterrupt(ctx context.Context, reason string) {
	m.PlaybackInterrupts.Add(ctx, 1, attrs("reason", reason))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs("provider", provider, "kind", kind))
}
