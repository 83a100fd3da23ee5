// Package session implements the duplex session manager: the state machine
// that owns one live connection to the remote model at a time, pumps
// VAD-gated microphone audio upstream, demultiplexes inbound events into
// playback, transcripts and tool calls, and reconnects with a bounded linear
// backoff when the connection drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucaos/voicelive/internal/hotctx"
	"github.com/lucaos/voicelive/internal/mcp/bridge"
	"github.com/lucaos/voicelive/internal/observe"
	"github.com/lucaos/voicelive/internal/persona"
	"github.com/lucaos/voicelive/internal/playback"
	"github.com/lucaos/voicelive/internal/presentation"
	"github.com/lucaos/voicelive/pkg/audio"
	"github.com/lucaos/voicelive/pkg/provider/s2s"
	"github.com/lucaos/voicelive/pkg/provider/vad"
	"github.com/lucaos/voicelive/pkg/types"
)

const (
	defaultPersonaSwitchSettle = 500 * time.Millisecond

	// amplitudeGain maps RMS to the 0..1 presentation level. Speech RMS
	// rarely exceeds 0.2.
	amplitudeGain = 5.0
)

// ToolCatalogue lists the tools available to a persona. [mcp.Host]
// satisfies it.
type ToolCatalogue interface {
	AvailableTools(tier types.BudgetTier) []types.ToolDefinition
}

// ContextAssembler gathers the live facts appended to the system
// instruction. [*hotctx.Assembler] satisfies it.
type ContextAssembler interface {
	Assemble(ctx context.Context) (*hotctx.LiveContext, error)
}

// Config holds the manager's tunables.
type Config struct {
	// Model is the remote model identifier. Empty uses the provider default.
	Model string

	// ProviderName labels provider metrics, e.g. "gemini-live".
	ProviderName string

	// DefaultPersona is used when Connect is called with an empty id and no
	// persona has been selected yet.
	DefaultPersona string

	// Retry bounds automatic reconnection.
	Retry RetryPolicy

	// PersonaSwitchSettle is the pause between teardown and reconnect on a
	// persona switch. Defaults to 500ms.
	PersonaSwitchSettle time.Duration

	// TargetSampleRate is the upstream audio rate. Defaults to 16000.
	TargetSampleRate int

	// VAD tunes the voice activity detector.
	VAD vad.Config

	// ToolTimeout, HeartbeatFirst and HeartbeatInterval tune the tool
	// bridge. Zero values keep the bridge defaults.
	ToolTimeout       time.Duration
	HeartbeatFirst    time.Duration
	HeartbeatInterval time.Duration

	// CriticalTools are logged at error level when they fail.
	CriticalTools []string
}

// Deps are the manager's collaborators. Provider, Personas, Microphone and
// Output are required.
type Deps struct {
	Provider   s2s.Provider
	Personas   persona.Resolver
	Microphone audio.Microphone
	Output     audio.Output

	// Tools supplies the tool manifest. Nil means no tools are declared.
	Tools ToolCatalogue

	// Executor runs tool calls. Nil answers every call with an error.
	Executor bridge.Executor

	// Context supplies live facts. Nil means the bare persona instruction.
	Context ContextAssembler

	// Listener receives presentation events. Nil discards them.
	Listener presentation.Listener

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager owns at most one live session. All methods are safe for
// concurrent use.
type Manager struct {
	cfg       Config
	deps      Deps
	listener  presentation.Listener
	metrics   *observe.Metrics
	scheduler *playback.Scheduler
	encoder   audio.Encoder

	mu         sync.Mutex
	state      State
	persona    string
	retryCount int
	retryTimer *time.Timer
	gen        uint64
	live       *liveSession

	// attemptCancel aborts a reconnect attempt that is still dialing.
	attemptCancel context.CancelFunc
}

// New validates deps and returns a disconnected Manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	var errs []error
	if deps.Provider == nil {
		errs = append(errs, errors.New("session: provider is required"))
	}
	if deps.Personas == nil {
		errs = append(errs, errors.New("session: persona resolver is required"))
	}
	if deps.Microphone == nil {
		errs = append(errs, errors.New("session: microphone is required"))
	}
	if deps.Output == nil {
		errs = append(errs, errors.New("session: output is required"))
	}
	cfg.VAD = cfg.VAD.WithDefaults()
	if err := cfg.VAD.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.PersonaSwitchSettle <= 0 {
		cfg.PersonaSwitchSettle = defaultPersonaSwitchSettle
	}
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = audio.WireSampleRate
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "s2s"
	}
	if deps.Executor == nil {
		deps.Executor = bridge.ExecutorFunc(func(context.Context, string, map[string]any) (string, error) {
			return "", errors.New("no tool executor configured")
		})
	}

	m := &Manager{
		cfg:       cfg,
		deps:      deps,
		listener:  deps.Listener,
		metrics:   deps.Metrics,
		scheduler: playback.New(deps.Output),
		encoder:   audio.Encoder{TargetRate: cfg.TargetSampleRate},
		persona:   cfg.DefaultPersona,
	}
	if m.listener == nil {
		m.listener = presentation.Funcs{}
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Persona returns the id of the active persona, or the one recorded for the
// next connect.
func (m *Manager) Persona() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persona
}

// SessionID returns the id of the live session, or "" when none is open.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		return ""
	}
	return m.live.id
}

// Playback exposes the playback scheduler, e.g. for diagnostics.
func (m *Manager) Playback() *playback.Scheduler { return m.scheduler }

// Connect opens a live session for personaID (empty keeps the current
// persona). It is rejected with [ErrConnectInProgress] while another connect
// is running. An open session is fully torn down first and a pending
// reconnect is cancelled. Failures resolve to DISCONNECTED; transport errors
// on the initial connect are returned, not retried.
func (m *Manager) Connect(ctx context.Context, personaID string) error {
	m.mu.Lock()
	if m.state == StateConnecting {
		m.mu.Unlock()
		slog.Warn("session: connect ignored, another connect is in progress", "persona", personaID)
		return ErrConnectInProgress
	}
	if personaID == "" {
		personaID = m.persona
	}
	m.cancelRetryLocked()
	m.gen++
	gen := m.gen
	old := m.live
	m.live = nil
	m.state = StateConnecting
	m.retryCount = 0
	m.persona = personaID
	m.mu.Unlock()

	if old != nil {
		if err := m.teardown(old); err != nil {
			slog.Warn("session: teardown before connect", "session_id", old.id, "err", err)
		}
		m.scheduler.Interrupt()
		m.listener.OnConnectionChange(false)
	}

	err := m.open(ctx, gen, personaID, 0)
	if err != nil && !errors.Is(err, ErrSuperseded) {
		m.settleFailed(gen, err)
	}
	return err
}

// Disconnect tears down the live session, cancels any pending reconnect and
// clears playback. It is idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected && m.live == nil && m.retryTimer == nil {
		m.mu.Unlock()
		return nil
	}
	prev := m.state
	m.state = StateClosing
	m.gen++
	m.cancelRetryLocked()
	ls := m.live
	m.live = nil
	m.retryCount = 0
	m.mu.Unlock()

	var err error
	if ls != nil {
		err = m.teardown(ls)
	}
	m.scheduler.Interrupt()

	m.mu.Lock()
	if m.state == StateClosing {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	if ls != nil {
		m.listener.OnConnectionChange(false)
	}
	slog.Info("session: disconnected", "previous_state", prev)
	return err
}

// SwitchPersona changes persona. While a session is open or reconnecting it
// disconnects, waits for the settle delay and connects with the new persona.
// Otherwise it only records the persona for the next Connect. Unknown
// personas are rejected before anything is torn down.
func (m *Manager) SwitchPersona(ctx context.Context, personaID string) error {
	if _, err := m.deps.Personas.Resolve(personaID); err != nil {
		return &Error{Kind: KindConfiguration, Op: "switch persona", State: m.State(), Err: err}
	}

	m.mu.Lock()
	st := m.state
	switch st {
	case StateConnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	case StateConnected, StateReconnecting:
	default:
		m.persona = personaID
		m.mu.Unlock()
		return nil
	}
	from := m.persona
	m.mu.Unlock()

	slog.Info("session: switching persona", "from", from, "to", personaID, "state", st)
	if err := m.Disconnect(); err != nil {
		slog.Warn("session: teardown before persona switch", "err", err)
	}

	t := time.NewTimer(m.cfg.PersonaSwitchSettle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		m.mu.Lock()
		m.persona = personaID
		m.mu.Unlock()
		return ctx.Err()
	}
	return m.Connect(ctx, personaID)
}

// SendText sends a complete user text turn. Only allowed while CONNECTED.
func (m *Manager) SendText(text string) error {
	ls, err := m.connected()
	if err != nil {
		return err
	}
	return ls.handle.SendText(text)
}

// SendVideoFrame sends one JPEG frame as multimodal context. Only allowed
// while CONNECTED.
func (m *Manager) SendVideoFrame(jpeg []byte) error {
	ls, err := m.connected()
	if err != nil {
		return err
	}
	return ls.handle.SendVideoFrame(jpeg)
}

func (m *Manager) connected() (*liveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.live == nil {
		return nil, ErrNotConnected
	}
	return m.live, nil
}

// ── Connection establishment ─────────────────────────────────────────────────

// open resolves the persona, acquires the microphone, composes the
// instruction and dials. On success it commits the session if gen is still
// current and starts the pump.
func (m *Manager) open(ctx context.Context, gen uint64, personaID string, attempt int) (err error) {
	ctx, span := observe.StartSpan(ctx, "session.connect", trace.WithAttributes(
		attribute.String("persona", personaID),
		attribute.Int("attempt", attempt),
	))
	defer func() { observe.EndSpan(span, err) }()

	fail := func(kind Kind, op string, err error) error {
		serr := &Error{Kind: kind, Op: op, Attempt: attempt, State: StateConnecting, Err: err}
		m.metrics.RecordConnect(ctx, personaID, kind.String())
		observe.Logger(ctx).Error("session: connect failed",
			"persona", personaID,
			"attempt", attempt,
			"state", StateConnecting,
			"kind", kind,
			"err", err,
		)
		return serr
	}

	p, err := m.deps.Personas.Resolve(personaID)
	if err != nil {
		return fail(KindConfiguration, "resolve persona", err)
	}

	capture, err := m.deps.Microphone.Open(ctx)
	if err != nil {
		return fail(KindPermission, "open microphone", err)
	}

	scfg := s2s.SessionConfig{
		Model:               m.cfg.Model,
		Instructions:        hotctx.FormatSystemInstruction(p.SystemInstruction, m.liveContext(ctx)),
		Voice:               p.Voice,
		Modality:            p.Modality,
		InputTranscription:  true,
		OutputTranscription: p.Modality == types.ModalityAudio,
	}
	if m.deps.Tools != nil {
		scfg.Tools = p.ToolManifest(m.deps.Tools.AvailableTools(p.BudgetTier))
	}

	start := time.Now()
	handle, err := m.deps.Provider.Connect(ctx, scfg)
	if err != nil {
		_ = capture.Close()
		if errors.Is(err, s2s.ErrUnauthorized) {
			return fail(KindConfiguration, "open channel", err)
		}
		m.metrics.RecordProviderError(ctx, m.cfg.ProviderName, "transport")
		return fail(KindTransport, "open channel", err)
	}
	m.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())

	ls := &liveSession{
		id:       uuid.NewString(),
		persona:  p,
		handle:   handle,
		capture:  capture,
		detector: vad.New(m.cfg.VAD),
		done:     make(chan struct{}),
	}
	ls.ctx, ls.cancel = context.WithCancel(context.Background())
	b, err := bridge.New(m.deps.Executor, handle, m.listener,
		bridge.WithSessionID(ls.id),
		bridge.WithToolTimeout(orDefault(m.cfg.ToolTimeout, 60*time.Second)),
		bridge.WithHeartbeat(orDefault(m.cfg.HeartbeatFirst, 2*time.Second), orDefault(m.cfg.HeartbeatInterval, 3*time.Second)),
		bridge.WithCriticalTools(m.cfg.CriticalTools...),
		bridge.WithMetrics(m.metrics),
	)
	if err != nil {
		ls.cancel()
		_ = handle.Close()
		_ = capture.Close()
		return fail(KindConfiguration, "tool bridge", err)
	}
	ls.bridge = b

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		ls.cancel()
		ls.close(m.metrics, false)
		close(ls.done)
		slog.Info("session: connect superseded, discarding session", "persona", personaID, "attempt", attempt)
		return ErrSuperseded
	}
	m.live = ls
	m.state = StateConnected
	m.retryCount = 0
	ls.committed.Store(true)
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	m.metrics.RecordConnect(ctx, personaID, "ok")
	span.SetAttributes(attribute.String("session_id", ls.id))
	observe.Logger(ctx).Info("session: connected",
		"session_id", ls.id,
		"persona", personaID,
		"modality", p.Modality,
		"tools", len(scfg.Tools),
		"attempt", attempt,
	)
	m.listener.OnConnectionChange(true)

	go m.pump(ls)
	return nil
}

func (m *Manager) liveContext(ctx context.Context) *hotctx.LiveContext {
	if m.deps.Context == nil {
		return nil
	}
	lc, err := m.deps.Context.Assemble(ctx)
	if err != nil {
		slog.Warn("session: live context unavailable", "err", err)
		return nil
	}
	return lc
}

// settleFailed resolves a failed connect attempt to DISCONNECTED and reports
// it once, unless a newer request already took over.
func (m *Manager) settleFailed(gen uint64, err error) {
	m.mu.Lock()
	current := m.gen == gen
	if current {
		m.state = StateDisconnected
		m.retryCount = 0
	}
	m.mu.Unlock()
	if current {
		m.listener.OnStatusUpdate(err.Error())
	}
}

func (m *Manager) stillCurrent(gen uint64, st State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.state == st
}

func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
}

// ── Live session ─────────────────────────────────────────────────────────────

type liveSession struct {
	id       string
	persona  persona.Persona
	handle   s2s.SessionHandle
	capture  audio.CaptureStream
	bridge   *bridge.Bridge
	detector *vad.Detector

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	committed atomic.Bool
}

// close releases the session's resources once. endStream sends a final
// audioStreamEnd before closing the channel.
func (ls *liveSession) close(metrics *observe.Metrics, endStream bool) error {
	var err error
	ls.closeOnce.Do(func() {
		if cerr := ls.capture.Close(); cerr != nil {
			err = fmt.Errorf("session: close microphone: %w", cerr)
		}
		if endStream {
			_ = ls.handle.EndAudioStream()
		}
		if cerr := ls.handle.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("session: close channel: %w", cerr)
		}
		if ls.bridge != nil {
			ls.bridge.Close()
		}
		ls.detector.Reset()
		if ls.committed.Load() {
			metrics.ActiveSessions.Add(context.Background(), -1)
		}
	})
	return err
}

// teardown performs an explicit close and waits for the pump to exit.
func (m *Manager) teardown(ls *liveSession) error {
	ls.cancel()
	err := ls.close(m.metrics, true)
	<-ls.done
	slog.Debug("session: torn down", "session_id", ls.id)
	return err
}

// lost handles an unexpected close observed by the pump.
func (m *Manager) lost(ls *liveSession, cause error) {
	m.mu.Lock()
	if m.live != ls {
		m.mu.Unlock()
		return
	}
	m.live = nil
	m.gen++
	gen := m.gen
	m.state = StateReconnecting
	retryCount := m.retryCount
	personaID := m.persona
	m.mu.Unlock()

	ls.cancel()
	_ = ls.close(m.metrics, false)
	m.scheduler.Interrupt()
	m.metrics.RecordProviderError(context.Background(), m.cfg.ProviderName, "connection_lost")
	slog.Warn("session: connection lost",
		"session_id", ls.id,
		"persona", personaID,
		"attempt", retryCount,
		"state", StateConnected,
		"err", cause,
	)
	m.listener.OnConnectionChange(false)
	m.scheduleReconnect(gen, personaID, retryCount)
}

// pump is the session's single logical thread: capture frames and inbound
// events are handled here and nowhere else.
func (m *Manager) pump(ls *liveSession) {
	defer close(ls.done)

	frames := ls.capture.Frames()
	events := ls.handle.Events()
	for {
		select {
		case <-ls.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				if ls.ctx.Err() == nil {
					slog.Warn("session: microphone stream ended", "session_id", ls.id)
				}
				frames = nil
				continue
			}
			m.handleFrame(ls, f)
		case ev, ok := <-events:
			if !ok {
				if ls.ctx.Err() != nil {
					return
				}
				cause := ls.handle.Err()
				if cause == nil {
					cause = errors.New("channel closed by server")
				}
				m.lost(ls, cause)
				return
			}
			m.handleEvent(ls, ev)
		}
	}
}

func (m *Manager) handleFrame(ls *liveSession, f audio.Frame) {
	m.listener.OnAmplitude(level(f.RMS), types.SourceUser)

	ev := ls.detector.Process(f.RMS)
	switch ev.Type {
	case vad.SpeechStart:
		m.metrics.RecordVADTransition(ls.ctx, "start")
		m.listener.OnVADChange(true)
		// Echo of our own playback must not cut it off, so barge-in only
		// fires when nothing is playing.
		if !m.scheduler.Busy() {
			m.scheduler.Interrupt()
			m.metrics.RecordInterrupt(ls.ctx, "barge_in")
		}
		m.sendFrame(ls, f)
	case vad.SpeechContinue:
		m.sendFrame(ls, f)
	case vad.SpeechEnd:
		m.metrics.RecordVADTransition(ls.ctx, "end")
		m.listener.OnVADChange(false)
		switch err := ls.handle.EndAudioStream(); {
		case err == nil, errors.Is(err, s2s.ErrSessionClosed):
		case errors.Is(err, s2s.ErrQueueFull):
			m.metrics.RecordFrameDropped(ls.ctx, "stream_end")
			slog.Debug("session: audio stream end dropped, outbound queue full", "session_id", ls.id)
		default:
			slog.Warn("session: audio stream end failed", "session_id", ls.id, "err", err)
		}
	}
}

func (m *Manager) sendFrame(ls *liveSession, f audio.Frame) {
	pcm, err := m.encoder.Encode(f)
	if err != nil {
		m.metrics.RecordFrameDropped(ls.ctx, "encode")
		slog.Debug("session: frame encode failed", "session_id", ls.id, "err", err)
		return
	}
	switch err := ls.handle.SendAudio(pcm); {
	case err == nil:
		m.metrics.FramesSent.Add(ls.ctx, 1)
	case errors.Is(err, s2s.ErrQueueFull):
		m.metrics.RecordFrameDropped(ls.ctx, "queue_full")
	case errors.Is(err, s2s.ErrSessionClosed):
		m.metrics.RecordFrameDropped(ls.ctx, "closed")
	default:
		m.metrics.RecordFrameDropped(ls.ctx, "send")
		slog.Warn("session: send audio failed", "session_id", ls.id, "err", err)
	}
}

func (m *Manager) handleEvent(ls *liveSession, ev s2s.Event) {
	silent := ls.persona.Silent
	switch ev.Type {
	case s2s.EventAudio:
		if silent {
			return
		}
		m.listener.OnAmplitude(level(audio.RMS(ev.Samples)), types.SourceModel)
		if err := m.scheduler.Enqueue(ev.Samples, ev.SampleRate); err != nil {
			slog.Warn("session: playback enqueue failed", "session_id", ls.id, "err", err)
		}
	case s2s.EventText:
		if silent {
			return
		}
		if text := StripMonologue(ev.Text); text != "" {
			m.listener.OnTranscript(text, types.SourceModel)
		}
	case s2s.EventInputTranscript:
		m.listener.OnTranscript(ev.Text, types.SourceUser)
	case s2s.EventOutputTranscript:
		if !silent {
			m.listener.OnTranscript(ev.Text, types.SourceModel)
		}
	case s2s.EventInterrupted:
		n := m.scheduler.Interrupt()
		m.metrics.RecordInterrupt(ls.ctx, "server")
		slog.Debug("session: playback interrupted by server", "session_id", ls.id, "stopped", n)
	case s2s.EventTurnComplete:
		slog.Debug("session: turn complete", "session_id", ls.id)
	case s2s.EventToolCall:
		for _, call := range ev.ToolCalls {
			ls.bridge.Handle(call)
		}
	case s2s.EventToolCallCancellation:
		ls.bridge.Cancel(ev.CancelledIDs)
	case s2s.EventGoAway:
		slog.Info("session: server will close the session", "session_id", ls.id, "time_left", ev.TimeLeft)
		m.listener.OnStatusUpdate(fmt.Sprintf("server closing session in %s", ev.TimeLeft.Round(time.Second)))
	case s2s.EventError:
		m.metrics.RecordProviderError(ls.ctx, m.cfg.ProviderName, "server")
		slog.Warn("session: server error", "session_id", ls.id, "err", ev.Err)
	}
}

func level(rms float64) float64 {
	return math.Min(1, rms*amplitudeGain)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
