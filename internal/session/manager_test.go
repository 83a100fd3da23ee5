package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lucaos/voicelive/internal/mcp/bridge"
	"github.com/lucaos/voicelive/internal/observe"
	"github.com/lucaos/voicelive/internal/persona"
	"github.com/lucaos/voicelive/pkg/audio"
	audiomock "github.com/lucaos/voicelive/pkg/audio/mock"
	"github.com/lucaos/voicelive/pkg/provider/s2s"
	s2smock "github.com/lucaos/voicelive/pkg/provider/s2s/mock"
	"github.com/lucaos/voicelive/pkg/provider/vad"
	"github.com/lucaos/voicelive/pkg/types"
)

// ── Test helpers ─────────────────────────────────────────────────────────────

type recorder struct {
	mu          sync.Mutex
	transcripts []string
	statuses    []string
	connections []bool
	vad         []bool
}

func (r *recorder) OnAmplitude(float64, types.Source) {}

func (r *recorder) OnVADChange(speaking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad = append(r.vad, speaking)
}

func (r *recorder) OnTranscript(text string, source types.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, string(source)+": "+text)
}

func (r *recorder) OnStatusUpdate(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, msg)
}

func (r *recorder) OnConnectionChange(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections = append(r.connections, connected)
}

func (r *recorder) snapshot() (transcripts, statuses []string, connections, vadChanges []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.transcripts), slices.Clone(r.statuses), slices.Clone(r.connections), slices.Clone(r.vad)
}

type catalogue []types.ToolDefinition

func (c catalogue) AvailableTools(types.BudgetTier) []types.ToolDefinition { return c }

type harness struct {
	m        *Manager
	provider *s2smock.Provider
	mic      *audiomock.Microphone
	out      *audiomock.Output
	rec      *recorder
}

func newHarness(t *testing.T, cfg Config, exec bridge.Executor) *harness {
	t.Helper()

	personas, err := persona.NewRegistry(
		persona.Persona{ID: "ASSISTANT", SystemInstruction: "You are helpful.", Voice: "Kore"},
		persona.Persona{ID: "DICTATION", SystemInstruction: "Transcribe.", Modality: types.ModalityText},
		persona.Persona{ID: "LISTENER", SystemInstruction: "Listen.", Silent: true},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		provider: &s2smock.Provider{},
		mic:      audiomock.NewMicrophone(),
		out:      audiomock.NewOutput(48000),
		rec:      &recorder{},
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = RetryPolicy{MaxRetries: 2, Delay: 5 * time.Millisecond}
	}
	if cfg.PersonaSwitchSettle == 0 {
		cfg.PersonaSwitchSettle = time.Millisecond
	}
	cfg.DefaultPersona = "ASSISTANT"

	h.m, err = New(cfg, Deps{
		Provider:   h.provider,
		Personas:   personas,
		Microphone: h.mic,
		Output:     h.out,
		Tools:      catalogue{{Name: "read_file"}, {Name: "wipeMemory"}},
		Executor:   exec,
		Listener:   h.rec,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = h.m.Disconnect() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func frame(rms float32) audio.Frame {
	samples := make([]float32, 320)
	for i := range samples {
		samples[i] = rms
	}
	return audio.Frame{Samples: samples, SampleRate: 16000, RMS: float64(rms)}
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	if err == nil {
		t.Fatal("expected error for missing deps")
	}
	for _, want := range []string{"provider", "persona resolver", "microphone", "output"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestManager_ConnectDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)

	if err := h.m.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := h.m.State(); got != StateConnected {
		t.Fatalf("state = %v, want CONNECTED", got)
	}
	if h.m.SessionID() == "" {
		t.Error("expected a session id while connected")
	}

	calls := h.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("connect calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Instructions != "You are helpful." {
		t.Errorf("instructions = %q", cfg.Instructions)
	}
	if cfg.Voice != "Kore" || cfg.Modality != types.ModalityAudio {
		t.Errorf("voice/modality = %q/%v", cfg.Voice, cfg.Modality)
	}
	if len(cfg.Tools) != 2 {
		t.Errorf("tools = %d, want 2", len(cfg.Tools))
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("expected both transcriptions for an audio persona")
	}

	if err := h.m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := h.m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", got)
	}
	sess := h.provider.LastSession()
	if !sess.Closed() {
		t.Error("expected channel to be closed")
	}
	if !h.mic.Current().Closed() {
		t.Error("expected microphone to be released")
	}
	if err := h.m.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}

	_, _, conns, _ := h.rec.snapshot()
	if !slices.Equal(conns, []bool{true, false}) {
		t.Errorf("connection changes = %v, want [true false]", conns)
	}
}

func TestManager_ConnectWhileConnectedStopsOldPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)

	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	old := h.provider.LastSession()
	old.Emit(s2s.Event{Type: s2s.EventAudio, Samples: make([]float32, 24000), SampleRate: 24000})
	waitFor(t, "playback", func() bool { return h.m.Playback().Busy() })

	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n := h.m.Playback().ActiveCount(); n != 0 {
		t.Errorf("active buffers = %d after reconnect, want 0", n)
	}
	if !h.out.Voices()[0].Stopped() {
		t.Error("old session's voice still playing")
	}
	if !old.Closed() {
		t.Error("old channel not closed")
	}
	if n := len(h.provider.Sessions()); n != 2 || h.m.State() != StateConnected {
		t.Errorf("sessions = %d, state = %v; want 2, CONNECTED", n, h.m.State())
	}
	_, _, conns, _ := h.rec.snapshot()
	if !slices.Equal(conns, []bool{true, false, true}) {
		t.Errorf("connection changes = %v, want [true false true]", conns)
	}
}

func TestManager_ConnectWhileConnectingIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.provider.ConnectHook = func(context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	first := make(chan error, 1)
	go func() { first <- h.m.Connect(context.Background(), "ASSISTANT") }()
	<-entered

	if err := h.m.Connect(context.Background(), "ASSISTANT"); !errors.Is(err, ErrConnectInProgress) {
		t.Errorf("second Connect error = %v, want ErrConnectInProgress", err)
	}
	close(release)

	if err := <-first; err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if n := len(h.provider.Sessions()); n != 1 {
		t.Errorf("sessions = %d, want exactly 1", n)
	}
	if got := h.m.State(); got != StateConnected {
		t.Errorf("state = %v, want CONNECTED", got)
	}
}

func TestManager_ReconnectIsBounded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Retry: RetryPolicy{MaxRetries: 2, Delay: 5 * time.Millisecond}}, nil)

	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.provider.ConnectErrs = []error{errors.New("dial refused"), errors.New("dial refused"), errors.New("dial refused")}
	h.provider.LastSession().Drop(errors.New("network down"))

	waitFor(t, "retries to give up", func() bool {
		_, statuses, _, _ := h.rec.snapshot()
		return slices.Contains(statuses, "connection lost after 2 attempts")
	})
	if got := h.m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", got)
	}

	// Initial connect plus MaxRetries attempts, never more.
	time.Sleep(30 * time.Millisecond)
	if n := len(h.provider.Calls()); n != 3 {
		t.Errorf("connect calls = %d, want 3", n)
	}

	_, statuses, _, _ := h.rec.snapshot()
	for _, want := range []string{"reconnecting… (attempt 1/2)", "reconnecting… (attempt 2/2)"} {
		if !slices.Contains(statuses, want) {
			t.Errorf("missing status %q in %v", want, statuses)
		}
	}
}

func TestManager_ReconnectRestoresSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)

	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	firstID := h.m.SessionID()
	h.provider.LastSession().Drop(errors.New("network down"))

	waitFor(t, "reconnect", func() bool {
		return len(h.provider.Sessions()) == 2 && h.m.State() == StateConnected
	})
	if h.m.SessionID() == firstID {
		t.Error("expected a fresh session id after reconnect")
	}
	if h.m.Persona() != "ASSISTANT" {
		t.Errorf("persona = %q, want ASSISTANT", h.m.Persona())
	}
	_, _, conns, _ := h.rec.snapshot()
	if !slices.Equal(conns, []bool{true, false, true}) {
		t.Errorf("connection changes = %v, want [true false true]", conns)
	}
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Retry: RetryPolicy{MaxRetries: 3, Delay: time.Hour}}, nil)

	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.provider.LastSession().Drop(errors.New("network down"))
	waitFor(t, "reconnecting state", func() bool { return h.m.State() == StateReconnecting })

	if err := h.m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := h.m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", got)
	}
	h.m.mu.Lock()
	pending := h.m.retryTimer != nil
	h.m.mu.Unlock()
	if pending {
		t.Error("expected reconnect timer to be cancelled")
	}
}

func TestManager_DisconnectAbortsReconnectDial(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)

	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	entered := make(chan struct{}, 1)
	aborted := make(chan error, 1)
	h.provider.ConnectHook = func(ctx context.Context) error {
		entered <- struct{}{}
		<-ctx.Done()
		aborted <- ctx.Err()
		return ctx.Err()
	}
	h.provider.LastSession().Drop(errors.New("network down"))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect attempt never dialed")
	}
	if err := h.m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-aborted:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("dial context error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not abort the pending dial")
	}
	if got := h.m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", got)
	}
}

func TestManager_ReconnectAttemptTimesOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Retry: RetryPolicy{MaxRetries: 1, Delay: 5 * time.Millisecond, AttemptTimeout: 20 * time.Millisecond}}, nil)

	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.provider.ConnectHook = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h.provider.LastSession().Drop(errors.New("network down"))

	waitFor(t, "retries to give up", func() bool {
		_, statuses, _, _ := h.rec.snapshot()
		return slices.Contains(statuses, "connection lost after 1 attempts")
	})
	if got := h.m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want DISCONNECTED", got)
	}
}

func TestManager_ConnectFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		persona  string
		setup    func(h *harness)
		wantKind Kind
		wantDial bool
	}{
		{
			name:     "unknown persona",
			persona:  "PIRATE",
			wantKind: KindConfiguration,
		},
		{
			name:     "microphone denied",
			persona:  "ASSISTANT",
			setup:    func(h *harness) { h.mic.OpenErr = errors.New("permission denied") },
			wantKind: KindPermission,
		},
		{
			name:     "credentials rejected",
			persona:  "ASSISTANT",
			setup:    func(h *harness) { h.provider.ConnectErr = fmt.Errorf("gemini: setup: %w", s2s.ErrUnauthorized) },
			wantKind: KindConfiguration,
			wantDial: true,
		},
		{
			name:     "transport failure",
			persona:  "ASSISTANT",
			setup:    func(h *harness) { h.provider.ConnectErr = errors.New("connection refused") },
			wantKind: KindTransport,
			wantDial: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{}, nil)
			if tt.setup != nil {
				tt.setup(h)
			}

			err := h.m.Connect(context.Background(), tt.persona)
			var serr *Error
			if !errors.As(err, &serr) {
				t.Fatalf("error = %v, want *session.Error", err)
			}
			if serr.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", serr.Kind, tt.wantKind)
			}
			if got := h.m.State(); got != StateDisconnected {
				t.Errorf("state = %v, want DISCONNECTED", got)
			}
			if dialled := len(h.provider.Calls()) > 0; dialled != tt.wantDial {
				t.Errorf("dialled = %v, want %v", dialled, tt.wantDial)
			}
			if s := h.mic.Current(); s != nil && !s.Closed() {
				t.Error("microphone left open after failed connect")
			}
			_, statuses, _, _ := h.rec.snapshot()
			if len(statuses) != 1 || statuses[0] != err.Error() {
				t.Errorf("statuses = %v, want the error once", statuses)
			}

			// Initial failures are not retried.
			time.Sleep(20 * time.Millisecond)
			if n := len(h.provider.Calls()); n > 1 {
				t.Errorf("connect calls = %d, want at most 1", n)
			}
		})
	}
}

// ── Persona switching ────────────────────────────────────────────────────────

func TestManager_SwitchPersona(t *testing.T) {
	t.Parallel()

	t.Run("reconnects with the new persona", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		if err := h.m.SwitchPersona(context.Background(), "DICTATION"); err != nil {
			t.Fatalf("SwitchPersona: %v", err)
		}

		sessions := h.provider.Sessions()
		if len(sessions) != 2 {
			t.Fatalf("sessions = %d, want 2", len(sessions))
		}
		if !sessions[0].Closed() {
			t.Error("expected the first session to be closed")
		}
		cfg := h.provider.Calls()[1].Cfg
		if cfg.Modality != types.ModalityText {
			t.Errorf("modality = %v, want TEXT", cfg.Modality)
		}
		if len(cfg.Tools) != 0 {
			t.Errorf("tools = %d, want none for a text persona", len(cfg.Tools))
		}
		if cfg.OutputTranscription {
			t.Error("output transcription requested for a text persona")
		}
		if h.m.Persona() != "DICTATION" || h.m.State() != StateConnected {
			t.Errorf("persona/state = %q/%v", h.m.Persona(), h.m.State())
		}
		_, _, conns, _ := h.rec.snapshot()
		if !slices.Equal(conns, []bool{true, false, true}) {
			t.Errorf("connection changes = %v, want exactly one disconnect", conns)
		}
	})

	t.Run("records persona while disconnected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		if err := h.m.SwitchPersona(context.Background(), "DICTATION"); err != nil {
			t.Fatalf("SwitchPersona: %v", err)
		}
		if n := len(h.provider.Calls()); n != 0 {
			t.Errorf("connect calls = %d, want 0", n)
		}
		if err := h.m.Connect(context.Background(), ""); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if got := h.provider.Calls()[0].Cfg.Modality; got != types.ModalityText {
			t.Errorf("modality = %v, want TEXT", got)
		}
	})

	t.Run("unknown persona keeps the session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, nil)
		if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		err := h.m.SwitchPersona(context.Background(), "PIRATE")
		if !IsFatal(err) || !errors.Is(err, persona.ErrUnknownPersona) {
			t.Errorf("error = %v, want fatal unknown persona", err)
		}
		if h.m.State() != StateConnected || len(h.provider.Calls()) != 1 {
			t.Error("session should be untouched")
		}
	})
}

// ── Sending ──────────────────────────────────────────────────────────────────

func TestManager_SendRequiresConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)

	if err := h.m.SendText("hello"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText error = %v, want ErrNotConnected", err)
	}
	if err := h.m.SendVideoFrame([]byte{0xff, 0xd8}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendVideoFrame error = %v, want ErrNotConnected", err)
	}

	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.m.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := h.m.SendVideoFrame([]byte{0xff, 0xd8}); err != nil {
		t.Fatalf("SendVideoFrame: %v", err)
	}
	_, texts, _, _ := h.provider.LastSession().Snapshot()
	if !slices.Equal(texts, []string{"hello"}) {
		t.Errorf("texts = %v", texts)
	}
}

func TestManager_AudioIsGatedByVAD(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{VAD: vad.Config{HangoverFrames: 2}}, nil)
	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := h.provider.LastSession()

	// 3 silent, 2 loud, 2 hangover, 1 end.
	for _, rms := range []float32{0.001, 0.001, 0.001, 0.1, 0.1, 0.001, 0.001, 0.001} {
		h.mic.Push(frame(rms))
	}

	waitFor(t, "audio stream end", func() bool {
		_, _, _, ends := sess.Snapshot()
		return ends == 1
	})
	chunks, _, _, _ := sess.Snapshot()
	if chunks != 4 {
		t.Errorf("audio chunks = %d, want 4", chunks)
	}
	_, _, _, vadChanges := h.rec.snapshot()
	if !slices.Equal(vadChanges, []bool{true, false}) {
		t.Errorf("vad changes = %v, want [true false]", vadChanges)
	}
}

func TestManager_SpeechDuringPlaybackDoesNotInterrupt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := h.provider.LastSession()

	sess.Emit(s2s.Event{Type: s2s.EventAudio, Samples: make([]float32, 24000), SampleRate: 24000})
	waitFor(t, "playback", func() bool { return h.m.Playback().Busy() })

	h.mic.Push(frame(0.2))
	waitFor(t, "speech frame sent", func() bool {
		chunks, _, _, _ := sess.Snapshot()
		return chunks == 1
	})
	if v := h.out.Voices()[0]; v.Stopped() {
		t.Error("local speech onset stopped active playback")
	}
}

func TestManager_SpeechOnsetWhileIdleInterrupts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := h.provider.LastSession()

	sess.Emit(s2s.Event{Type: s2s.EventAudio, Samples: make([]float32, 2400), SampleRate: 24000})
	waitFor(t, "playback", func() bool { return len(h.out.Voices()) == 1 })
	h.out.Advance(150 * time.Millisecond)
	if h.m.Playback().Busy() {
		t.Fatal("scheduler busy after the buffer ended")
	}
	if got := h.m.Playback().Cursor(); got != 100*time.Millisecond {
		t.Fatalf("cursor = %v, want 100ms", got)
	}

	h.mic.Push(frame(0.2))
	waitFor(t, "speech frame sent", func() bool {
		chunks, _, _, _ := sess.Snapshot()
		return chunks == 1
	})
	if got, want := h.m.Playback().Cursor(), h.out.Now(); got != want {
		t.Errorf("cursor = %v after speech onset, want output time %v", got, want)
	}
}

func TestManager_DisconnectClearsPlaybackAndDiscardsToolResult(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	returned := make(chan struct{})
	exec := bridge.ExecutorFunc(func(context.Context, string, map[string]any) (string, error) {
		defer close(returned)
		close(entered)
		<-release
		return "too late", nil
	})
	h := newHarness(t, Config{}, exec)
	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := h.provider.LastSession()

	sess.Emit(s2s.Event{Type: s2s.EventAudio, Samples: make([]float32, 24000), SampleRate: 24000})
	sess.Emit(s2s.Event{Type: s2s.EventToolCall, ToolCalls: []types.ToolCall{{ID: "c1", Name: "read_file"}}})
	waitFor(t, "playback", func() bool { return h.m.Playback().Busy() })
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}

	if err := h.m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if n := h.m.Playback().ActiveCount(); n != 0 {
		t.Errorf("active buffers = %d after Disconnect, want 0", n)
	}
	if !h.out.Voices()[0].Stopped() {
		t.Error("voice still playing after Disconnect")
	}

	close(release)
	<-returned
	time.Sleep(20 * time.Millisecond)
	if _, _, responses, _ := sess.Snapshot(); len(responses) != 0 {
		t.Errorf("tool responses = %+v, want none after Disconnect", responses)
	}
}

// ── Inbound events ───────────────────────────────────────────────────────────

func TestManager_RoutesEvents(t *testing.T) {
	t.Parallel()
	exec := bridge.ExecutorFunc(func(_ context.Context, name string, _ map[string]any) (string, error) {
		return "42", nil
	})
	h := newHarness(t, Config{}, exec)
	if err := h.m.Connect(context.Background(), "ASSISTANT"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := h.provider.LastSession()

	sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "what is six times seven"})
	sess.Emit(s2s.Event{Type: s2s.EventText, Text: "**Working it out** Forty-two."})
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Samples: make([]float32, 2400), SampleRate: 24000})
	waitFor(t, "playback", func() bool { return len(h.out.Voices()) == 1 })

	sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
	waitFor(t, "interrupt", func() bool { return h.out.Voices()[0].Stopped() })
	if h.m.Playback().Busy() {
		t.Error("scheduler still busy after server interrupt")
	}

	sess.Emit(s2s.Event{Type: s2s.EventToolCall, ToolCalls: []types.ToolCall{{ID: "c1", Name: "read_file"}}})
	select {
	case <-sess.ToolResponseNotify():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tool response")
	}
	_, _, responses, _ := sess.Snapshot()
	if len(responses) != 1 || responses[0].ID != "c1" || responses[0].Response["output"] != "42" {
		t.Errorf("responses = %+v", responses)
	}

	transcripts, _, _, _ := h.rec.snapshot()
	for _, want := range []string{"user: what is six times seven", "model: Forty-two."} {
		if !slices.Contains(transcripts, want) {
			t.Errorf("missing transcript %q in %v", want, transcripts)
		}
	}
}

func TestManager_SilentPersonaSuppressesModelOutput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	if err := h.m.Connect(context.Background(), "LISTENER"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := h.provider.LastSession()

	sess.Emit(s2s.Event{Type: s2s.EventAudio, Samples: make([]float32, 2400), SampleRate: 24000})
	sess.Emit(s2s.Event{Type: s2s.EventText, Text: "hidden"})
	sess.Emit(s2s.Event{Type: s2s.EventOutputTranscript, Text: "hidden"})
	sess.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: "note this"})

	waitFor(t, "user transcript", func() bool {
		transcripts, _, _, _ := h.rec.snapshot()
		return len(transcripts) > 0
	})
	transcripts, _, _, _ := h.rec.snapshot()
	if !slices.Equal(transcripts, []string{"user: note this"}) {
		t.Errorf("transcripts = %v, want only the user line", transcripts)
	}
	if n := len(h.out.Voices()); n != 0 {
		t.Errorf("voices = %d, want none in silent mode", n)
	}
}

func TestStripMonologue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Hello there.", "Hello there."},
		{"**Thinking about it** Hello.", "Hello."},
		{"Start **a** middle **b** end", "Start middle end"},
		{"**Planning\nacross lines** Done.", "Done."},
		{"**only thoughts**", ""},
		{"unpaired ** marker", "unpaired ** marker"},
	}
	for _, tt := range tests {
		if got := StripMonologue(tt.in); got != tt.want {
			t.Errorf("StripMonologue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
