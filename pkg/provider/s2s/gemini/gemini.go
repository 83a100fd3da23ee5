// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is transmitted as base64-encoded PCM16 chunks at 16 kHz;
// model audio arrives as base64 PCM16 at 24 kHz and is decoded to float samples
// before it is emitted as an event.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/lucaos/voicelive/pkg/provider/s2s"
	"github.com/lucaos/voicelive/pkg/types"
)

// Compile-time assertion that Provider satisfies the s2s interface.
var _ s2s.Provider = (*Provider)(nil)

const (
	defaultModel        = "gemini-2.0-flash-live-001"
	defaultBaseURL      = "wss://generativelanguage.googleapis.com/ws"
	defaultSetupTimeout = 10 * time.Second

	inputSampleRate  = 16000
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer    = 64
	outboundBuffer = 256

	// writeTimeout fails a stalled socket write, which ends the session.
	writeTimeout = 10 * time.Second
	// flushTimeout bounds delivery of still-queued messages on Close.
	flushTimeout = 500 * time.Millisecond
	// streamEndWait is how long EndAudioStream waits for queue space before
	// giving up with ErrQueueFull.
	streamEndWait = 100 * time.Millisecond
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for setupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      inputSampleRate,
		OutputSampleRate:     outputSampleRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials the Live endpoint, sends the setup message and waits for the
// server's setupComplete acknowledgement. Credential and model-access failures
// are reported wrapping [s2s.ErrUnauthorized].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("gemini: %w: missing API key", s2s.ErrUnauthorized)
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("gemini: dial: %w: HTTP %d", s2s.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	if err := p.handshake(ctx, conn, buildSetup(model, cfg)); err != nil {
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		return nil, err
	}

	sess := newSession(conn)
	sess.start()
	return sess, nil
}

// handshake writes the setup message and blocks until setupComplete arrives.
func (p *Provider) handshake(ctx context.Context, conn *websocket.Conn, setup setupMessage) error {
	hctx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	data, err := json.Marshal(setup)
	if err != nil {
		return fmt.Errorf("gemini: marshal setup: %w", err)
	}
	if err := conn.Write(hctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: setup: %w", classifyClose(err))
	}

	for {
		_, data, err := conn.Read(hctx)
		if err != nil {
			return fmt.Errorf("gemini: awaiting setupComplete: %w", classifyClose(err))
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			if msg.Error.unauthorized() {
				return fmt.Errorf("%w: %w", s2s.ErrUnauthorized, msg.Error)
			}
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// classifyClose maps close codes the service uses for bad credentials or
// unknown models onto [s2s.ErrUnauthorized].
func classifyClose(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation, websocket.StatusInvalidFramePayloadData:
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return fmt.Errorf("%w: %s", s2s.ErrUnauthorized, ce.Reason)
		}
		return fmt.Errorf("%w: %w", s2s.ErrUnauthorized, err)
	}
	return err
}

// buildSetup translates a SessionConfig into the BidiGenerateContent setup.
func buildSetup(model string, cfg s2s.SessionConfig) setupMessage {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{cfg.Modality.String()},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}

	audioOut := cfg.Modality == types.ModalityAudio
	if audioOut && cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription && audioOut {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}
