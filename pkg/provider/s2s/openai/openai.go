// Package openai implements the s2s.Provider interface for OpenAI's Realtime
// API.
//
// A session is one WebSocket carrying JSON events. Audio travels both ways as
// base64 PCM16 at 24 kHz. Turn detection is left to the server, which cancels
// its own response when the user starts talking; that moment is reported as
// [s2s.EventInterrupted].
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/lucaos/voicelive/pkg/provider/s2s"
	"github.com/lucaos/voicelive/pkg/types"
)

var _ s2s.Provider = (*Provider)(nil)

const (
	defaultModel        = "gpt-4o-realtime-preview"
	defaultBaseURL      = "wss://api.openai.com/v1/realtime"
	defaultSetupTimeout = 10 * time.Second

	sampleRate = 24000

	transcriptionModel = "whisper-1"

	eventBuffer    = 64
	outboundBuffer = 256

	// writeTimeout fails a stalled socket write, which ends the session.
	writeTimeout = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for session.updated.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for the OpenAI Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a Realtime provider authenticating with apiKey.
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

// Capabilities returns static metadata about the Realtime API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      sampleRate,
		OutputSampleRate:     sampleRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the endpoint, sends session.update and waits for the server
// to acknowledge it. Rejected credentials or models wrap
// [s2s.ErrUnauthorized].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: %w: missing API key", s2s.ErrUnauthorized)
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}

	conn, resp, err := websocket.Dial(ctx, p.baseURL+"?model="+url.QueryEscape(model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("openai: dial: %w: HTTP %d", s2s.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(16 << 20)

	if err := p.handshake(ctx, conn, buildSessionUpdate(cfg)); err != nil {
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		return nil, err
	}

	sess := newSession(conn)
	sess.start()
	return sess, nil
}

func (p *Provider) handshake(ctx context.Context, conn *websocket.Conn, update sessionUpdateMessage) error {
	hctx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("openai: marshal session.update: %w", err)
	}
	if err := conn.Write(hctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: session.update: %w", err)
	}

	for {
		_, data, err := conn.Read(hctx)
		if err != nil {
			return fmt.Errorf("openai: awaiting session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			if evt.Error == nil {
				return fmt.Errorf("openai: setup rejected")
			}
			if evt.Error.unauthorized() {
				return fmt.Errorf("%w: %w", s2s.ErrUnauthorized, evt.Error)
			}
			return evt.Error
		}
	}
}

func buildSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"text"},
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetection{Type: "server_vad"},
	}
	if cfg.Modality == types.ModalityAudio {
		params.Modalities = []string{"audio", "text"}
		params.Voice = cfg.Voice
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcription{Model: transcriptionModel}
	}
	if len(cfg.Tools) > 0 {
		params.Tools = make([]oaiTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			params.Tools[i] = oaiTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		params.ToolChoice = "auto"
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}
