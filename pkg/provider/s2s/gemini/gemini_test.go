package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lucaos/voicelive/pkg/audio"
	"github.com/lucaos/voicelive/pkg/provider/s2s"
	"github.com/lucaos/voicelive/pkg/provider/s2s/gemini"
	"github.com/lucaos/voicelive/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return raw
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithSetupTimeout(3*time.Second))
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

// ── Provider ───────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputSampleRate != 16000 {
		t.Errorf("InputSampleRate = %d, want 16000", caps.InputSampleRate)
	}
	if caps.OutputSampleRate != 24000 {
		t.Errorf("OutputSampleRate = %d, want 24000", caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := s2s.SessionConfig{
		Model:        "gemini-live-test",
		Instructions: "You are a helpful desktop assistant.",
		Voice:        "Kore",
		Modality:     types.ModalityAudio,
		Tools: []types.ToolDefinition{
			{Name: "read_file", Description: "Read a file"},
		},
		InputTranscription:  true,
		OutputTranscription: true,
	}
	handle, err := newProvider(srv).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if key := <-keys; key != "test-api-key" {
		t.Errorf("key = %q, want test-api-key", key)
	}
	msg := <-received
	s := msg.Setup
	if s.Model != "models/gemini-live-test" {
		t.Errorf("model = %q", s.Model)
	}
	if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", s.GenerationConfig.ResponseModalities)
	}
	if s.GenerationConfig.SpeechConfig == nil || s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("speechConfig = %+v, want voice Kore", s.GenerationConfig.SpeechConfig)
	}
	if s.SystemInstruction == nil || s.SystemInstruction.Parts[0].Text != cfg.Instructions {
		t.Errorf("systemInstruction = %+v", s.SystemInstruction)
	}
	if len(s.Tools) != 1 || s.Tools[0].FunctionDeclarations[0].Name != "read_file" {
		t.Errorf("tools = %+v", s.Tools)
	}
	if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
		t.Error("expected both transcription configs to be present")
	}
}

func TestConnect_TextModality(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		received <- acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{
		Modality:            types.ModalityText,
		Voice:               "Puck",
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	setup := (<-received)["setup"].(map[string]any)
	gen := setup["generationConfig"].(map[string]any)
	if mods := gen["responseModalities"].([]any); len(mods) != 1 || mods[0] != "TEXT" {
		t.Errorf("responseModalities = %v, want [TEXT]", mods)
	}
	if _, ok := gen["speechConfig"]; ok {
		t.Error("speechConfig must be omitted for TEXT responses")
	}
	if _, ok := setup["outputAudioTranscription"]; ok {
		t.Error("outputAudioTranscription must be omitted for TEXT responses")
	}
	if _, ok := setup["tools"]; ok {
		t.Error("tools must be omitted when none are configured")
	}
}

func TestConnect_Unauthorized(t *testing.T) {
	t.Parallel()

	t.Run("missing api key", func(t *testing.T) {
		t.Parallel()
		_, err := gemini.New("").Connect(context.Background(), s2s.SessionConfig{})
		if !errors.Is(err, s2s.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("http 403", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "forbidden", http.StatusForbidden)
		}))
		t.Cleanup(srv.Close)
		_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
		if !errors.Is(err, s2s.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("policy violation close", func(t *testing.T) {
		t.Parallel()
		srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
			var raw map[string]any
			readJSON(t, conn, &raw)
			conn.Close(websocket.StatusPolicyViolation, "API key not valid")
		})
		_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
		if !errors.Is(err, s2s.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("error message", func(t *testing.T) {
		t.Parallel()
		srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
			var raw map[string]any
			readJSON(t, conn, &raw)
			writeJSON(t, conn, map[string]any{"error": map[string]any{
				"code": 403, "message": "model access denied", "status": "PERMISSION_DENIED",
			}})
			<-conn.CloseRead(context.Background()).Done()
		})
		_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
		if !errors.Is(err, s2s.ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})
}

func TestConnect_TransportFailureIsNotUnauthorized(t *testing.T) {
	t.Parallel()

	t.Run("setup timeout", func(t *testing.T) {
		t.Parallel()
		srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
			<-conn.CloseRead(context.Background()).Done()
		})
		p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)), gemini.WithSetupTimeout(100*time.Millisecond))
		_, err := p.Connect(context.Background(), s2s.SessionConfig{})
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, s2s.ErrUnauthorized) {
			t.Errorf("err = %v, must not be ErrUnauthorized", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		url := wsURL(srv)
		srv.Close()
		_, err := gemini.New("key", gemini.WithBaseURL(url)).Connect(context.Background(), s2s.SessionConfig{})
		if err == nil || errors.Is(err, s2s.ErrUnauthorized) {
			t.Errorf("err = %v, want transport error", err)
		}
	})
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSession_OutboundMessagesInOrder(t *testing.T) {
	t.Parallel()

	got := make(chan []map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msgs []map[string]any
		for range 5 {
			var m map[string]any
			readJSON(t, conn, &m)
			msgs = append(msgs, m)
		}
		got <- msgs
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	pcm := audio.EncodePCM16([]float32{0.1, -0.1})
	if err := handle.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := handle.EndAudioStream(); err != nil {
		t.Fatalf("EndAudioStream: %v", err)
	}
	if err := handle.SendText("what time is it?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := handle.SendVideoFrame([]byte{0xFF, 0xD8, 0xFF}); err != nil {
		t.Fatalf("SendVideoFrame: %v", err)
	}
	if err := handle.SendToolResponse(s2s.ToolResponse{ID: "call-1", Name: "wipeMemory", Response: map[string]any{"error": "boom"}}); err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}

	var msgs []map[string]any
	select {
	case msgs = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for outbound messages")
	}

	chunk := msgs[0]["realtimeInput"].(map[string]any)["mediaChunks"].([]any)[0].(map[string]any)
	if chunk["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("audio mimeType = %v", chunk["mimeType"])
	}
	if chunk["data"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("audio data = %v", chunk["data"])
	}

	if end := msgs[1]["realtimeInput"].(map[string]any)["audioStreamEnd"]; end != true {
		t.Errorf("audioStreamEnd = %v, want true", end)
	}

	cc := msgs[2]["clientContent"].(map[string]any)
	if cc["turnComplete"] != true {
		t.Error("clientContent.turnComplete should be true")
	}
	turn := cc["turns"].([]any)[0].(map[string]any)
	if turn["role"] != "user" || turn["parts"].([]any)[0].(map[string]any)["text"] != "what time is it?" {
		t.Errorf("turn = %v", turn)
	}

	video := msgs[3]["realtimeInput"].(map[string]any)["mediaChunks"].([]any)[0].(map[string]any)
	if video["mimeType"] != "image/jpeg" {
		t.Errorf("video mimeType = %v", video["mimeType"])
	}

	fr := msgs[4]["toolResponse"].(map[string]any)["functionResponses"].([]any)[0].(map[string]any)
	if fr["id"] != "call-1" || fr["name"] != "wipeMemory" {
		t.Errorf("functionResponse = %v", fr)
	}
	if fr["response"].(map[string]any)["error"] != "boom" {
		t.Errorf("response = %v", fr["response"])
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestSession_InboundEvents(t *testing.T) {
	t.Parallel()

	pcm := audio.EncodePCM16([]float32{0.5, -0.5})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm)}},
				map[string]any{"text": "planning the answer", "thought": true},
				map[string]any{"text": "Hello there"},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription":  map[string]any{"text": "hi"},
			"outputTranscription": map[string]any{"text": "Hello"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"toolCall": map[string]any{"functionCalls": []any{
			map[string]any{"id": "c1", "name": "read_file", "args": map[string]any{"path": "notes.txt"}},
		}}})
		writeJSON(t, conn, map[string]any{"toolCallCancellation": map[string]any{"ids": []any{"c1"}}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "9.5s"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventAudio || ev.SampleRate != 24000 || len(ev.Samples) != 2 {
		t.Fatalf("event 0 = %+v, want 2 audio samples at 24 kHz", ev)
	}
	if math.Abs(float64(ev.Samples[0]-0.5)) > 1e-3 || math.Abs(float64(ev.Samples[1]+0.5)) > 1e-3 {
		t.Errorf("samples = %v", ev.Samples)
	}

	want := []struct {
		typ  s2s.EventType
		text string
	}{
		{s2s.EventText, "Hello there"},
		{s2s.EventInputTranscript, "hi"},
		{s2s.EventOutputTranscript, "Hello"},
		{s2s.EventInterrupted, ""},
	}
	for i, w := range want {
		ev := nextEvent(t, handle)
		if ev.Type != w.typ || ev.Text != w.text {
			t.Fatalf("event %d = %v %q, want %v %q", i+1, ev.Type, ev.Text, w.typ, w.text)
		}
	}

	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventToolCall || len(ev.ToolCalls) != 1 {
		t.Fatalf("event = %+v, want one tool call", ev)
	}
	if call := ev.ToolCalls[0]; call.ID != "c1" || call.Name != "read_file" || call.Arguments["path"] != "notes.txt" {
		t.Errorf("tool call = %+v", call)
	}

	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventToolCallCancellation || len(ev.CancelledIDs) != 1 || ev.CancelledIDs[0] != "c1" {
		t.Errorf("event = %+v, want cancellation of c1", ev)
	}

	if ev = nextEvent(t, handle); ev.Type != s2s.EventTurnComplete {
		t.Errorf("event = %v, want TURN_COMPLETE", ev.Type)
	}

	ev = nextEvent(t, handle)
	if ev.Type != s2s.EventGoAway || ev.TimeLeft != 9500*time.Millisecond {
		t.Errorf("event = %+v, want GO_AWAY 9.5s", ev)
	}
}

func TestSession_ServerErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	ev := nextEvent(t, handle)
	if ev.Type != s2s.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "internal") {
		t.Errorf("event = %+v, want ERROR mentioning internal", ev)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestSession_RemoteCloseEndsSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusGoingAway, "server restart")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Fatal("expected the events channel to close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to end")
	}
	if handle.Err() == nil {
		t.Error("Err() = nil after remote close, want non-nil")
	}
	if err := handle.SendText("anyone?"); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendText after close = %v, want ErrSessionClosed", err)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v after local close, want nil", err)
	}
	if err := handle.SendAudio([]byte{0, 0}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after close = %v, want ErrSessionClosed", err)
	}
	if _, ok := <-handle.Events(); ok {
		t.Error("events channel still open after Close")
	}
}

func TestSession_CloseDeliversQueuedStreamEnd(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var m map[string]any
		readJSON(t, conn, &m)
		got <- m
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.EndAudioStream(); err != nil {
		t.Fatalf("EndAudioStream: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case m := <-got:
		rt, _ := m["realtimeInput"].(map[string]any)
		if rt["audioStreamEnd"] != true {
			t.Errorf("last message = %v, want audioStreamEnd", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("audioStreamEnd never reached the server")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err() = %v after local close, want nil", err)
	}
}
