package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/lucaos/voicelive/pkg/audio"
	"github.com/lucaos/voicelive/pkg/provider/s2s"
	"github.com/lucaos/voicelive/pkg/types"
)

var _ s2s.SessionHandle = (*session)(nil)

// session is one open Realtime connection. receiveLoop owns the events
// channel and writeLoop is the only socket writer.
type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	out    chan []byte

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		out:    make(chan []byte, outboundBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *session) start() {
	s.wg.Add(2)
	go s.receiveLoop()
	go s.writeLoop()
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("openai: connection lost: %w", err))
			}
			s.conn.CloseNow()
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		ev, ok := translate(&evt)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

// translate maps one server event onto the provider-neutral event union.
// Event names from both the beta and GA protocol revisions are accepted.
func translate(evt *serverEvent) (s2s.Event, bool) {
	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := audio.DecodeBase64(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventAudio, Samples: audio.DecodePCM16(pcm), SampleRate: sampleRate}, true

	case "response.text.delta", "response.output_text.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventText, Text: evt.Delta}, true

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventOutputTranscript, Text: evt.Delta}, true

	case "conversation.item.input_audio_transcription.completed":
		if strings.TrimSpace(evt.Transcript) == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventInputTranscript, Text: evt.Transcript}, true

	case "input_audio_buffer.speech_started":
		return s2s.Event{Type: s2s.EventInterrupted}, true

	case "response.done":
		return s2s.Event{Type: s2s.EventTurnComplete}, true

	case "response.function_call_arguments.done":
		args := map[string]any{}
		if strings.TrimSpace(evt.Arguments) != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				args = map[string]any{"_raw": evt.Arguments}
			}
		}
		call := types.ToolCall{ID: evt.CallID, Name: evt.Name, Arguments: args}
		return s2s.Event{Type: s2s.EventToolCall, ToolCalls: []types.ToolCall{call}}, true

	case "error":
		err := evt.Error
		if err == nil {
			err = &serverError{Message: "unknown error"}
		}
		return s2s.Event{Type: s2s.EventError, Err: err}, true
	}
	return s2s.Event{}, false
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.out:
			wctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.setErr(fmt.Errorf("openai: write: %w", err))
				}
				s.conn.CloseNow()
				return
			}
		}
	}
}

// enqueue marshals each message onto the outbound queue in order. Droppable
// messages fail fast with ErrQueueFull.
func (s *session) enqueue(droppable bool, msgs ...any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}

	for _, v := range msgs {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("openai: marshal: %w", err)
		}
		if droppable {
			select {
			case s.out <- data:
				continue
			case <-s.ctx.Done():
				return s2s.ErrSessionClosed
			default:
				return s2s.ErrQueueFull
			}
		}
		select {
		case s.out <- data:
		case <-s.ctx.Done():
			return s2s.ErrSessionClosed
		}
	}
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends a PCM16LE chunk to the server's input buffer.
func (s *session) SendAudio(pcm []byte) error {
	return s.enqueue(true, appendAudioMessage{Type: "input_audio_buffer.append", Audio: audio.EncodeBase64(pcm)})
}

// SendVideoFrame adds a JPEG frame to the conversation as an image item.
func (s *session) SendVideoFrame(jpeg []byte) error {
	return s.enqueue(false, createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{{
				Type:     "input_image",
				ImageURL: "data:image/jpeg;base64," + audio.EncodeBase64(jpeg),
			}},
		},
	})
}

// SendText adds a user text turn and asks for a response.
func (s *session) SendText(text string) error {
	return s.enqueue(false, createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}, responseCreate)
}

// SendToolResponse adds one function_call_output item per response, then
// asks the model to continue.
func (s *session) SendToolResponse(responses ...s2s.ToolResponse) error {
	if len(responses) == 0 {
		return nil
	}
	msgs := make([]any, 0, len(responses)+1)
	for _, r := range responses {
		body := r.Response
		if body == nil {
			body = map[string]any{}
		}
		out, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("openai: marshal tool output: %w", err)
		}
		msgs = append(msgs, createItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{Type: "function_call_output", CallID: r.ID, Output: string(out)},
		})
	}
	return s.enqueue(false, append(msgs, responseCreate)...)
}

// EndAudioStream is a no-op: server-side turn detection commits the input
// buffer on its own.
func (s *session) EndAudioStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}
	return nil
}

// Events returns the inbound event channel.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the error that ended the session. It is nil after a local Close.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.wg.Wait()
	return nil
}
