package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lucaos/voicelive/pkg/audio"
	"github.com/lucaos/voicelive/pkg/provider/s2s"
	"github.com/lucaos/voicelive/pkg/types"
)

var _ s2s.SessionHandle = (*session)(nil)

// session is one open BidiGenerateContent stream.
//
// Three goroutines serve it: receiveLoop is the only producer of events and
// owns the events channel; writeLoop is the only writer on the socket, fed
// by the outbound queue; keepaliveLoop pings the server.
type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	out    chan []byte

	// stop asks writeLoop to flush the queue and exit; flushed closes when
	// it has.
	stop    chan struct{}
	flushed chan struct{}

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
		conn:    conn,
		events:  make(chan s2s.Event, eventBuffer),
		out:     make(chan []byte, outboundBuffer),
		stop:    make(chan struct{}),
		flushed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *session) start() {
	s.wg.Add(2)
	go s.receiveLoop()
	go s.writeLoop()
	go s.keepaliveLoop()
}

// ── Inbound ───────────────────────────────────────────────────────────────────

// receiveLoop reads messages from the WebSocket and dispatches them.
// It closes the events channel when it exits.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("gemini: connection lost: %w", err))
			}
			s.conn.CloseNow()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if !s.dispatch(&msg) {
			return
		}
	}
}

// dispatch translates one server message into events. It returns false when
// the session was closed while emitting.
func (s *session) dispatch(msg *serverMessage) bool {
	if msg.Error != nil {
		if !s.emit(s2s.Event{Type: s2s.EventError, Err: msg.Error}) {
			return false
		}
	}
	if msg.ServerContent != nil {
		if !s.dispatchContent(msg.ServerContent) {
			return false
		}
	}
	if msg.ToolCall != nil && len(msg.ToolCall.FunctionCalls) > 0 {
		calls := make([]types.ToolCall, len(msg.ToolCall.FunctionCalls))
		for i, fc := range msg.ToolCall.FunctionCalls {
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			calls[i] = types.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: args}
		}
		if !s.emit(s2s.Event{Type: s2s.EventToolCall, ToolCalls: calls}) {
			return false
		}
	}
	if msg.ToolCallCancellation != nil && len(msg.ToolCallCancellation.IDs) > 0 {
		if !s.emit(s2s.Event{Type: s2s.EventToolCallCancellation, CancelledIDs: msg.ToolCallCancellation.IDs}) {
			return false
		}
	}
	if msg.GoAway != nil {
		if !s.emit(s2s.Event{Type: s2s.EventGoAway, TimeLeft: msg.GoAway.duration()}) {
			return false
		}
	}
	return true
}

func (s *session) dispatchContent(sc *serverContent) bool {
	if sc.Interrupted {
		if !s.emit(s2s.Event{Type: s2s.EventInterrupted}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				pcm, err := audio.DecodeBase64(p.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				ev := s2s.Event{
					Type:       s2s.EventAudio,
					Samples:    audio.DecodePCM16(pcm),
					SampleRate: pcmRate(p.InlineData.MIMEType, outputSampleRate),
				}
				if !s.emit(ev) {
					return false
				}
			}
			if p.Text != "" && !p.Thought {
				if !s.emit(s2s.Event{Type: s2s.EventText, Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(s2s.Event{Type: s2s.EventInputTranscript, Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(s2s.Event{Type: s2s.EventOutputTranscript, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	if sc.TurnComplete {
		if !s.emit(s2s.Event{Type: s2s.EventTurnComplete}) {
			return false
		}
	}
	return true
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// writeLoop is the single socket writer. Messages leave in queue order.
func (s *session) writeLoop() {
	defer s.wg.Done()
	defer close(s.flushed)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stop:
			s.flush()
			return
		case data := <-s.out:
			wctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.setErr(fmt.Errorf("gemini: write: %w", err))
				}
				// Failing the socket unblocks receiveLoop, which ends the session.
				s.conn.CloseNow()
				return
			}
		}
	}
}

// flush writes whatever is still queued, giving up after flushTimeout.
func (s *session) flush() {
	ctx, cancel := context.WithTimeout(s.ctx, flushTimeout)
	defer cancel()
	for {
		select {
		case data := <-s.out:
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Queueing modes for enqueue. Positive values wait up to that long.
const (
	dropIfFull   time.Duration = 0
	waitForSpace time.Duration = -1
)

// enqueue marshals v onto the outbound queue. With dropIfFull it fails fast
// with ErrQueueFull, with waitForSpace it blocks until there is room, and
// with a positive wait it gives up with ErrQueueFull after that long.
func (s *session) enqueue(v any, wait time.Duration) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}

	switch {
	case wait == dropIfFull:
		select {
		case s.out <- data:
			return nil
		case <-s.ctx.Done():
			return s2s.ErrSessionClosed
		default:
			return s2s.ErrQueueFull
		}
	case wait < 0:
		select {
		case s.out <- data:
			return nil
		case <-s.ctx.Done():
			return s2s.ErrSessionClosed
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case s.out <- data:
		return nil
	case <-s.ctx.Done():
		return s2s.ErrSessionClosed
	case <-t.C:
		return s2s.ErrQueueFull
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("gemini: keepalive: %w", err))
				s.conn.CloseNow()
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a PCM16LE chunk (16 kHz, mono) to the model.
func (s *session) SendAudio(pcm []byte) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: fmt.Sprintf("audio/pcm;rate=%d", inputSampleRate), Data: audio.EncodeBase64(pcm)},
			},
		},
	}
	return s.enqueue(msg, dropIfFull)
}

// SendVideoFrame delivers one JPEG frame to the model.
func (s *session) SendVideoFrame(jpeg []byte) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: "image/jpeg", Data: audio.EncodeBase64(jpeg)},
			},
		},
	}
	return s.enqueue(msg, waitForSpace)
}

// SendText delivers a complete user text turn.
func (s *session) SendText(text string) error {
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	return s.enqueue(msg, waitForSpace)
}

// SendToolResponse delivers function results keyed by invocation id.
func (s *session) SendToolResponse(responses ...s2s.ToolResponse) error {
	if len(responses) == 0 {
		return nil
	}
	frs := make([]functionResponse, len(responses))
	for i, r := range responses {
		body := r.Response
		if body == nil {
			body = map[string]any{}
		}
		frs[i] = functionResponse{ID: r.ID, Name: r.Name, Response: body}
	}
	return s.enqueue(toolResponseMessage{ToolResponse: toolResponse{FunctionResponses: frs}}, waitForSpace)
}

// EndAudioStream signals that the user's audio stream paused. It is called
// from the capture path, so it waits at most streamEndWait for queue space.
func (s *session) EndAudioStream() error {
	return s.enqueue(realtimeInputMessage{RealtimeInput: realtimeInput{AudioStreamEnd: true}}, streamEndWait)
}

// Events returns the inbound event channel.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the error that ended the session. It is nil after a local Close.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close delivers messages that are still queued, waiting at most
// flushTimeout, then terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	t := time.NewTimer(flushTimeout)
	select {
	case <-s.flushed:
	case <-t.C:
	}
	t.Stop()

	s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.wg.Wait()
	return nil
}
