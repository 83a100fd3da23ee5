// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to inject inbound events and inspect what the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Emit(s2s.Event{Type: s2s.EventTurnComplete})
//	sess.Drop(errors.New("network down"))
package mock

import (
	"context"
	"sync"

	"github.com/lucaos/voicelive/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider. Every successful Connect
// creates a fresh [Session].
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectErrs, when non-empty, is consumed one entry per Connect call
	// before falling back to ConnectErr. A nil entry means success.
	ConnectErrs []error

	// ConnectHook, if non-nil, runs at the start of Connect without the lock
	// held. Tests use it to block a connect attempt.
	ConnectHook func(ctx context.Context) error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
	notify   chan struct{}
}

// Connect records the call and returns a new Session or the configured error.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	hook := p.ConnectHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	defer p.signal()

	err := p.ConnectErr
	if len(p.ConnectErrs) > 0 {
		err = p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
	}
	if err != nil {
		return nil, err
	}
	s := NewSession()
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Sessions returns every session created so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Notify returns a channel that receives a value after every Connect call.
func (p *Provider) Notify() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notify == nil {
		p.notify = make(chan struct{}, 64)
	}
	return p.notify
}

func (p *Provider) signal() {
	if p.notify == nil {
		return
	}
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	closed bool
	err    error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// --- Call records ---

	// AudioChunks records every chunk passed to SendAudio.
	AudioChunks [][]byte

	// VideoFrames records every frame passed to SendVideoFrame.
	VideoFrames [][]byte

	// Texts records every SendText argument.
	Texts []string

	// ToolResponses records every response passed to SendToolResponse.
	ToolResponses []s2s.ToolResponse

	// EndAudioStreamCount is the number of EndAudioStream calls.
	EndAudioStreamCount int

	// CloseCallCount is the number of Close calls.
	CloseCallCount int

	toolResponseNotify chan struct{}
}

// NewSession returns an open session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events:             make(chan s2s.Event, 64),
		toolResponseNotify: make(chan struct{}, 64),
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.AudioChunks = append(s.AudioChunks, cp)
	return s.SendAudioErr
}

// SendVideoFrame records the frame.
func (s *Session) SendVideoFrame(jpeg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.VideoFrames = append(s.VideoFrames, jpeg)
	return nil
}

// SendText records the text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.Texts = append(s.Texts, text)
	return nil
}

// SendToolResponse records the responses.
func (s *Session) SendToolResponse(responses ...s2s.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.ToolResponses = append(s.ToolResponses, responses...)
	select {
	case s.toolResponseNotify <- struct{}{}:
	default:
	}
	return nil
}

// EndAudioStream records the call.
func (s *Session) EndAudioStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.EndAudioStreamCount++
	return nil
}

// Events returns the inbound event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error passed to Drop, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and closes the event channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.shutdown(nil)
	return nil
}

// Emit delivers ev to the consumer. It reports false if the session is
// already closed.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// Drop simulates the remote side closing the session with err.
func (s *Session) Drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown(err)
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ToolResponseNotify receives a value after every SendToolResponse call.
func (s *Session) ToolResponseNotify() <-chan struct{} { return s.toolResponseNotify }

// Snapshot returns copies of the recorded sends. Thread-safe.
func (s *Session) Snapshot() (audioChunks int, texts []string, responses []s2s.ToolResponse, streamEnds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	texts = append([]string(nil), s.Texts...)
	responses = append([]s2s.ToolResponse(nil), s.ToolResponses...)
	return len(s.AudioChunks), texts, responses, s.EndAudioStreamCount
}

func (s *Session) shutdown(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
