// Package s2s defines the Provider interface for live speech-to-speech
// backends.
//
// An S2S provider wraps a real-time conversational service that accepts raw
// microphone audio (plus optional video frames and typed text) and answers
// with interleaved audio, text and tool-call requests over one persistent
// duplex session.
//
// The central abstraction is [SessionHandle]: outbound messages are plain
// method calls, inbound messages arrive in server order on a single [Event]
// channel. Implementations serialise outbound writes so callers never block on
// network I/O.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/lucaos/voicelive/pkg/types"
)

var (
	// ErrUnauthorized is returned (wrapped) by [Provider.Connect] when the
	// service rejects the credentials or model access. It is not retryable.
	ErrUnauthorized = errors.New("s2s: unauthorized")

	// ErrSessionClosed is returned by send methods after the session ended.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrQueueFull is returned by [SessionHandle.SendAudio] when the outbound
	// queue is saturated and the chunk was dropped.
	ErrQueueFull = errors.New("s2s: outbound queue full")
)

// SessionConfig is the configuration sent when a session is opened.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Instructions is the system instruction for the whole session.
	Instructions string

	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// service default.
	Voice string

	// Tools is the tool manifest offered to the model.
	Tools []types.ToolDefinition

	// Modality selects spoken or text-only responses.
	Modality types.Modality

	// InputTranscription asks the service to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the service to transcribe its own speech.
	OutputTranscription bool
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the PCM rate the service expects from SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of audio events.
	OutputSampleRate int

	// MaxSessionDurationMs is the documented session lifetime limit. Zero
	// means none.
	MaxSessionDurationMs int

	// Voices lists the prebuilt voice names the service offers.
	Voices []string
}

// ToolResponse is the result of one tool invocation sent back to the model.
type ToolResponse struct {
	// ID echoes [types.ToolCall.ID].
	ID string

	// Name echoes [types.ToolCall.Name].
	Name string

	// Response is the JSON object returned to the model. By convention it
	// carries either an "output" or an "error" field.
	Response map[string]any
}

// SessionHandle represents an open live session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio queues one PCM16LE mono chunk at the provider's input rate.
	// Audio is droppable: when the outbound queue is full the chunk is
	// discarded and ErrQueueFull returned.
	SendAudio(pcm []byte) error

	// SendVideoFrame queues one JPEG-encoded video frame.
	SendVideoFrame(jpeg []byte) error

	// SendText queues a complete user text turn.
	SendText(text string) error

	// SendToolResponse queues results for one or more tool invocations.
	SendToolResponse(responses ...ToolResponse) error

	// EndAudioStream tells the service the user's audio stream paused, so it
	// can flush any buffered input.
	EndAudioStream() error

	// Events returns the inbound event channel. Events are delivered in the
	// order the server sent them. The channel is closed when the session
	// ends; call Err afterwards to learn why.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it was closed
	// locally or by a clean server close.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any live S2S backend.
type Provider interface {
	// Connect opens a session and returns once the service acknowledged the
	// setup. Errors wrapping [ErrUnauthorized] indicate configuration
	// problems that retrying will not fix.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
