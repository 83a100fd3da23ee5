package s2s

import (
	"time"

	"github.com/lucaos/voicelive/pkg/types"
)

// EventType discriminates the [Event] union.
type EventType int

const (
	// EventAudio carries a chunk of model speech in Samples/SampleRate.
	EventAudio EventType = iota

	// EventText carries a fragment of model text in Text.
	EventText

	// EventInputTranscript carries a transcription fragment of the user's
	// speech in Text.
	EventInputTranscript

	// EventOutputTranscript carries a transcription fragment of the model's
	// speech in Text.
	EventOutputTranscript

	// EventInterrupted reports that the server detected user speech and
	// abandoned the current model turn.
	EventInterrupted

	// EventTurnComplete reports that the model finished its turn.
	EventTurnComplete

	// EventToolCall carries one or more invocation requests in ToolCalls.
	EventToolCall

	// EventToolCallCancellation carries invocation ids the server no longer
	// wants results for in CancelledIDs.
	EventToolCallCancellation

	// EventGoAway announces that the server will close the session after
	// TimeLeft.
	EventGoAway

	// EventError carries a server-reported error in Err.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "AUDIO"
	case EventText:
		return "TEXT"
	case EventInputTranscript:
		return "INPUT_TRANSCRIPT"
	case EventOutputTranscript:
		return "OUTPUT_TRANSCRIPT"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventToolCall:
		return "TOOL_CALL"
	case EventToolCallCancellation:
		return "TOOL_CALL_CANCELLATION"
	case EventGoAway:
		return "GO_AWAY"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one inbound message from a live session. Only the fields relevant
// to Type are populated.
type Event struct {
	Type EventType

	// Samples holds decoded mono model audio for EventAudio.
	Samples []float32

	// SampleRate is the rate of Samples.
	SampleRate int

	// Text holds the fragment for text and transcript events.
	Text string

	// ToolCalls holds the requests for EventToolCall.
	ToolCalls []types.ToolCall

	// CancelledIDs holds invocation ids for EventToolCallCancellation.
	CancelledIDs []string

	// TimeLeft is the grace period announced by EventGoAway.
	TimeLeft time.Duration

	// Err describes the failure for EventError.
	Err error
}
