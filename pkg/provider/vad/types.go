package vad

// Event is the detection result for a single frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Level is the frame's RMS level as seen by the detector.
	Level float64

	// NoiseFloor is the adaptive floor after this frame was processed.
	NoiseFloor float64
}

// Speaking reports whether the detector considers speech active after the
// frame, including hangover frames.
func (e Event) Speaking() bool {
	return e.Type == SpeechStart || e.Type == SpeechContinue
}

// EventType enumerates detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun (rising edge).
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech, possibly in hangover.
	SpeechContinue

	// SpeechEnd indicates speech has just ended (falling edge).
	SpeechEnd

	// Silence indicates no speech detected.
	Silence
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "SPEECH_START"
	case SpeechContinue:
		return "SPEECH_CONTINUE"
	case SpeechEnd:
		return "SPEECH_END"
	case Silence:
		return "SILENCE"
	default:
		return "UNKNOWN"
	}
}
