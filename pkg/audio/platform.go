// Package audio defines the audio types, conversions and device interfaces
// used by the live session engine.
//
// The device abstractions are:
//
//   - [Microphone]: opens a [CaptureStream] delivering mono [Frame] values at
//     the device's native rate.
//   - [Output]: a playback timeline onto which sample buffers are scheduled
//     at absolute start times, returning a [Voice] handle per buffer.
//
// Implementations live in audio/portaudio for real devices and audio/mock for
// tests.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned (possibly wrapped) by [Microphone.Open]
// when the platform refuses access to the capture device.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// Microphone opens capture streams on an input device.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open starts capturing and returns the live stream. ctx governs the
	// open attempt only; the stream lives until [CaptureStream.Close].
	Open(ctx context.Context) (CaptureStream, error)
}

// CaptureStream is an open microphone.
type CaptureStream interface {
	// Frames returns the channel of captured frames. It is closed after
	// Close has been called and the device has stopped.
	Frames() <-chan Frame

	// Close stops capture and releases the device. It is safe to call more
	// than once.
	Close() error
}

// Output is a playback timeline. Times are measured on the output's own
// clock, which starts at zero when the device opens and advances with the
// number of frames actually rendered.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// SampleRate returns the device's native rate in Hz.
	SampleRate() int

	// Play schedules mono samples recorded at sampleRate to start at the
	// given output time. onEnded, if non-nil, is called exactly once after
	// the buffer finished playing or was stopped. It is never invoked from
	// within Play itself and must not block.
	Play(samples []float32, sampleRate int, at time.Duration, onEnded func()) (Voice, error)
}

// Voice is a handle to one scheduled buffer.
type Voice interface {
	// Stop silences the buffer immediately, whether it already started or
	// is still pending. Stopping an ended voice is a no-op.
	Stop()
}

// Device bundles a microphone and an output that share one driver lifecycle.
type Device interface {
	Microphone() Microphone
	Output() Output

	// Close stops playback and releases the driver. Capture streams must be
	// closed by their owners first.
	Close() error
}
