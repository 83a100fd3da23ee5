package audio

import "time"

// Frame is one block of microphone audio as delivered by a capture stream.
// Frames are the unit that flows through VAD gating and the wire encoder.
type Frame struct {
	// Samples holds mono float32 samples in [-1, 1] at SampleRate.
	Samples []float32

	// SampleRate in Hz of Samples (the device's native capture rate).
	SampleRate int

	// RMS is the root-mean-square level of Samples, computed at capture time.
	RMS float64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration converts a sample count at rate into a duration. A
// non-positive rate yields zero.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
