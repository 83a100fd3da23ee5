// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.CaptureStream] and [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewMicrophone()
//	out := mock.NewOutput(48000)
//	stream, _ := mic.Open(ctx)
//	mic.Push(audio.Frame{Samples: samples, SampleRate: 48000, RMS: 0.1})
//	out.Advance(100 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lucaos/voicelive/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Every successful
// Open returns a fresh [CaptureStream]; frames pushed via [Microphone.Push]
// go to the most recently opened stream.
type Microphone struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open instead of a stream.
	OpenErr error

	// BufferSize is the frame channel capacity of opened streams. Zero
	// means 64.
	BufferSize int

	// OpenCount records how many times Open was called.
	OpenCount int

	streams []*CaptureStream
}

// NewMicrophone returns a ready-to-use mock microphone.
func NewMicrophone() *Microphone { return &Microphone{} }

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCount++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	size := m.BufferSize
	if size == 0 {
		size = 64
	}
	s := &CaptureStream{frames: make(chan audio.Frame, size)}
	m.streams = append(m.streams, s)
	return s, nil
}

// Push delivers frame to the most recently opened stream. It reports false
// when no stream is open or the stream has been closed.
func (m *Microphone) Push(frame audio.Frame) bool {
	s := m.Current()
	if s == nil {
		return false
	}
	return s.Push(frame)
}

// Current returns the most recently opened stream, or nil.
func (m *Microphone) Current() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// Streams returns every stream opened so far, in order.
func (m *Microphone) Streams() []*CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CaptureStream, len(m.streams))
	copy(out, m.streams)
	return out
}

// CaptureStream is a mock implementation of [audio.CaptureStream].
type CaptureStream struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool

	// CloseCount records how many times Close was called.
	CloseCount int
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.Frame { return s.frames }

// Push sends frame to the stream, blocking while the buffer is full. It
// reports false once the stream is closed.
func (s *CaptureStream) Push(frame audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- frame
	return true
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayCall records one [Output.Play] invocation.
type PlayCall struct {
	Samples    int
	SampleRate int
	At         time.Duration
}

// Output is a mock [audio.Output] driven by a manual clock. Buffers end when
// the clock is advanced past their end time via [Output.Advance].
type Output struct {
	mu     sync.Mutex
	now    time.Duration
	rate   int
	voices []*Voice

	// PlayErr, when non-nil, is returned by Play.
	PlayErr error

	// Calls records every Play invocation in order.
	Calls []PlayCall
}

// NewOutput returns a mock output running at rate Hz with its clock at zero.
func NewOutput(rate int) *Output { return &Output{rate: rate} }

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SampleRate implements [audio.Output].
func (o *Output) SampleRate() int { return o.rate }

// Play implements [audio.Output].
func (o *Output) Play(samples []float32, sampleRate int, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls = append(o.Calls, PlayCall{Samples: len(samples), SampleRate: sampleRate, At: at})
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	v := &Voice{
		Start:   at,
		End:     at + audio.SamplesDuration(len(samples), sampleRate),
		onEnded: onEnded,
	}
	o.voices = append(o.voices, v)
	return v, nil
}

// Advance moves the clock forward by d and ends every voice whose end time
// has been reached. onEnded callbacks run synchronously after the lock is
// released.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var ended []*Voice
	for _, v := range o.voices {
		if v.End <= o.now {
			ended = append(ended, v)
		}
	}
	o.mu.Unlock()
	for _, v := range ended {
		v.finish()
	}
}

// Voices returns every voice scheduled so far.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Voice, len(o.voices))
	copy(out, o.voices)
	return out
}

// Voice is the mock [audio.Voice].
type Voice struct {
	Start, End time.Duration

	mu      sync.Mutex
	stopped bool
	done    bool
	onEnded func()
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.finish()
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) finish() {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return
	}
	v.done = true
	cb := v.onEnded
	v.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [audio.Device] bundling a [Microphone] and an [Output].
type Device struct {
	Mic *Microphone
	Out *Output

	mu     sync.Mutex
	closed bool
}

// NewDevice returns a device with a fresh microphone and a 48 kHz output.
func NewDevice() *Device {
	return &Device{Mic: NewMicrophone(), Out: NewOutput(48000)}
}

// Microphone implements [audio.Device].
func (d *Device) Microphone() audio.Microphone { return d.Mic }

// Output implements [audio.Device].
func (d *Device) Output() audio.Output { return d.Out }

// Close implements [audio.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Compile-time interface assertions.
var (
	_ audio.Device        = (*Device)(nil)
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Output        = (*Output)(nil)
	_ audio.Voice         = (*Voice)(nil)
)
