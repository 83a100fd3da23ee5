// Package playback schedules model audio onto an output timeline so that
// consecutive chunks play back-to-back without gaps or overlap.
//
// The [Scheduler] keeps a playback cursor: each enqueued buffer starts at
// max(cursor, now) and pushes the cursor forward by its duration. Every
// scheduled buffer is tracked in an active set until the output reports that
// it ended, which lets callers ask whether the assistant is currently
// audible. [Scheduler.Interrupt] stops everything at once and rewinds the
// cursor to the present.
package playback

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lucaos/voicelive/pkg/audio"
)

// Source is one scheduled buffer in the active set.
type Source struct {
	// Start is the buffer's start time on the output clock.
	Start time.Duration

	// Duration is the buffer's playback length.
	Duration time.Duration

	voice audio.Voice
}

// Scheduler implements gapless playback on an [audio.Output].
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out audio.Output

	mu     sync.Mutex
	cursor time.Duration
	seq    uint64
	active map[uint64]Source
}

// New creates a Scheduler that plays onto out.
func New(out audio.Output) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[uint64]Source),
	}
}

// Enqueue schedules mono samples recorded at sampleRate. The buffer starts at
// max(cursor, now) and the cursor advances by the buffer's duration. Empty
// buffers are ignored.
func (s *Scheduler) Enqueue(samples []float32, sampleRate int) error {
	if len(samples) == 0 {
		return nil
	}
	if sampleRate <= 0 {
		return fmt.Errorf("playback: invalid sample rate %d", sampleRate)
	}
	dur := audio.SamplesDuration(len(samples), sampleRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.cursor, s.out.Now())
	s.seq++
	id := s.seq

	// Register before Play so an immediate onEnded finds the entry.
	s.active[id] = Source{Start: start, Duration: dur}
	voice, err := s.out.Play(samples, sampleRate, start, func() { s.ended(id) })
	if err != nil {
		delete(s.active, id)
		return fmt.Errorf("playback: schedule at %v: %w", start, err)
	}
	if src, ok := s.active[id]; ok {
		src.voice = voice
		s.active[id] = src
	}
	s.cursor = start + dur
	return nil
}

// Interrupt stops every active buffer, clears the active set and resets the
// cursor to the output's current time. It returns the number of buffers that
// were stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	voices := make([]audio.Voice, 0, len(s.active))
	for _, src := range s.active {
		if src.voice != nil {
			voices = append(voices, src.voice)
		}
	}
	n := len(s.active)
	clear(s.active)
	s.cursor = s.out.Now()
	s.mu.Unlock()

	// Stop may report the end synchronously; ended() must not find the lock held.
	for _, v := range voices {
		v.Stop()
	}
	return n
}

// ActiveCount returns the number of buffers scheduled or playing.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Busy reports whether any buffer is scheduled or playing.
func (s *Scheduler) Busy() bool { return s.ActiveCount() > 0 }

// Cursor returns the time at which the next buffer would start if the output
// clock has not yet caught up with it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Sources returns a snapshot of the active set ordered by start time.
func (s *Scheduler) Sources() []Source {
	s.mu.Lock()
	out := make([]Source, 0, len(s.active))
	for _, src := range s.active {
		out = append(out, Source{Start: src.Start, Duration: src.Duration})
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Source) int { return cmp.Compare(a.Start, b.Start) })
	return out
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
