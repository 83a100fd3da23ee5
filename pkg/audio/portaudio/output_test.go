package portaudio

import (
	"container/heap"
	"testing"
	"time"
)

// newTestOutput builds an Output without a device so mix can be driven
// directly.
func newTestOutput(rate, block int) *Output {
	o := &Output{
		rate:      rate,
		buf:       make([]float32, block),
		callbacks: make(chan func(), 64),
		done:      make(chan struct{}),
	}
	heap.Init(&o.pending)
	return o
}

func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestVoiceHeap_OrdersByStartThenSeq(t *testing.T) {
	t.Parallel()

	h := &voiceHeap{}
	heap.Push(h, &voice{startFrame: 20, seq: 1})
	heap.Push(h, &voice{startFrame: 10, seq: 3})
	heap.Push(h, &voice{startFrame: 10, seq: 2})

	want := []uint64{2, 3, 1}
	for i, w := range want {
		v := heap.Pop(h).(*voice)
		if v.seq != w {
			t.Errorf("pop %d: seq %d, want %d", i, v.seq, w)
		}
	}
}

func TestMix_PlacesVoiceAtStartFrame(t *testing.T) {
	t.Parallel()

	o := newTestOutput(1000, 10)
	// 5 samples starting at frame 3.
	if _, err := o.Play(constant(5, 0.5), 1000, 3*time.Millisecond, nil); err != nil {
		t.Fatalf("Play: %v", err)
	}

	finished := o.mix()
	want := []float32{0, 0, 0, 0.5, 0.5, 0.5, 0.5, 0.5, 0, 0}
	for i, w := range want {
		if o.buf[i] != w {
			t.Errorf("buf[%d] = %f, want %f", i, o.buf[i], w)
		}
	}
	if len(finished) != 1 {
		t.Errorf("finished = %d, want 1", len(finished))
	}
	if got := o.Now(); got != 10*time.Millisecond {
		t.Errorf("Now = %v, want 10ms", got)
	}
}

func TestMix_SpansBuffersAndSums(t *testing.T) {
	t.Parallel()

	o := newTestOutput(1000, 4)
	_, _ = o.Play(constant(6, 0.25), 1000, 0, nil)
	_, _ = o.Play(constant(2, 0.25), 1000, 2*time.Millisecond, nil)

	if finished := o.mix(); len(finished) != 1 {
		t.Fatalf("first block finished = %d, want 1", len(finished))
	}
	want := []float32{0.25, 0.25, 0.5, 0.5}
	for i, w := range want {
		if o.buf[i] != w {
			t.Errorf("block 1 buf[%d] = %f, want %f", i, o.buf[i], w)
		}
	}

	if finished := o.mix(); len(finished) != 1 {
		t.Fatalf("second block finished = %d, want 1", len(finished))
	}
	want = []float32{0.25, 0.25, 0, 0}
	for i, w := range want {
		if o.buf[i] != w {
			t.Errorf("block 2 buf[%d] = %f, want %f", i, o.buf[i], w)
		}
	}
}

func TestMix_ClampsSum(t *testing.T) {
	t.Parallel()

	o := newTestOutput(1000, 2)
	_, _ = o.Play(constant(2, 0.8), 1000, 0, nil)
	_, _ = o.Play(constant(2, 0.8), 1000, 0, nil)
	o.mix()
	if o.buf[0] != 1 {
		t.Errorf("buf[0] = %f, want clamped 1", o.buf[0])
	}
}

func TestMix_StoppedVoicesAreReported(t *testing.T) {
	t.Parallel()

	o := newTestOutput(1000, 4)
	playing, _ := o.Play(constant(100, 0.5), 1000, 0, nil)
	future, _ := o.Play(constant(4, 0.5), 1000, time.Second, nil)
	o.mix()

	playing.Stop()
	future.Stop()
	finished := o.mix()
	if len(finished) != 2 {
		t.Fatalf("finished = %d, want 2", len(finished))
	}
	for i, s := range o.buf {
		if s != 0 {
			t.Errorf("buf[%d] = %f after stop, want silence", i, s)
		}
	}
	if o.pending.Len() != 0 || len(o.playing) != 0 {
		t.Error("stopped voices must leave both queues")
	}
}

func TestMix_LateVoiceStartsNow(t *testing.T) {
	t.Parallel()

	o := newTestOutput(1000, 4)
	o.mix()
	o.mix() // clock at 8ms
	_, _ = o.Play(constant(2, 0.5), 1000, 0, nil)
	o.mix()
	if o.buf[0] != 0.5 || o.buf[1] != 0.5 {
		t.Errorf("late voice not played from window start: %v", o.buf)
	}
}

func TestNotify_FiresOnce(t *testing.T) {
	t.Parallel()

	o := newTestOutput(1000, 4)
	calls := 0
	v := &voice{onEnded: func() { calls++ }}
	o.notify(v)
	o.notify(v)
	close(o.done)
	cb := <-o.callbacks
	cb()
	if calls != 1 {
		t.Errorf("onEnded called %d times, want 1", calls)
	}
	select {
	case <-o.callbacks:
		t.Error("second notification queued")
	default:
	}
}

func TestPlay_Resamples(t *testing.T) {
	t.Parallel()

	o := newTestOutput(48000, 4)
	v, err := o.Play(constant(240, 0.1), 24000, 0, nil)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if n := len(v.(*voice).samples); n != 480 {
		t.Errorf("resampled length = %d, want 480", n)
	}
	if _, err := o.Play(nil, 0, 0, nil); err == nil {
		t.Error("expected error for zero rate")
	}
}
