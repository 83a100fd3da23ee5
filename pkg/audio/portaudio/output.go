package portaudio

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/lucaos/voicelive/pkg/audio"
)

var _ audio.Output = (*Output)(nil)

// errOutputClosed is returned by Play after Close.
var errOutputClosed = errors.New("portaudio: output closed")

// Output renders scheduled voices to the default output device.
//
// The output clock counts frames handed to the device, so Now advances in
// buffer-sized steps. Voices waiting for their start frame sit in a min-heap;
// once due they move to the playing list and are mixed additively.
type Output struct {
	rate   int
	stream *pa.Stream
	buf    []float32

	mu      sync.Mutex
	frames  int64
	seq     uint64
	pending voiceHeap
	playing []*voice
	closed  bool

	callbacks   chan func()
	done        chan struct{}
	wg          sync.WaitGroup
	warnedWrite sync.Once
}

// openOutput opens and starts a blocking mono output stream.
func openOutput(rate, framesPerBuffer int) (*Output, error) {
	o := &Output{
		rate:      rate,
		buf:       make([]float32, framesPerBuffer),
		callbacks: make(chan func(), 64),
		done:      make(chan struct{}),
	}
	stream, err := pa.OpenDefaultStream(0, 1, float64(rate), framesPerBuffer, o.buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	o.stream = stream
	heap.Init(&o.pending)

	o.wg.Add(2)
	go o.renderLoop()
	go o.callbackLoop()
	return o, nil
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return audio.SamplesDuration(int(o.frames), o.rate)
}

// SampleRate implements [audio.Output].
func (o *Output) SampleRate() int { return o.rate }

// Play implements [audio.Output]. Samples are resampled to the device rate.
func (o *Output) Play(samples []float32, sampleRate int, at time.Duration, onEnded func()) (audio.Voice, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid sample rate %d", sampleRate)
	}
	v := &voice{
		samples:    audio.Resample(samples, sampleRate, o.rate),
		startFrame: int64(at) * int64(o.rate) / int64(time.Second),
		onEnded:    onEnded,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errOutputClosed
	}
	o.seq++
	v.seq = o.seq
	heap.Push(&o.pending, v)
	return v, nil
}

// renderLoop mixes one buffer at a time and hands it to the device. The
// blocking Write paces the loop at real time.
func (o *Output) renderLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		default:
		}

		finished := o.mix()
		for _, v := range finished {
			o.notify(v)
		}
		if err := o.stream.Write(); err != nil {
			select {
			case <-o.done:
				return
			default:
			}
			// Underflows are routine after a stall; report only the first.
			o.warnedWrite.Do(func() {
				slog.Warn("portaudio: output write failed", "err", err)
			})
		}
	}
}

// mix fills o.buf for the window starting at the current frame and advances
// the clock. It returns voices that finished or were stopped.
func (o *Output) mix() []*voice {
	o.mu.Lock()
	defer o.mu.Unlock()

	clear(o.buf)
	start := o.frames
	end := start + int64(len(o.buf))

	for o.pending.Len() > 0 && o.pending[0].startFrame < end {
		v := heap.Pop(&o.pending).(*voice)
		if v.startFrame < start {
			// Late arrival plays from the current window instead of being
			// truncated.
			v.startFrame = start
		}
		o.playing = append(o.playing, v)
	}

	var finished []*voice
	kept := o.playing[:0]
	for _, v := range o.playing {
		if v.stopped.Load() {
			finished = append(finished, v)
			continue
		}
		offset := max(int64(0), start-v.startFrame)
		dst := max(int64(0), v.startFrame-start)
		for i := dst; i < int64(len(o.buf)) && offset < int64(len(v.samples)); i++ {
			o.buf[i] += v.samples[offset]
			offset++
		}
		if v.startFrame+int64(len(v.samples)) <= end {
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(o.playing[len(kept):])
	o.playing = kept

	for i, s := range o.buf {
		o.buf[i] = max(-1, min(1, s))
	}
	o.frames = end

	// Stopped voices that never started are dropped here as well.
	if o.pending.Len() > 0 {
		remaining := o.pending[:0]
		for _, v := range o.pending {
			if v.stopped.Load() {
				finished = append(finished, v)
				continue
			}
			remaining = append(remaining, v)
		}
		clear(o.pending[len(remaining):])
		o.pending = remaining
		heap.Init(&o.pending)
	}
	return finished
}

func (o *Output) notify(v *voice) {
	if !v.ended.CompareAndSwap(false, true) || v.onEnded == nil {
		return
	}
	select {
	case o.callbacks <- v.onEnded:
	case <-o.done:
	}
}

// callbackLoop runs onEnded callbacks off the render path.
func (o *Output) callbackLoop() {
	defer o.wg.Done()
	for {
		select {
		case cb := <-o.callbacks:
			cb()
		case <-o.done:
			return
		}
	}
}

// Close stops rendering and releases the device. Pending voices are dropped
// without notification.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	close(o.done)
	err := o.stream.Abort()
	o.wg.Wait()
	if cerr := o.stream.Close(); err == nil {
		err = cerr
	}
	return err
}

// voice is one scheduled buffer.
type voice struct {
	samples    []float32
	startFrame int64
	seq        uint64
	onEnded    func()

	stopped atomic.Bool
	ended   atomic.Bool
}

// Stop implements [audio.Voice]. The render loop removes the voice on its
// next pass and reports the end.
func (v *voice) Stop() { v.stopped.Store(true) }
