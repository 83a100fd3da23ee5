package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/lucaos/voicelive/pkg/audio"
)

var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
)

// Microphone opens capture streams on the default input device.
type Microphone struct {
	rate            int
	channels        int
	framesPerBuffer int
	frameBuffer     int
}

// Open implements [audio.Microphone]. Each call opens a new device stream.
func (m *Microphone) Open(ctx context.Context) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]float32, m.framesPerBuffer*m.channels)
	stream, err := pa.OpenDefaultStream(m.channels, 0, float64(m.rate), m.framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}

	cs := &captureStream{
		stream:   stream,
		buf:      buf,
		rate:     m.rate,
		channels: m.channels,
		frames:   make(chan audio.Frame, m.frameBuffer),
		done:     make(chan struct{}),
	}
	cs.wg.Add(1)
	go cs.readLoop()
	return cs, nil
}

// captureStream pumps blocking reads into the frame channel. Hand-off is
// non-blocking: if the consumer lags, frames are dropped rather than
// stalling the device.
type captureStream struct {
	stream   *pa.Stream
	buf      []float32
	rate     int
	channels int

	frames  chan audio.Frame
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64

	warnedDrop sync.Once
}

func (c *captureStream) Frames() <-chan audio.Frame { return c.frames }

func (c *captureStream) readLoop() {
	defer c.wg.Done()
	defer close(c.frames)

	var captured int64
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.stream.Read(); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			// Input overflow only means we missed samples; keep reading.
			slog.Debug("portaudio: input read failed", "err", err)
			continue
		}

		samples := audio.Downmix(append([]float32(nil), c.buf...), c.channels)
		frame := audio.Frame{
			Samples:    samples,
			SampleRate: c.rate,
			RMS:        audio.RMS(samples),
			Timestamp:  audio.SamplesDuration(int(captured), c.rate),
		}
		captured += int64(len(samples))

		select {
		case c.frames <- frame:
		default:
			n := c.dropped.Add(1)
			c.warnedDrop.Do(func() {
				slog.Warn("portaudio: consumer lagging, dropping capture frames",
					"frame_duration", frame.Duration().Round(time.Millisecond),
					"dropped", n,
				)
			})
		}
	}
}

// Close stops capture. It waits for the read loop to exit so the device is
// released before it returns.
func (c *captureStream) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.stream.Abort()
		c.wg.Wait()
		if cerr := c.stream.Close(); err == nil {
			err = cerr
		}
		if n := c.dropped.Load(); n > 0 {
			slog.Info("portaudio: capture closed", "dropped_frames", n)
		}
	})
	return err
}
