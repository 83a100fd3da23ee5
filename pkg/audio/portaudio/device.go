// Package portaudio provides [audio.Microphone] and [audio.Output]
// implementations backed by the PortAudio library via
// github.com/gordonklaus/portaudio.
//
// A [Device] owns the library initialisation: open one per process and Close
// it on shutdown.
package portaudio

import (
	"errors"
	"fmt"

	pa "github.com/gordonklaus/portaudio"

	"github.com/lucaos/voicelive/pkg/audio"
)

// Config selects device parameters. Zero fields take the defaults below.
type Config struct {
	// CaptureSampleRate is the native microphone rate. Default 48000.
	CaptureSampleRate int

	// OutputSampleRate is the playback device rate. Default 48000.
	OutputSampleRate int

	// Channels is the number of capture channels, downmixed to mono.
	// Default 1.
	Channels int

	// FramesPerBuffer is the capture block size. Default 6144, about 128 ms
	// at 48 kHz, so one block is one VAD frame.
	FramesPerBuffer int

	// OutputFramesPerBuffer is the playback block size. Default 960 (20 ms
	// at 48 kHz).
	OutputFramesPerBuffer int

	// FrameBuffer is the capacity of the capture frame channel. Default 16.
	FrameBuffer int
}

func (c Config) withDefaults() Config {
	if c.CaptureSampleRate == 0 {
		c.CaptureSampleRate = 48000
	}
	if c.OutputSampleRate == 0 {
		c.OutputSampleRate = 48000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.FramesPerBuffer == 0 {
		c.FramesPerBuffer = 6144
	}
	if c.OutputFramesPerBuffer == 0 {
		c.OutputFramesPerBuffer = 960
	}
	if c.FrameBuffer == 0 {
		c.FrameBuffer = 16
	}
	return c
}

// Device bundles the default input and output devices.
type Device struct {
	mic *Microphone
	out *Output
}

var _ audio.Device = (*Device)(nil)

// Microphone implements [audio.Device].
func (d *Device) Microphone() audio.Microphone { return d.mic }

// Output implements [audio.Device].
func (d *Device) Output() audio.Output { return d.out }

// Open initialises PortAudio and starts the output device. The microphone is
// opened lazily per capture session.
func Open(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	out, err := openOutput(cfg.OutputSampleRate, cfg.OutputFramesPerBuffer)
	if err != nil {
		pa.Terminate()
		return nil, err
	}
	return &Device{
		mic: &Microphone{
			rate:            cfg.CaptureSampleRate,
			channels:        cfg.Channels,
			framesPerBuffer: cfg.FramesPerBuffer,
			frameBuffer:     cfg.FrameBuffer,
		},
		out: out,
	}, nil
}

// Close stops the output device and terminates PortAudio. Capture streams
// must be closed by their owners first.
func (d *Device) Close() error {
	return errors.Join(d.out.Close(), pa.Terminate())
}
