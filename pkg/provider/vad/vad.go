// Package vad implements energy-based voice activity detection with an
// adaptive noise floor.
//
// The detector consumes one RMS level per audio frame. It keeps a running
// estimate of ambient energy (the noise floor), declares speech when a frame
// is both above an absolute threshold and sufficiently above the floor, and
// holds speech active for a number of hangover frames so natural pauses are
// not clipped.
//
// A [Detector] is not safe for concurrent use; it is meant to be owned by the
// single goroutine that pumps a capture stream.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the detector parameters. The defaults were tuned empirically
// for laptop microphones; see [DefaultConfig].
type Config struct {
	// AbsoluteThreshold is the minimum RMS a frame needs to count as signal,
	// regardless of the noise floor.
	AbsoluteThreshold float64 `yaml:"absolute_threshold"`

	// SNRThreshold is the multiplier over the noise floor a frame must exceed
	// to count as signal.
	SNRThreshold float64 `yaml:"snr_threshold"`

	// HangoverFrames is the number of signal-absent frames speech stays
	// active for after the last signal-present frame.
	HangoverFrames int `yaml:"hangover_frames"`

	// AmbientRatio classifies a frame as ambient when its RMS is below
	// floor*AmbientRatio.
	AmbientRatio float64 `yaml:"ambient_ratio"`

	// AmbientAlpha is the smoothing weight applied to ambient frames.
	AmbientAlpha float64 `yaml:"ambient_alpha"`

	// LoudAlpha is the smoothing weight applied to loud frames. Keep it tiny
	// so sustained speech cannot drag the floor upward.
	LoudAlpha float64 `yaml:"loud_alpha"`

	// InitialNoiseFloor seeds the floor at session start and after Reset.
	InitialNoiseFloor float64 `yaml:"initial_noise_floor"`

	// MinNoiseFloor is the lower clamp keeping the floor strictly positive.
	MinNoiseFloor float64 `yaml:"min_noise_floor"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		AbsoluteThreshold: 0.005,
		SNRThreshold:      1.3,
		HangoverFrames:    12,
		AmbientRatio:      1.5,
		AmbientAlpha:      0.02,
		LoudAlpha:         0.001,
		InitialNoiseFloor: 0.002,
		MinNoiseFloor:     1e-6,
	}
}

// WithDefaults returns c with every zero field replaced by its default.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.AbsoluteThreshold == 0 {
		c.AbsoluteThreshold = d.AbsoluteThreshold
	}
	if c.SNRThreshold == 0 {
		c.SNRThreshold = d.SNRThreshold
	}
	if c.HangoverFrames == 0 {
		c.HangoverFrames = d.HangoverFrames
	}
	if c.AmbientRatio == 0 {
		c.AmbientRatio = d.AmbientRatio
	}
	if c.AmbientAlpha == 0 {
		c.AmbientAlpha = d.AmbientAlpha
	}
	if c.LoudAlpha == 0 {
		c.LoudAlpha = d.LoudAlpha
	}
	if c.InitialNoiseFloor == 0 {
		c.InitialNoiseFloor = d.InitialNoiseFloor
	}
	if c.MinNoiseFloor == 0 {
		c.MinNoiseFloor = d.MinNoiseFloor
	}
	return c
}

// Validate reports every out-of-range parameter.
func (c Config) Validate() error {
	var errs []error
	if c.AbsoluteThreshold <= 0 {
		errs = append(errs, fmt.Errorf("absolute_threshold must be > 0, got %g", c.AbsoluteThreshold))
	}
	if c.SNRThreshold < 1 {
		errs = append(errs, fmt.Errorf("snr_threshold must be >= 1, got %g", c.SNRThreshold))
	}
	if c.HangoverFrames < 0 {
		errs = append(errs, fmt.Errorf("hangover_frames must be >= 0, got %d", c.HangoverFrames))
	}
	if c.AmbientRatio <= 0 {
		errs = append(errs, fmt.Errorf("ambient_ratio must be > 0, got %g", c.AmbientRatio))
	}
	if c.AmbientAlpha <= 0 || c.AmbientAlpha > 1 {
		errs = append(errs, fmt.Errorf("ambient_alpha must be in (0, 1], got %g", c.AmbientAlpha))
	}
	if c.LoudAlpha < 0 || c.LoudAlpha > 1 {
		errs = append(errs, fmt.Errorf("loud_alpha must be in [0, 1], got %g", c.LoudAlpha))
	}
	if c.MinNoiseFloor <= 0 {
		errs = append(errs, fmt.Errorf("min_noise_floor must be > 0, got %g", c.MinNoiseFloor))
	}
	if c.InitialNoiseFloor < c.MinNoiseFloor {
		errs = append(errs, fmt.Errorf("initial_noise_floor must be >= min_noise_floor, got %g", c.InitialNoiseFloor))
	}
	return errors.Join(errs...)
}

// Detector is the per-session VAD state machine.
type Detector struct {
	cfg        Config
	noiseFloor float64
	hangover   int
	speaking   bool
}

// New returns a detector for cfg. Zero fields in cfg take their defaults.
func New(cfg Config) *Detector {
	d := &Detector{cfg: cfg.WithDefaults()}
	d.Reset()
	return d
}

// Reset restores the initial state: floor at its seed value, not speaking.
func (d *Detector) Reset() {
	d.noiseFloor = d.cfg.InitialNoiseFloor
	d.hangover = 0
	d.speaking = false
}

// Speaking reports whether speech is currently active.
func (d *Detector) Speaking() bool { return d.speaking }

// NoiseFloor returns the current ambient energy estimate. It is always > 0.
func (d *Detector) NoiseFloor() float64 { return d.noiseFloor }

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Process classifies one frame with the given RMS level and returns the
// resulting event. The signal test uses the floor as it stood before this
// frame; the floor is adapted afterwards.
func (d *Detector) Process(rms float64) Event {
	signal := rms > d.cfg.AbsoluteThreshold && rms > d.noiseFloor*d.cfg.SNRThreshold
	d.adapt(rms)

	ev := Event{Level: rms, NoiseFloor: d.noiseFloor}
	switch {
	case signal:
		d.hangover = d.cfg.HangoverFrames
		if d.speaking {
			ev.Type = SpeechContinue
		} else {
			d.speaking = true
			ev.Type = SpeechStart
		}
	case d.speaking && d.hangover > 0:
		d.hangover--
		ev.Type = SpeechContinue
	case d.speaking:
		d.speaking = false
		ev.Type = SpeechEnd
	default:
		ev.Type = Silence
	}
	return ev
}

func (d *Detector) adapt(rms float64) {
	alpha := d.cfg.LoudAlpha
	if rms < d.noiseFloor*d.cfg.AmbientRatio {
		alpha = d.cfg.AmbientAlpha
	}
	d.noiseFloor = d.noiseFloor*(1-alpha) + rms*alpha
	if d.noiseFloor < d.cfg.MinNoiseFloor {
		d.noiseFloor = d.cfg.MinNoiseFloor
	}
}
