// Package presentation defines the callback surface through which the live
// session engine reports to whatever renders it: a UI, a terminal, or a log.
//
// The engine depends only on [Listener]. [Funcs] adapts optional closures,
// [Multi] fans out to several listeners, and [Log] renders everything through
// log/slog for headless use.
package presentation

import (
	"context"
	"log/slog"

	"github.com/lucaos/voicelive/pkg/types"
)

// Listener receives engine events. Methods are called from engine goroutines
// and must return quickly.
type Listener interface {
	// OnAmplitude reports a normalized level in [0, 1] for the given source,
	// once per capture frame (user) or playback chunk (model).
	OnAmplitude(level float64, source types.Source)

	// OnVADChange reports the local speech detector's rising and falling
	// edges.
	OnVADChange(active bool)

	// OnTranscript reports a text fragment attributed to source.
	OnTranscript(text string, source types.Source)

	// OnStatusUpdate reports a human-readable status line, such as tool
	// progress or reconnect attempts.
	OnStatusUpdate(msg string)

	// OnConnectionChange reports whether a live session is established.
	OnConnectionChange(connected bool)
}

// Funcs is a [Listener] built from optional callbacks. Nil fields are
// ignored.
type Funcs struct {
	Amplitude        func(level float64, source types.Source)
	VADChange        func(active bool)
	Transcript       func(text string, source types.Source)
	StatusUpdate     func(msg string)
	ConnectionChange func(connected bool)
}

var _ Listener = Funcs{}

func (f Funcs) OnAmplitude(level float64, source types.Source) {
	if f.Amplitude != nil {
		f.Amplitude(level, source)
	}
}

func (f Funcs) OnVADChange(active bool) {
	if f.VADChange != nil {
		f.VADChange(active)
	}
}

func (f Funcs) OnTranscript(text string, source types.Source) {
	if f.Transcript != nil {
		f.Transcript(text, source)
	}
}

func (f Funcs) OnStatusUpdate(msg string) {
	if f.StatusUpdate != nil {
		f.StatusUpdate(msg)
	}
}

func (f Funcs) OnConnectionChange(connected bool) {
	if f.ConnectionChange != nil {
		f.ConnectionChange(connected)
	}
}

// Multi fans every event out to each listener in order.
type Multi []Listener

var _ Listener = Multi(nil)

func (m Multi) OnAmplitude(level float64, source types.Source) {
	for _, l := range m {
		l.OnAmplitude(level, source)
	}
}

func (m Multi) OnVADChange(active bool) {
	for _, l := range m {
		l.OnVADChange(active)
	}
}

func (m Multi) OnTranscript(text string, source types.Source) {
	for _, l := range m {
		l.OnTranscript(text, source)
	}
}

func (m Multi) OnStatusUpdate(msg string) {
	for _, l := range m {
		l.OnStatusUpdate(msg)
	}
}

func (m Multi) OnConnectionChange(connected bool) {
	for _, l := range m {
		l.OnConnectionChange(connected)
	}
}

// Log renders events through a [slog.Logger]. Amplitude readings are logged
// at debug level since they arrive several times per second.
type Log struct {
	Logger *slog.Logger
}

var _ Listener = Log{}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Log) OnAmplitude(level float64, source types.Source) {
	lg := l.logger()
	if lg.Enabled(context.Background(), slog.LevelDebug-4) {
		lg.Log(context.Background(), slog.LevelDebug-4, "amplitude", "level", level, "source", source)
	}
}

func (l Log) OnVADChange(active bool) {
	l.logger().Debug("voice activity", "active", active)
}

func (l Log) OnTranscript(text string, source types.Source) {
	l.logger().Info("transcript", "source", source, "text", text)
}

func (l Log) OnStatusUpdate(msg string) {
	l.logger().Info("status", "msg", msg)
}

func (l Log) OnConnectionChange(connected bool) {
	l.logger().Info("connection", "connected", connected)
}
