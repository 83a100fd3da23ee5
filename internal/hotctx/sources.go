package hotctx

import (
	"context"
	"time"
)

// Static returns a source that always yields the same facts under section.
func Static(name, section string, texts ...string) Source {
	facts := make([]Fact, len(texts))
	for i, t := range texts {
		facts[i] = Fact{Section: section, Text: t}
	}
	return Func(name, func(context.Context) ([]Fact, error) { return facts, nil })
}

// Func adapts a function into a [Source].
func Func(name string, fn func(ctx context.Context) ([]Fact, error)) Source {
	return funcSource{name: name, fn: fn}
}

type funcSource struct {
	name string
	fn   func(ctx context.Context) ([]Fact, error)
}

func (s funcSource) Name() string { return s.name }

func (s funcSource) Facts(ctx context.Context) ([]Fact, error) { return s.fn(ctx) }

// Clock returns a source reporting the local date and time. now defaults to
// [time.Now].
func Clock(now func() time.Time) Source {
	if now == nil {
		now = time.Now
	}
	return Func("clock", func(context.Context) ([]Fact, error) {
		t := now()
		return []Fact{
			{Section: "Environment", Text: "Local time: " + t.Format("Monday, 02 January 2006 15:04 MST")},
		}, nil
	})
}
