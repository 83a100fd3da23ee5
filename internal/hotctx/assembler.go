// Package hotctx assembles the live contextual facts appended to a persona's
// system instruction every time a duplex session is opened.
//
// Facts come from [Source] implementations, e.g. the state of external
// connections, the local clock, or static user facts from the config file.
// All sources are queried concurrently under a shared deadline. A failing
// source is logged and skipped so a broken integration never blocks a
// connect. Use [FormatSystemInstruction] to append the facts to the base
// instruction as plain-text blocks.
package hotctx

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// Fact is one line of live context.
type Fact struct {
	// Section groups facts under a heading, e.g. "Connections".
	Section string

	// Text is the fact itself, e.g. "Calendar: connected".
	Text string
}

// LiveContext is the assembled set of facts.
type LiveContext struct {
	// Facts are ordered by source registration order, then by the order each
	// source returned them.
	Facts []Fact

	// Skipped lists the names of sources that failed or timed out.
	Skipped []string

	// AssemblyDuration records how long [Assembler.Assemble] took.
	AssemblyDuration time.Duration
}

// Source produces facts.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Facts returns the current facts. It must honour ctx cancellation.
	Facts(ctx context.Context) ([]Fact, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler queries all sources concurrently and combines their facts.
type Assembler struct {
	sources []Source
	timeout time.Duration
}

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithTimeout bounds a single assembly. Sources that have not returned when
// it expires are skipped. Defaults to 500ms.
func WithTimeout(d time.Duration) Option {
	return func(a *Assembler) { a.timeout = d }
}

// NewAssembler creates an [Assembler] over sources.
func NewAssembler(sources []Source, opts ...Option) *Assembler {
	a := &Assembler{
		sources: sources,
		timeout: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble runs every source concurrently and returns their combined facts.
// It returns an error only when ctx itself is done.
func (a *Assembler) Assemble(ctx context.Context) (*LiveContext, error) {
	start := time.Now()

	actx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results := make([][]Fact, len(a.sources))
	failed := make([]bool, len(a.sources))

	var eg errgroup.Group
	for i, src := range a.sources {
		eg.Go(func() error {
			facts, err := src.Facts(actx)
			if err != nil {
				slog.Warn("hotctx: source failed, skipping", "source", src.Name(), "err", err)
				failed[i] = true
				return nil
			}
			results[i] = facts
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lc := &LiveContext{}
	for i, facts := range results {
		if failed[i] {
			lc.Skipped = append(lc.Skipped, a.sources[i].Name())
			continue
		}
		lc.Facts = append(lc.Facts, facts...)
	}
	lc.AssemblyDuration = time.Since(start)
	return lc, nil
}
