// Package persona holds the named behaviour profiles a live session can be
// started with, and a concurrency-safe [Registry] that resolves them by id.
package persona

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/lucaos/voicelive/pkg/types"
)

// ErrUnknownPersona is returned by [Registry.Resolve] when no persona with the
// requested id is registered.
var ErrUnknownPersona = errors.New("persona: unknown persona")

// Persona is a named behaviour profile selectable at connect time.
type Persona struct {
	// ID is the unique identifier, e.g. "ASSISTANT".
	ID string

	// SystemInstruction is the base instruction text. Live context facts are
	// appended to it at connect time.
	SystemInstruction string

	// Voice is the provider voice name. Ignored for text personas.
	Voice string

	// Tools lists the tool names this persona may call. Empty means every
	// tool admitted by BudgetTier. Text personas never receive tools.
	Tools []string

	// BudgetTier bounds tool latency for this persona.
	BudgetTier types.BudgetTier

	// Modality selects spoken or text-only responses.
	Modality types.Modality

	// Silent suppresses model output: server audio and model text are
	// dropped while user input transcription is still surfaced.
	Silent bool
}

// ToolManifest filters the catalogue down to the tools this persona may
// call. Text personas always get an empty manifest.
func (p Persona) ToolManifest(catalogue []types.ToolDefinition) []types.ToolDefinition {
	if p.Modality == types.ModalityText {
		return nil
	}
	var out []types.ToolDefinition
	for _, def := range catalogue {
		if len(p.Tools) == 0 || slices.Contains(p.Tools, def.Name) {
			out = append(out, def)
		}
	}
	return out
}

// Resolver looks up personas by id.
type Resolver interface {
	Resolve(id string) (Persona, error)
}

// Registry is an in-memory [Resolver]. It is safe for concurrent use and may
// be replaced wholesale on config reload.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]Persona
}

var _ Resolver = (*Registry)(nil)

// NewRegistry builds a registry from the given personas. Duplicate or empty
// ids are rejected.
func NewRegistry(personas ...Persona) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(personas); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve implements [Resolver].
func (r *Registry) Resolve(id string) (Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[id]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	p.Tools = slices.Clone(p.Tools)
	return p, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.personas))
	for id := range r.personas {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Replace swaps the full persona set atomically. On error the registry is
// left unchanged.
func (r *Registry) Replace(personas []Persona) error {
	next := make(map[string]Persona, len(personas))
	var errs []error
	for i, p := range personas {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("persona: personas[%d]: id is required", i))
			continue
		}
		if _, dup := next[p.ID]; dup {
			errs = append(errs, fmt.Errorf("persona: duplicate id %q", p.ID))
			continue
		}
		p.Tools = slices.Clone(p.Tools)
		next[p.ID] = p
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	r.mu.Lock()
	r.personas = next
	r.mu.Unlock()
	return nil
}
