package config

import (
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; provider,
// audio and MCP changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DefaultPersonaChanged is set when session.default_persona names a
	// different persona.
	DefaultPersonaChanged bool

	// PersonaChanges lists added, removed and modified personas, sorted
	// by ID.
	PersonaChanges []PersonaDiff

	// ContextChanged is set when the static facts or clock toggle changed.
	ContextChanged bool
}

// PersonasChanged reports whether any persona was added, removed or modified.
func (d ConfigDiff) PersonasChanged() bool { return len(d.PersonaChanges) > 0 }

// Touches reports whether the persona with the given id changed in a way
// that requires reconnecting a live session that uses it.
func (d ConfigDiff) Touches(id string) bool {
	if d.ContextChanged {
		return true
	}
	for _, pd := range d.PersonaChanges {
		if pd.ID == id {
			return true
		}
	}
	return false
}

// PersonaDiff describes what changed for a single persona.
type PersonaDiff struct {
	ID                 string
	InstructionChanged bool
	VoiceChanged       bool
	ToolsChanged       bool
	BudgetTierChanged  bool
	ModalityChanged    bool
	SilentChanged      bool
	Added              bool
	Removed            bool
}

func (pd PersonaDiff) modified() bool {
	return pd.InstructionChanged || pd.VoiceChanged || pd.ToolsChanged ||
		pd.BudgetTierChanged || pd.ModalityChanged || pd.SilentChanged
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.DefaultPersonaChanged = old.Session.DefaultPersona != new.Session.DefaultPersona
	d.ContextChanged = old.Context.Clock != new.Context.Clock ||
		!slices.Equal(old.Context.Facts, new.Context.Facts)

	oldByID := indexPersonas(old.Personas)
	newByID := indexPersonas(new.Personas)

	for id, op := range oldByID {
		np, ok := newByID[id]
		if !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{ID: id, Removed: true})
			continue
		}
		pd := PersonaDiff{
			ID:                 id,
			InstructionChanged: op.SystemInstruction != np.SystemInstruction,
			VoiceChanged:       op.Voice != np.Voice,
			ToolsChanged:       !slices.Equal(op.Tools, np.Tools),
			BudgetTierChanged:  !strings.EqualFold(op.BudgetTier, np.BudgetTier),
			ModalityChanged:    !strings.EqualFold(op.ResponseModality, np.ResponseModality),
			SilentChanged:      op.Silent != np.Silent,
		}
		if pd.modified() {
			d.PersonaChanges = append(d.PersonaChanges, pd)
		}
	}
	for id := range newByID {
		if _, ok := oldByID[id]; !ok {
			d.PersonaChanges = append(d.PersonaChanges, PersonaDiff{ID: id, Added: true})
		}
	}

	slices.SortFunc(d.PersonaChanges, func(a, b PersonaDiff) int { return strings.Compare(a.ID, b.ID) })
	return d
}

func indexPersonas(ps []PersonaConfig) map[string]PersonaConfig {
	m := make(map[string]PersonaConfig, len(ps))
	for _, p := range ps {
		m[p.ID] = p
	}
	return m
}
