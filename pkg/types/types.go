// Package types defines the shared types used across voicelive packages.
//
// Cross-cutting data structures live here to avoid circular imports between
// providers, the session manager and the tool bridge. Each package still
// defines its own domain types.
package types

import "strings"

// ToolDefinition describes a tool that can be offered to the live model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in the tool manifest).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// EstimatedDurationMs is the declared p50 latency for budget tier assignment.
	EstimatedDurationMs int

	// MaxDurationMs is the declared p99 upper bound, used as a hard timeout.
	MaxDurationMs int

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool
}

// ToolCall represents a function invocation requested by the live model.
type ToolCall struct {
	// ID is the server-assigned invocation identifier. Responses must echo it.
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments holds the decoded call arguments.
	Arguments map[string]any
}

// Modality selects what the live model responds with.
type Modality int

const (
	// ModalityAudio requests spoken responses.
	ModalityAudio Modality = iota

	// ModalityText requests text-only responses.
	ModalityText
)

// String returns the wire name of the modality.
func (m Modality) String() string {
	switch m {
	case ModalityAudio:
		return "AUDIO"
	case ModalityText:
		return "TEXT"
	default:
		return "UNKNOWN"
	}
}

// ParseModality parses a modality name case-insensitively. The empty string
// maps to [ModalityAudio].
func ParseModality(s string) (Modality, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AUDIO":
		return ModalityAudio, true
	case "TEXT":
		return ModalityText, true
	default:
		return ModalityAudio, false
	}
}

// Source identifies who produced a transcript line or amplitude reading.
type Source string

const (
	// SourceUser marks content originating from the local microphone.
	SourceUser Source = "user"

	// SourceModel marks content produced by the live model.
	SourceModel Source = "model"

	// SourceSystem marks status lines produced locally, e.g. tool progress.
	SourceSystem Source = "system"
)

// BudgetTier controls which tools are offered to the model based on latency
// constraints.
type BudgetTier int

const (
	// BudgetFast allows only tools with ≤ 500ms estimated latency.
	BudgetFast BudgetTier = iota

	// BudgetStandard allows tools with ≤ 1500ms estimated latency.
	BudgetStandard

	// BudgetDeep allows all tools regardless of latency.
	BudgetDeep
)

// String returns the human-readable name of the budget tier.
func (t BudgetTier) String() string {
	switch t {
	case BudgetFast:
		return "FAST"
	case BudgetStandard:
		return "STANDARD"
	case BudgetDeep:
		return "DEEP"
	default:
		return "UNKNOWN"
	}
}

// MaxLatencyMs returns the maximum tool latency admitted by this tier.
func (t BudgetTier) MaxLatencyMs() int {
	switch t {
	case BudgetFast:
		return 500
	case BudgetStandard:
		return 1500
	case BudgetDeep:
		return 4000
	default:
		return 500
	}
}

// ParseBudgetTier parses "fast", "standard" or "deep" case-insensitively.
// The empty string maps to [BudgetDeep].
func ParseBudgetTier(s string) (BudgetTier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deep":
		return BudgetDeep, true
	case "standard":
		return BudgetStandard, true
	case "fast":
		return BudgetFast, true
	default:
		return BudgetDeep, false
	}
}
