package mcphost

import (
	"cmp"
	"slices"

	"github.com/lucaos/voicelive/pkg/types"
)

// tierFor maps a median latency in milliseconds to the cheapest tier that
// admits it.
func tierFor(p50Ms int64) types.BudgetTier {
	switch {
	case p50Ms <= int64(types.BudgetFast.MaxLatencyMs()):
		return types.BudgetFast
	case p50Ms <= int64(types.BudgetStandard.MaxLatencyMs()):
		return types.BudgetStandard
	default:
		return types.BudgetDeep
	}
}

// filterByTier returns the definitions of tools admitted by maxTier, fastest
// first. Ties keep a stable order by name.
func filterByTier(all map[string]*entry, maxTier types.BudgetTier) []types.ToolDefinition {
	admitted := make([]*entry, 0, len(all))
	for _, e := range all {
		if e.tier <= maxTier {
			admitted = append(admitted, e)
		}
	}
	slices.SortFunc(admitted, func(a, b *entry) int {
		if c := cmp.Compare(a.latency(), b.latency()); c != 0 {
			return c
		}
		return cmp.Compare(a.def.Name, b.def.Name)
	})

	defs := make([]types.ToolDefinition, len(admitted))
	for i, e := range admitted {
		defs[i] = e.def
	}
	return defs
}

// latency is the measured median when available, else the declared one.
func (e *entry) latency() int64 {
	if e.window.Count() > 0 {
		return e.window.P50()
	}
	return e.declared
}
