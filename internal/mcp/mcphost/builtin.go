package mcphost

import (
	"errors"
	"fmt"

	"github.com/lucaos/voicelive/internal/mcp/tools"
)

// builtinServer is the pseudo server name of in-process tools.
const builtinServer = "builtin"

// RegisterBuiltin adds in-process tools. A tool with an existing name
// replaces it. The initial tier follows DeclaredP50.
func (h *Host) RegisterBuiltin(ts ...tools.Tool) error {
	var errs []error
	for _, t := range ts {
		switch {
		case t.Definition.Name == "":
			errs = append(errs, errors.New("mcp host: builtin tool needs a name"))
			continue
		case t.Handler == nil:
			errs = append(errs, fmt.Errorf("mcp host: builtin tool %q needs a handler", t.Definition.Name))
			continue
		}
		def := t.Definition
		if def.EstimatedDurationMs == 0 {
			def.EstimatedDurationMs = int(t.DeclaredP50)
		}
		if def.MaxDurationMs == 0 {
			def.MaxDurationMs = int(t.DeclaredMax)
		}
		e := &entry{
			def:      def,
			server:   builtinServer,
			declared: t.DeclaredP50,
			tier:     tierFor(t.DeclaredP50),
			window:   newWindow(windowSize),
			local:    t.Handler,
		}
		h.mu.Lock()
		h.tools[def.Name] = e
		h.mu.Unlock()
	}
	return errors.Join(errs...)
}
