// Package tools defines the in-process tool type registered with the MCP
// host. Sub-packages export constructors returning ready-to-register tools.
package tools

import (
	"context"

	"github.com/lucaos/voicelive/pkg/types"
)

// Tool is a tool implemented in Go and executed without an MCP round-trip.
type Tool struct {
	// Definition is the manifest entry offered to the model.
	Definition types.ToolDefinition

	// Handler runs the tool with a JSON object of arguments. A returned
	// error is reported to the model as the tool's failure. Handlers must
	// be safe for concurrent use and honour ctx.
	Handler func(ctx context.Context, args string) (string, error)

	// DeclaredP50 is the expected median latency in milliseconds. It sets
	// the initial budget tier until measurements exist.
	DeclaredP50 int64

	// DeclaredMax is the expected worst-case latency in milliseconds.
	DeclaredMax int64
}
