// Package mcp defines the tool host used by the live session: the catalogue
// of tools offered to the model and the executor that runs the calls the
// model makes.
//
// Tools come from external Model Context Protocol servers or are registered
// in-process. Each tool carries a [types.BudgetTier] derived from its declared
// or measured latency, so a persona can restrict its manifest to tools that
// answer quickly enough for a spoken conversation.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"

	"github.com/lucaos/voicelive/pkg/types"
)

// ServerConfig describes one external MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and must be unique per [Host].
	Name string `yaml:"name"`

	// Transport is [TransportStdio] or [TransportStreamableHTTP].
	Transport Transport `yaml:"transport"`

	// Command is the executable plus arguments for stdio servers.
	Command string `yaml:"command"`

	// URL is the endpoint for streamable-http servers.
	URL string `yaml:"url"`

	// Env adds environment variables to a stdio server process.
	Env map[string]string `yaml:"env"`
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	// Content is the tool's text output.
	Content string

	// IsError marks an application-level failure reported by the tool
	// itself. Content then holds the message. Transport failures are
	// returned as Go errors instead.
	IsError bool

	// DurationMs is the wall-clock execution time.
	DurationMs int64
}

// ToolHealth is the measured performance of a single tool.
type ToolHealth struct {
	Name          string
	MeasuredP50Ms int64
	MeasuredP99Ms int64
	CallCount     int
	ErrorRate     float64
	Tier          types.BudgetTier
}

// Host manages tool servers and routes tool calls.
type Host interface {
	// RegisterServer connects to the server described by cfg and imports its
	// tools. Registering a name again replaces the previous connection.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// AvailableTools returns every tool whose tier is at most tier, fastest
	// first.
	AvailableTools(tier types.BudgetTier) []types.ToolDefinition

	// ExecuteTool runs the named tool with a JSON object of arguments. A
	// non-nil result is returned even when [ToolResult.IsError] is set.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// Calibrate probes every tool concurrently and re-derives tiers from the
	// measured latencies.
	Calibrate(ctx context.Context) error

	// Close disconnects every server. The Host must not be used afterwards.
	Close() error
}
