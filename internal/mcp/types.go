package mcp

import "fmt"

// Transport selects how the host reaches an MCP tool server.
type Transport string

const (
	// TransportStdio launches the server as a child process and speaks
	// JSON-RPC over its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP talks to a remote server over MCP Streamable HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t names a supported transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	}
	return false
}

// Validate checks that cfg carries the fields its transport needs.
func (cfg ServerConfig) Validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp: server name must not be empty")
	}
	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("mcp: stdio server %q needs a command", cfg.Name)
		}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp: streamable-http server %q needs a url", cfg.Name)
		}
	default:
		return fmt.Errorf("mcp: server %q has unknown transport %q", cfg.Name, cfg.Transport)
	}
	return nil
}
