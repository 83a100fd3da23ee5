// Package mcphost implements [mcp.Host] on top of the official MCP Go SDK.
//
// External servers are reached over stdio or Streamable HTTP; in-process tools
// are registered with [Host.RegisterBuiltin] and skip the protocol entirely.
// Every execution is timed into a per-tool rolling window, and the tool's
// budget tier follows the measured median latency.
//
//	h := mcphost.New()
//	defer h.Close()
//
//	_ = h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "notes",
//	    Transport: mcp.TransportStdio,
//	    Command:   "notes-mcp --db ~/.notes",
//	})
//	_ = h.RegisterBuiltin(fileio.NewTools(sandbox)...)
//
//	manifest := h.AvailableTools(types.BudgetStandard)
//	res, err := h.ExecuteTool(ctx, "read_file", `{"path":"todo.md"}`)
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lucaos/voicelive/internal/mcp"
	"github.com/lucaos/voicelive/pkg/types"
)

const (
	clientName    = "voicelive"
	clientVersion = "1.0.0"

	// windowSize is the number of recent executions kept per tool.
	windowSize = 100
)

type entry struct {
	def      types.ToolDefinition
	server   string
	declared int64 // declared p50 in ms
	tier     types.BudgetTier
	degraded bool
	window   *window

	// local is set for in-process tools.
	local func(ctx context.Context, args string) (string, error)
}

// Host is the SDK-backed [mcp.Host]. Create it with [New].
type Host struct {
	client *mcpsdk.Client

	mu       sync.RWMutex
	tools    map[string]*entry
	sessions map[string]*mcpsdk.ClientSession
}

var _ mcp.Host = (*Host)(nil)

// New returns an empty host.
func New() *Host {
	return &Host{
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: clientVersion}, nil),
		tools:    make(map[string]*entry),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// RegisterServer implements [mcp.Host].
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("mcp host: %w", err)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case mcp.TransportStdio:
		fields := strings.Fields(cfg.Command)
		cmd := exec.Command(fields[0], fields[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case mcp.TransportStreamableHTTP:
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}
	return h.ConnectTransport(ctx, cfg.Name, transport)
}

// ConnectTransport connects to a server over an already constructed SDK
// transport and imports its tools under the given server name.
func (h *Host) ConnectTransport(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: connect %q: %w", name, err)
	}

	var discovered []*entry
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools of %q: %w", name, err)
		}
		discovered = append(discovered, remoteEntry(tool, name))
	}

	h.mu.Lock()
	if old, ok := h.sessions[name]; ok {
		_ = old.Close()
		for toolName, e := range h.tools {
			if e.server == name {
				delete(h.tools, toolName)
			}
		}
	}
	h.sessions[name] = session
	for _, e := range discovered {
		if prev, ok := h.tools[e.def.Name]; ok && prev.server != name {
			slog.Warn("mcp host: tool name shadowed", "tool", e.def.Name, "server", name, "previous_server", prev.server)
		}
		h.tools[e.def.Name] = e
	}
	h.mu.Unlock()

	slog.Info("mcp host: server registered", "server", name, "tools", len(discovered))
	return nil
}

func remoteEntry(t *mcpsdk.Tool, server string) *entry {
	params := asMap(t.InputSchema)
	p50, maxMs := latencyHints(t.Description, params)
	return &entry{
		def: types.ToolDefinition{
			Name:                t.Name,
			Description:         t.Description,
			Parameters:          params,
			EstimatedDurationMs: int(p50),
			MaxDurationMs:       int(maxMs),
		},
		server:   server,
		declared: p50,
		tier:     tierFor(p50),
		window:   newWindow(windowSize),
	}
}

// latencyHints reads estimated_duration_ms / max_duration_ms from a
// "_metadata" schema property or from a JSON object embedded in the
// description. Missing hints are zero.
func latencyHints(description string, schema map[string]any) (p50, maxMs int64) {
	if props, ok := schema["properties"].(map[string]any); ok {
		if meta, ok := props["_metadata"].(map[string]any); ok {
			p50, maxMs = intField(meta, "estimated_duration_ms"), intField(meta, "max_duration_ms")
		}
	}
	if p50 != 0 {
		return p50, maxMs
	}
	start, end := strings.Index(description, "{"), strings.LastIndex(description, "}")
	if start < 0 || end < start {
		return 0, 0
	}
	var m map[string]any
	if json.Unmarshal([]byte(description[start:end+1]), &m) != nil {
		return 0, 0
	}
	return intField(m, "estimated_duration_ms"), intField(m, "max_duration_ms")
}

func intField(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func asMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok && m != nil {
		return m
	}
	if schema != nil {
		if data, err := json.Marshal(schema); err == nil {
			var m map[string]any
			if json.Unmarshal(data, &m) == nil && m != nil {
				return m
			}
		}
	}
	return map[string]any{"type": "object"}
}

// AvailableTools implements [mcp.Host].
func (h *Host) AvailableTools(tier types.BudgetTier) []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return filterByTier(h.tools, tier)
}

// ExecuteTool implements [mcp.Host].
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	e, ok := h.tools[name]
	var session *mcpsdk.ClientSession
	if ok && e.local == nil {
		session = h.sessions[e.server]
	}
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp host: unknown tool %q", name)
	}

	start := time.Now()
	res, err := h.run(ctx, e, session, args)
	elapsed := time.Since(start).Milliseconds()
	h.observe(name, elapsed, err != nil || (res != nil && res.IsError))
	if err != nil {
		return nil, err
	}
	res.DurationMs = elapsed
	return res, nil
}

func (h *Host) run(ctx context.Context, e *entry, session *mcpsdk.ClientSession, args string) (*mcp.ToolResult, error) {
	if e.local != nil {
		out, err := e.local(ctx, args)
		if err != nil {
			return &mcp.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &mcp.ToolResult{Content: out}, nil
	}
	if session == nil {
		return nil, fmt.Errorf("mcp host: server %q for tool %q is gone", e.server, e.def.Name)
	}

	var arguments map[string]any
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &arguments); err != nil {
			return nil, fmt.Errorf("mcp host: tool %q: decode args: %w", e.def.Name, err)
		}
	}
	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: e.def.Name, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("mcp host: call %q: %w", e.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	return &mcp.ToolResult{Content: sb.String(), IsError: result.IsError}, nil
}

// observe records one execution and re-derives the tool's tier. A tool
// failing more than 30% of its recent calls is demoted one tier.
func (h *Host) observe(name string, ms int64, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.tools[name]
	if !ok {
		return
	}
	e.window.Record(ms, failed)
	tier := tierFor(e.window.P50())
	e.degraded = e.window.ErrorRate() > 0.3
	if e.degraded && tier < types.BudgetDeep {
		tier++
	}
	e.tier = tier
}

// Health returns the measured state of every tool, sorted by name.
func (h *Host) Health() []mcp.ToolHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]mcp.ToolHealth, 0, len(h.tools))
	for name, e := range h.tools {
		out = append(out, mcp.ToolHealth{
			Name:          name,
			MeasuredP50Ms: e.window.P50(),
			MeasuredP99Ms: e.window.P99(),
			CallCount:     e.window.Count(),
			ErrorRate:     e.window.ErrorRate(),
			Tier:          e.tier,
		})
	}
	slices.SortFunc(out, func(a, b mcp.ToolHealth) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp host: close %q: %w", name, err)
		}
	}
	clear(h.sessions)
	clear(h.tools)
	return firstErr
}
