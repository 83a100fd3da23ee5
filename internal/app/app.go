// Package app wires the voicelive subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the persona registry,
// the tool host, the live-context assembler and the session manager; Run
// connects the default persona and serves diagnostics until the context is
// cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMCPHost,
// WithListener, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucaos/voicelive/internal/config"
	"github.com/lucaos/voicelive/internal/health"
	"github.com/lucaos/voicelive/internal/hotctx"
	"github.com/lucaos/voicelive/internal/mcp"
	"github.com/lucaos/voicelive/internal/mcp/bridge"
	"github.com/lucaos/voicelive/internal/mcp/mcphost"
	"github.com/lucaos/voicelive/internal/mcp/tools"
	"github.com/lucaos/voicelive/internal/mcp/tools/clock"
	"github.com/lucaos/voicelive/internal/mcp/tools/fileio"
	"github.com/lucaos/voicelive/internal/observe"
	"github.com/lucaos/voicelive/internal/persona"
	"github.com/lucaos/voicelive/internal/presentation"
	"github.com/lucaos/voicelive/internal/session"
	"github.com/lucaos/voicelive/pkg/audio"
	"github.com/lucaos/voicelive/pkg/provider/s2s"
)

// Tool circuit breaker and readiness tuning.
const (
	breakerMaxFailures  = 3
	breakerResetTimeout = 30 * time.Second
	maxToolErrorRate    = 0.5
)

// Providers holds the externally constructed provider instances. Populated
// by the CLI via the config registry.
type Providers struct {
	S2S   s2s.Provider
	Audio audio.Device
}

// builtinRegistrar is implemented by hosts that accept in-process tools.
type builtinRegistrar interface {
	RegisterBuiltin(ts ...tools.Tool) error
}

// healthReporter is implemented by hosts that track per-tool latency.
type healthReporter interface {
	Health() []mcp.ToolHealth
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	host      mcp.Host
	personas  *persona.Registry
	assembler atomic.Pointer[hotctx.Assembler]
	manager   *session.Manager
	listener  presentation.Listener
	metrics   *observe.Metrics

	// cfgMu guards cfg across hot reloads.
	cfgMu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMCPHost injects a tool host instead of creating an [mcphost.Host].
// The caller keeps ownership; Shutdown does not close it.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.host = h }
}

// WithListener sets the presentation sink. Defaults to [presentation.Log].
func WithListener(l presentation.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetrics injects the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers comes from
// the CLI (populated via the config registry).
//
// New performs all initialisation synchronously: persona registry, tool host
// with builtin tools, MCP server registration and optional calibration, the
// live-context assembler and the session manager. On error, everything
// created so far is closed.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || providers.S2S == nil || providers.Audio == nil {
		return nil, errors.New("app: s2s provider and audio device are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.listener == nil {
		a.listener = presentation.Log{}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			a.runClosers()
		}
	}()

	// ── 1. Personas ──────────────────────────────────────────────────────
	ps, err := cfg.PersonaSet()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if a.personas, err = persona.NewRegistry(ps...); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 2. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 3. Live context ──────────────────────────────────────────────────
	a.assembler.Store(newAssembler(cfg.Context))

	// ── 4. Session manager ───────────────────────────────────────────────
	a.manager, err = session.New(session.Config{
		Model:               cfg.Providers.S2S.Model,
		ProviderName:        cfg.Providers.S2S.Name,
		DefaultPersona:      cfg.Session.DefaultPersona,
		Retry:               session.RetryPolicy{MaxRetries: cfg.Session.MaxRetries, Delay: cfg.Session.RetryDelay},
		PersonaSwitchSettle: cfg.Session.PersonaSwitchSettle,
		TargetSampleRate:    upstreamRate(cfg.Session.TargetSampleRate, providers.S2S),
		VAD:                 cfg.VAD,
		ToolTimeout:         cfg.Tools.Timeout,
		HeartbeatFirst:      cfg.Tools.HeartbeatFirst,
		HeartbeatInterval:   cfg.Tools.HeartbeatInterval,
		CriticalTools:       cfg.Tools.Critical,
	}, session.Deps{
		Provider:   providers.S2S,
		Personas:   a.personas,
		Microphone: providers.Audio.Microphone(),
		Output:     providers.Audio.Output(),
		Tools:      a.host,
		Executor:   bridge.NewHostExecutor(a.host, bridge.WithBreaker(breakerMaxFailures, breakerResetTimeout)),
		Context:    a,
		Listener:   a.listener,
		Metrics:    a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	return a, nil
}

func (a *App) registerBuiltin(ts []tools.Tool) error {
	reg, ok := a.host.(builtinRegistrar)
	if !ok {
		return fmt.Errorf("tool host %T does not accept builtin tools", a.host)
	}
	return reg.RegisterBuiltin(ts...)
}

// upstreamRate returns the provider's declared input rate, or configured when
// the provider declares none.
func upstreamRate(configured int, p s2s.Provider) int {
	if r := p.Capabilities().InputSampleRate; r > 0 {
		if r != configured {
			slog.Info("app: using provider input sample rate", "configured", configured, "provider", r)
		}
		return r
	}
	return configured
}

// initTools creates the tool host, registers the file sandbox and external
// MCP servers, and optionally calibrates latencies.
func (a *App) initTools(ctx context.Context) error {
	if a.host == nil {
		host := mcphost.New()
		a.host = host
		a.closers = append(a.closers, host.Close)
	}

	if dir := a.cfg.Tools.FileSandbox; dir != "" {
		sb, err := fileio.Open(dir)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, sb.Close)
		if err := a.registerBuiltin(sb.Tools()); err != nil {
			return err
		}
		slog.Info("app: file tools enabled", "dir", sb.Dir())
	}
	if a.cfg.Tools.Clock {
		if err := a.registerBuiltin(clock.Clock{}.Tools()); err != nil {
			return err
		}
	}

	for _, srv := range a.cfg.MCP.Servers {
		if err := a.host.RegisterServer(ctx, srv); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("app: registered MCP server", "name", srv.Name, "transport", srv.Transport)
	}

	if a.cfg.Tools.Calibrate {
		if err := a.host.Calibrate(ctx); err != nil {
			slog.Warn("app: tool calibration failed, using declared latencies", "err", err)
		}
	}
	return nil
}

func newAssembler(cc config.ContextConfig) *hotctx.Assembler {
	var sources []hotctx.Source
	bySection := make(map[string][]string)
	var order []string
	for _, f := range cc.Facts {
		if _, seen := bySection[f.Section]; !seen {
			order = append(order, f.Section)
		}
		bySection[f.Section] = append(bySection[f.Section], f.Text)
	}
	for _, section := range order {
		sources = append(sources, hotctx.Static("facts:"+section, section, bySection[section]...))
	}
	if cc.Clock {
		sources = append(sources, hotctx.Clock(nil))
	}
	var opts []hotctx.Option
	if cc.Timeout > 0 {
		opts = append(opts, hotctx.WithTimeout(cc.Timeout))
	}
	return hotctx.NewAssembler(sources, opts...)
}

// Assemble implements [session.ContextAssembler] over the current config's
// facts, so a reload takes effect on the next connect.
func (a *App) Assemble(ctx context.Context) (*hotctx.LiveContext, error) {
	return a.assembler.Load().Assemble(ctx)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Personas returns the persona registry.
func (a *App) Personas() *persona.Registry { return a.personas }

// Tools returns the tool host.
func (a *App) Tools() mcp.Host { return a.host }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the default persona and blocks until ctx is cancelled. When
// server.listen_addr is set, the diagnostics endpoints are served alongside.
// Run returns nil on cancellation and the connect or listener error
// otherwise.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.current().Server.ListenAddr; addr != "" {
		g.Go(func() error { return health.Serve(gctx, addr, a.diagnostics()) })
	}

	g.Go(func() error {
		if err := a.manager.Connect(gctx, ""); err != nil {
			return fmt.Errorf("app: connect: %w", err)
		}
		slog.Info("app: running", "persona", a.manager.Persona(), "session_id", a.manager.SessionID())
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

func (a *App) diagnostics() *health.Handler {
	checkers := []health.Checker{
		health.SessionChecker(func() (string, bool) {
			st := a.manager.State()
			return st.String(), st == session.StateConnected
		}),
	}
	if hr, ok := a.host.(healthReporter); ok {
		checkers = append(checkers, health.ToolsChecker(hr.Health, maxToolErrorRate))
	}
	return health.New(checkers...)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies a changed config. Personas and context facts are swapped in
// place; if the active persona (or the shared context) changed while a
// session is live, the session is switched so the new instruction takes
// effect. Provider, audio and MCP changes are logged and need a restart.
func (a *App) Reload(ctx context.Context, next *config.Config, diff config.ConfigDiff) error {
	a.cfgMu.Lock()
	prev := a.cfg
	a.cfg = next
	a.cfgMu.Unlock()

	if prev.Providers.S2S.Name != next.Providers.S2S.Name || prev.Providers.Audio.Name != next.Providers.Audio.Name ||
		len(prev.MCP.Servers) != len(next.MCP.Servers) {
		slog.Warn("app: provider or MCP changes need a restart to take effect")
	}

	if diff.ContextChanged {
		a.assembler.Store(newAssembler(next.Context))
	}
	if diff.PersonasChanged() {
		ps, err := next.PersonaSet()
		if err != nil {
			return fmt.Errorf("app: reload: %w", err)
		}
		if err := a.personas.Replace(ps); err != nil {
			return fmt.Errorf("app: reload: %w", err)
		}
		slog.Info("app: personas reloaded", "count", len(ps))
	}

	active := a.manager.Persona()
	switch a.manager.State() {
	case session.StateConnected, session.StateReconnecting:
	default:
		return nil
	}
	if !diff.Touches(active) {
		return nil
	}
	if _, err := a.personas.Resolve(active); err != nil {
		slog.Warn("app: active persona removed from config, keeping current session", "persona", active)
		return nil
	}
	slog.Info("app: active persona changed, reconnecting", "persona", active)
	return a.manager.SwitchPersona(ctx, active)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the session and tears down subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if a.manager != nil {
			if err := a.manager.Disconnect(); err != nil {
				slog.Warn("app: disconnect error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		if err := a.providers.Audio.Close(); err != nil {
			slog.Warn("app: audio device close error", "err", err)
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) current() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
}
