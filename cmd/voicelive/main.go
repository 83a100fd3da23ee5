// Command voicelive runs a real-time voice session between the local
// microphone and speakers and a remote speech-to-speech model.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucaos/voicelive/internal/app"
	"github.com/lucaos/voicelive/internal/config"
	"github.com/lucaos/voicelive/internal/observe"
	"github.com/lucaos/voicelive/internal/presentation"
)

// logLevel is shared by the process logger so a config reload can change
// verbosity without rebuilding the handler.
var logLevel = new(slog.LevelVar)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "voicelive",
		Short: "Real-time voice sessions with a speech-to-speech model",
		Long: `voicelive streams the microphone to a remote speech-to-speech model and
plays its spoken replies, with personas, tool calls and barge-in.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "voicelive.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newPersonasCmd(&configPath),
		newCheckCmd(&configPath),
	)
	return root
}

// ── run ──────────────────────────────────────────────────────────────────────

func newRunCmd(configPath *string) *cobra.Command {
	var (
		personaID string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and hold a live voice session until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, *configPath, personaID, watch)
		},
	}
	cmd.Flags().StringVarP(&personaID, "persona", "p", "", "persona to start with (default: session.default_persona)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload personas and log level when the config file changes")
	return cmd
}

func run(ctx context.Context, path, personaID string, watch bool) error {
	var (
		application *app.App
		reloads     = make(chan reload, 1)
	)

	watcher, err := config.NewWatcher(path, func(_, next *config.Config, diff config.ConfigDiff) {
		// Hand off to the run group; the watcher must not block on a
		// persona switch.
		select {
		case reloads <- reload{cfg: next, diff: diff}:
		default:
			slog.Warn("voicelive: reload dropped, previous reload still applying")
		}
	})
	if err != nil {
		return explainLoadError(path, err)
	}
	cfg := watcher.Current()
	if personaID != "" {
		cfg.Session.DefaultPersona = personaID
	}
	setLogLevel(cfg.Server.LogLevel)

	slog.Info("voicelive starting",
		"config", path,
		"s2s", cfg.Providers.S2S.Name,
		"audio", cfg.Providers.Audio.Name,
		"persona", cfg.Session.DefaultPersona,
		"listen_addr", cfg.Server.ListenAddr,
	)

	if cfg.Server.ListenAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicelive"})
		if err != nil {
			return fmt.Errorf("voicelive: init telemetry: %w", err)
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("voicelive: telemetry shutdown error", "err", err)
			}
		}()
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	application, err = app.New(ctx, cfg, providers, app.WithListener(presentation.Multi{
		presentation.Log{},
		newConsole(os.Stdout),
	}))
	if err != nil {
		_ = providers.Audio.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if watch {
		g.Go(func() error {
			if err := watcher.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case r := <-reloads:
					if r.diff.LogLevelChanged {
						setLogLevel(r.diff.NewLogLevel)
					}
					if err := application.Reload(gctx, r.cfg, r.diff); err != nil {
						slog.Warn("voicelive: reload failed", "err", err)
					}
				}
			}
		})
	}

	slog.Info("voicelive: ready, press Ctrl+C to stop")
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("voicelive: shutdown error", "err", err)
	}
	if runErr != nil {
		slog.Error("voicelive: run error", "err", runErr)
		return runErr
	}
	slog.Info("voicelive: goodbye")
	return nil
}

type reload struct {
	cfg  *config.Config
	diff config.ConfigDiff
}

// ── personas ─────────────────────────────────────────────────────────────────

func newPersonasCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the configured personas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return explainLoadError(*configPath, err)
			}
			ps, err := cfg.PersonaSet()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			r := lipgloss.NewRenderer(out)
			cell := r.NewStyle().PaddingRight(2)
			header := cell.Bold(true)

			// No borders: one line per persona keeps the output greppable.
			t := table.New().
				BorderTop(false).BorderBottom(false).
				BorderLeft(false).BorderRight(false).
				BorderHeader(false).BorderColumn(false).
				StyleFunc(func(row, _ int) lipgloss.Style {
					if row == table.HeaderRow {
						return header
					}
					return cell
				}).
				Headers("ID", "MODALITY", "TIER", "VOICE", "SILENT", "TOOLS")
			for _, p := range ps {
				id := p.ID
				if p.ID == cfg.Session.DefaultPersona {
					id += " *"
				}
				tools := "all"
				if len(p.Tools) > 0 {
					tools = fmt.Sprint(p.Tools)
				}
				t.Row(id, p.Modality.String(), p.BudgetTier.String(), orDash(p.Voice), fmt.Sprint(p.Silent), tools)
			}
			_, err = fmt.Fprintln(out, t.Render())
			return err
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ── check ────────────────────────────────────────────────────────────────────

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return explainLoadError(*configPath, err)
			}
			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			if err := checkProviderNames(cfg, reg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d personas, %d MCP servers, s2s=%s, audio=%s)\n",
				*configPath, len(cfg.Personas), len(cfg.MCP.Servers),
				cfg.Providers.S2S.Name, cfg.Providers.Audio.Name)
			return nil
		},
	}
}

func explainLoadError(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file %q not found, copy voicelive.example.yaml to get started", path)
	}
	return err
}

func setLogLevel(level config.LogLevel) {
	switch level {
	case config.LogDebug:
		logLevel.Set(slog.LevelDebug)
	case config.LogWarn:
		logLevel.Set(slog.LevelWarn)
	case config.LogError:
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
}
