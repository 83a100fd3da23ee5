package mcphost

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// calibrationProbes bounds concurrent calibration calls.
const calibrationProbes = 8

// Calibrate probes every registered tool once with empty arguments and feeds
// the latency into its window. Tools that reject empty arguments still yield
// a latency sample. Only cancellation of ctx is returned as an error.
func (h *Host) Calibrate(ctx context.Context) error {
	h.mu.RLock()
	names := make([]string, 0, len(h.tools))
	for name := range h.tools {
		names = append(names, name)
	}
	h.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(calibrationProbes)
	for _, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			_, err := h.ExecuteTool(gctx, name, "{}")
			slog.Debug("mcp host: calibration probe", "tool", name, "elapsed", time.Since(start), "err", err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("mcp host: calibrated", "tools", len(names))
	return ctx.Err()
}
