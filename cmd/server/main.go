// Command server runs the seat billing engine for the condominium platform.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/condohq/seatbill/internal/config"
	"github.com/condohq/seatbill/internal/logging"
	"github.com/condohq/seatbill/internal/server"
	"github.com/condohq/seatbill/internal/traces"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")
	logger.Info("starting seatbill",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"sweep_schedule", cfg.SweepSchedule,
		"grace_period_days", cfg.GracePeriodDays,
		"suspend_after_days", cfg.SuspendAfterDays,
	)

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := stopTracing(context.Background()); err != nil {
			logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
