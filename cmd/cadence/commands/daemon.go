package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/schedule"
)

// DaemonCmd runs the scheduling engine until interrupted.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the Cadence scheduling daemon",
	Long: `Run the scheduling daemon: the live scheduler plus the reconciler.

The scheduler fires due triggers once per tick, executes them through
registered entrypoints, and records run history. The reconciler keeps the
live trigger set in sync with the jobs table, so changes made with the
cadence CLI (or by another process) take effect within one reconcile cycle.

The daemon shuts down gracefully on SIGINT/SIGTERM: no new fires start and
in-flight executions run to completion.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	registry := buildRegistry()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sched := schedule.NewSchedulerWithContext(ctx, database, registry, schedule.SchedulerConfig{
		TickInterval:     cfg.Scheduler.TickInterval(),
		MisfireGrace:     cfg.Scheduler.MisfireGrace(),
		RunRetentionDays: cfg.Scheduler.RunRetentionDays,
	}, logger.Logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	reconciler := schedule.NewReconcilerWithContext(ctx, schedule.NewStore(database), sched,
		cfg.Scheduler.ReconcileInterval(), logger.Logger)
	reconciler.Start()

	logger.Logger.Infow("Cadence daemon running",
		"database", cfg.Database.Path,
		"tick_interval", cfg.Scheduler.TickInterval(),
		"reconcile_interval", cfg.Scheduler.ReconcileInterval(),
		"entrypoints", registry.Kinds(),
	)
	fmt.Printf("Cadence daemon running (db: %s). Press Ctrl+C to stop.\n", cfg.Database.Path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Logger.Infow("Shutdown signal received", "signal", sig.String())

	// Reconciler first so nothing re-registers triggers while the
	// scheduler drains.
	reconciler.Stop()
	sched.Stop()

	fmt.Println("Cadence daemon stopped.")
	return nil
}
