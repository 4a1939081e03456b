// Package commands implements the cadence CLI subcommands.
package commands

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/config"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/schedule"
)

// LoadConfig loads configuration, honoring the --config persistent flag.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// openDatabase opens the SQLite database from config and applies pending
// migrations.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// buildRegistry registers every built-in entrypoint kind.
func buildRegistry() *schedule.Registry {
	registry := schedule.NewRegistry()
	registry.Register(schedule.NoopEntrypoint{})
	registry.Register(schedule.PruneRunsEntrypoint{})
	return registry
}

// detachedScheduler satisfies schedule.TriggerScheduler for one-shot CLI
// invocations that run without a live scheduler process. Mutations land in
// the jobs table only; the daemon's reconciler converges the live trigger
// set within one cycle.
type detachedScheduler struct{}

func (detachedScheduler) AddOrReplace(jobID, cronExpr, timezone, kind string, payload json.RawMessage) error {
	return nil
}
func (detachedScheduler) Remove(jobID string) bool { return true }
func (detachedScheduler) Pause(jobID string) bool  { return true }
func (detachedScheduler) Resume(jobID string) bool { return true }
func (detachedScheduler) JobIDs() []string         { return nil }

// newService wires a detached lifecycle service for CLI use.
func newService(cfg *config.Config, database *sql.DB) *schedule.Service {
	return schedule.NewService(database, buildRegistry(), detachedScheduler{},
		cfg.Scheduler.MinInterval(), logger.Logger)
}

// setup loads config and opens a migrated database with a detached service.
// Callers own closing the returned database.
func setup(cmd *cobra.Command) (*sql.DB, *schedule.Service, error) {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	return database, newService(cfg, database), nil
}
