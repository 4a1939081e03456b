// Package config loads the Cadence configuration from TOML files and
// environment variables.
package config

import (
	"time"
)

// Config represents the core Cadence configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the live scheduler and reconciler
type SchedulerConfig struct {
	TickIntervalSeconds      int `mapstructure:"tick_interval_seconds"`      // How often to check for due triggers (default: 1)
	MisfireGraceMinutes      int `mapstructure:"misfire_grace_minutes"`      // Fire times older than this are dropped (default: 5)
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"` // Drift repair cadence (default: 30)
	MinIntervalMinutes       int `mapstructure:"min_interval_minutes"`       // Minimum inter-execution interval for job schedules (default: 5)
	RunRetentionDays         int `mapstructure:"run_retention_days"`         // Run history retention; 0 keeps history forever (default: 90)
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"` // JSON structured output instead of console
}

// TickInterval returns the scheduler tick interval as a duration.
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// MisfireGrace returns the misfire grace window as a duration.
func (c SchedulerConfig) MisfireGrace() time.Duration {
	return time.Duration(c.MisfireGraceMinutes) * time.Minute
}

// ReconcileInterval returns the reconcile interval as a duration.
func (c SchedulerConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// MinInterval returns the minimum inter-execution interval as a duration.
func (c SchedulerConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMinutes) * time.Minute
}
