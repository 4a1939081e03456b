package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "cadence.db")

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval_seconds", 1)
	v.SetDefault("scheduler.misfire_grace_minutes", 5)
	v.SetDefault("scheduler.reconcile_interval_seconds", 30)
	v.SetDefault("scheduler.min_interval_minutes", 5)
	v.SetDefault("scheduler.run_retention_days", 90)

	// Log defaults
	v.SetDefault("log.json", false)
}
