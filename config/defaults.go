package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "borgitory.db")

	// Job queue defaults
	v.SetDefault("jobs.max_concurrent_backups", 5)
	v.SetDefault("jobs.max_concurrent_operations", 10)
	v.SetDefault("jobs.max_output_lines_per_job", 1000)
	v.SetDefault("jobs.queue_poll_interval_ms", 100)
	v.SetDefault("jobs.queue_backlog_cap", 100)

	// Event broadcaster defaults
	v.SetDefault("events.sse_max_queue_size", 100)
	v.SetDefault("events.sse_keepalive_timeout_seconds", 30)
	v.SetDefault("events.replay_count", 20)

	// Borg binary defaults
	v.SetDefault("borg.binary_path", "borg")
	v.SetDefault("borg.relocated_repo_ok", true)
	v.SetDefault("borg.min_version", ">= 1.2.0")
	v.SetDefault("borg.terminate_grace_secs", 5)

	// Cloud sync defaults
	v.SetDefault("cloud_sync.max_concurrent_uploads", 3)
	v.SetDefault("cloud_sync.rclone_path", "rclone")
	v.SetDefault("cloud_sync.progress_events_per_sec", 5)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Database path
	v.BindEnv("database.path", "BORGITORY_DATABASE_PATH")

	// Master key location
	v.BindEnv("secrets.key_file", "BORGITORY_SECRETS_KEY_FILE")
}
