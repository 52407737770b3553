// Package config loads and watches the engine configuration.
//
// Configuration is merged from /etc/borgitory/config.toml, the user's
// ~/.borgitory/config.toml, a project-local borgitory.toml found by
// walking up from the working directory, and finally BORGITORY_*
// environment variables, in that precedence order.
package config

import (
	"fmt"
	"time"
)

// Config is the root engine configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Events    EventsConfig    `mapstructure:"events"`
	Borg      BorgConfig      `mapstructure:"borg"`
	CloudSync CloudSyncConfig `mapstructure:"cloud_sync"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PathsConfig configures engine filesystem locations
type PathsConfig struct {
	DataDir string `mapstructure:"data_dir"` // empty = ~/.borgitory/data
	TempDir string `mapstructure:"temp_dir"` // empty = OS temp + /borgitory
}

// JobsConfig configures the job queue and execution pools
type JobsConfig struct {
	MaxConcurrentBackups    int `mapstructure:"max_concurrent_backups"`    // backup pool capacity (default: 5)
	MaxConcurrentOperations int `mapstructure:"max_concurrent_operations"` // generic pool capacity (default: 10)
	MaxOutputLinesPerJob    int `mapstructure:"max_output_lines_per_job"`  // output ring size (default: 1000)
	QueuePollIntervalMs     int `mapstructure:"queue_poll_interval_ms"`    // pool wake interval (default: 100)
	QueueBacklogCap         int `mapstructure:"queue_backlog_cap"`         // absolute pending cap across pools (default: 100)
}

// EventsConfig configures the event broadcaster
type EventsConfig struct {
	MaxQueueSize         int `mapstructure:"sse_max_queue_size"`            // per-subscriber queue (default: 100)
	KeepaliveTimeoutSecs int `mapstructure:"sse_keepalive_timeout_seconds"` // idle keep-alive period (default: 30)
	ReplayCount          int `mapstructure:"replay_count"`                  // events replayed to new subscribers (default: 20)
}

// BorgConfig configures the external backup binary
type BorgConfig struct {
	BinaryPath        string `mapstructure:"binary_path"`          // default: "borg" from PATH
	RelocatedRepoOK   bool   `mapstructure:"relocated_repo_ok"`    // sets BORG_RELOCATED_REPO_ACCESS_IS_OK (default: true)
	MinVersion        string `mapstructure:"min_version"`          // semver constraint checked at startup (default: ">= 1.2.0")
	TerminateGraceSec int    `mapstructure:"terminate_grace_secs"` // soft-kill grace on cancel (default: 5)
}

// CloudSyncConfig configures off-site synchronization
type CloudSyncConfig struct {
	MaxConcurrentUploads  int     `mapstructure:"max_concurrent_uploads"`    // parallel sync executions (default: 3)
	RclonePath            string  `mapstructure:"rclone_path"`               // default: "rclone" from PATH
	ProgressEventsPerSec  float64 `mapstructure:"progress_events_per_sec"`   // progress event rate cap (default: 5)
	TransferTimeoutMinute int     `mapstructure:"transfer_timeout_minutes"`  // 0 = unlimited
}

// SecretsConfig configures encryption of stored credentials
type SecretsConfig struct {
	KeyFile string `mapstructure:"key_file"` // master key file; empty = data_dir/master.key
}

// SchedulerConfig configures cron-driven job creation
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"` // default: true
}

// PollInterval returns the queue poll interval with the default applied.
func (c JobsConfig) PollInterval() time.Duration {
	if c.QueuePollIntervalMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.QueuePollIntervalMs) * time.Millisecond
}

// BackupPoolSize returns the backup pool capacity with the default applied.
func (c JobsConfig) BackupPoolSize() int {
	if c.MaxConcurrentBackups <= 0 {
		return 5
	}
	return c.MaxConcurrentBackups
}

// OperationPoolSize returns the generic pool capacity with the default applied.
func (c JobsConfig) OperationPoolSize() int {
	if c.MaxConcurrentOperations <= 0 {
		return 10
	}
	return c.MaxConcurrentOperations
}

// OutputRingSize returns the per-job output cap with the default applied.
func (c JobsConfig) OutputRingSize() int {
	if c.MaxOutputLinesPerJob <= 0 {
		return 1000
	}
	return c.MaxOutputLinesPerJob
}

// BacklogCap returns the absolute pending cap with the default applied.
func (c JobsConfig) BacklogCap() int {
	if c.QueueBacklogCap <= 0 {
		return 100
	}
	return c.QueueBacklogCap
}

// QueueSize returns the per-subscriber queue bound with the default applied.
func (c EventsConfig) QueueSize() int {
	if c.MaxQueueSize <= 0 {
		return 100
	}
	return c.MaxQueueSize
}

// KeepaliveTimeout returns the idle keep-alive period with the default applied.
func (c EventsConfig) KeepaliveTimeout() time.Duration {
	if c.KeepaliveTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.KeepaliveTimeoutSecs) * time.Second
}

// Replay returns the new-subscriber replay depth with the default applied.
func (c EventsConfig) Replay() int {
	if c.ReplayCount <= 0 {
		return 20
	}
	return c.ReplayCount
}

// Binary returns the borg binary path with the default applied.
func (c BorgConfig) Binary() string {
	if c.BinaryPath == "" {
		return "borg"
	}
	return c.BinaryPath
}

// TerminateGrace returns the cancel grace period with the default applied.
func (c BorgConfig) TerminateGrace() time.Duration {
	if c.TerminateGraceSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TerminateGraceSec) * time.Second
}

// Binary returns the rclone binary path with the default applied.
func (c CloudSyncConfig) Binary() string {
	if c.RclonePath == "" {
		return "rclone"
	}
	return c.RclonePath
}

// UploadSlots returns the parallel upload cap with the default applied.
func (c CloudSyncConfig) UploadSlots() int {
	if c.MaxConcurrentUploads <= 0 {
		return 3
	}
	return c.MaxConcurrentUploads
}

// ProgressRate returns the progress event cap with the default applied.
func (c CloudSyncConfig) ProgressRate() float64 {
	if c.ProgressEventsPerSec <= 0 {
		return 5
	}
	return c.ProgressEventsPerSec
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Jobs: {Backups: %d, Operations: %d}, Borg: %s}",
		c.Database.Path, c.Jobs.BackupPoolSize(), c.Jobs.OperationPoolSize(), c.Borg.Binary())
}

// File system constants
const (
	DefaultDirPermissions  = 0o755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0o644 // Standard file permissions (rw-r--r--)
	SecretFilePermissions  = 0o600 // Owner-only permissions for key material
)
