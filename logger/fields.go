package logger

import (
	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings so dashboards and greps
// stay stable across packages.
const (
	// Identity and context
	FieldJobID      = "job_id"
	FieldTaskIndex  = "task_index"
	FieldTaskKind   = "task_kind"
	FieldRepository = "repository"
	FieldSchedule   = "schedule_id"

	// Components
	FieldComponent = "component"
	FieldPool      = "pool"
	FieldProvider  = "provider"

	// Operations
	FieldOperation = "operation"
	FieldCommand   = "command"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError    = "error"
	FieldExitCode = "exit_code"

	// Counts and sizes
	FieldCount     = "count"
	FieldTruncated = "truncated"

	// Status
	FieldStatus = "status"

	// Files and paths
	FieldPath   = "path"
	FieldBinary = "binary"
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Broadcaster struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewBroadcaster() *Broadcaster {
//	    return &Broadcaster{
//	        logger: logger.ComponentLogger("events"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// JobLogger returns a child logger carrying the job id field.
func JobLogger(jobID string) *zap.SugaredLogger {
	return Logger.With(FieldJobID, jobID)
}

// TaskLogger returns a child logger carrying job id and task index fields.
func TaskLogger(jobID string, taskIndex int) *zap.SugaredLogger {
	return Logger.With(FieldJobID, jobID, FieldTaskIndex, taskIndex)
}
