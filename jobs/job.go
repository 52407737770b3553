// Package jobs is the job engine: the composite job model, its sqlite
// store, the two admission pools, the task walker, and the facade that
// ties them to output buffers and the event stream.
package jobs

import (
	"encoding/json"
	"time"
)

// JobStatus is the overall state of a composite job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusStopped   JobStatus = "stopped"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// IsValidJobStatus returns true if the string is a known job status.
func IsValidJobStatus(s string) bool {
	switch JobStatus(s) {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// TaskStatus is the state of one task within a job.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskStopped   TaskStatus = "stopped"
)

// IsTerminal reports whether the task has finished in some form.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskStopped:
		return true
	default:
		return false
	}
}

// TaskKind tags which executor runs a task.
type TaskKind string

const (
	TaskBackup       TaskKind = "backup"
	TaskPrune        TaskKind = "prune"
	TaskCheck        TaskKind = "check"
	TaskCloudSync    TaskKind = "cloud_sync"
	TaskNotification TaskKind = "notification"
	TaskHook         TaskKind = "hook"
	TaskCommand      TaskKind = "command"
	TaskInfo         TaskKind = "info"
)

// IsValidTaskKind returns true if the string names a known executor kind.
func IsValidTaskKind(s string) bool {
	switch TaskKind(s) {
	case TaskBackup, TaskPrune, TaskCheck, TaskCloudSync,
		TaskNotification, TaskHook, TaskCommand, TaskInfo:
		return true
	default:
		return false
	}
}

// Job is one composite unit of work: an ordered task list executed
// sequentially by a single worker. Task indices are dense, zero-based,
// and fixed at creation.
type Job struct {
	ID           string     `json:"id"`
	RepositoryID *int64     `json:"repository_id,omitempty"`
	Kind         string     `json:"kind"`
	Status       JobStatus  `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Tasks        []*Task    `json:"tasks"`

	// CurrentTaskIndex is the running task's index, or the next index to
	// run when none is running. Never decreases. In-memory only.
	CurrentTaskIndex int `json:"current_task_index"`
}

// Task is one unit of work within a composite job.
type Task struct {
	Order      int             `json:"order"`
	Kind       TaskKind        `json:"kind"`
	Name       string          `json:"name"`
	Status     TaskStatus      `json:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	Output     string          `json:"output,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// ContinueOnFailure lets the job proceed past this task's failure.
	// Mirrors the continue_on_failure key inside Parameters.
	ContinueOnFailure bool `json:"continue_on_failure"`
}

// HasBackupTask reports whether any task is a backup, which routes the
// job to the backup admission pool.
func (j *Job) HasBackupTask() bool {
	for _, t := range j.Tasks {
		if t.Kind == TaskBackup {
			return true
		}
	}
	return false
}

// Start marks the job running.
func (j *Job) Start() {
	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now
}

// Complete marks the job completed.
func (j *Job) Complete() {
	now := time.Now()
	j.Status = StatusCompleted
	j.FinishedAt = &now
}

// Fail marks the job failed with an error message.
func (j *Job) Fail(msg string) {
	now := time.Now()
	j.Status = StatusFailed
	j.Error = msg
	j.FinishedAt = &now
}

// Stop marks the job stopped by cancellation.
func (j *Job) Stop() {
	now := time.Now()
	j.Status = StatusStopped
	j.FinishedAt = &now
}

// Start marks the task running.
func (t *Task) Start() {
	now := time.Now()
	t.Status = TaskRunning
	t.StartedAt = &now
}

// Complete marks the task completed.
func (t *Task) Complete() {
	now := time.Now()
	t.Status = TaskCompleted
	t.FinishedAt = &now
}

// Fail marks the task failed with an error message.
func (t *Task) Fail(msg string) {
	now := time.Now()
	t.Status = TaskFailed
	t.Error = msg
	t.FinishedAt = &now
}

// Skip marks a never-run task skipped after an earlier failure.
func (t *Task) Skip() {
	now := time.Now()
	t.Status = TaskSkipped
	t.FinishedAt = &now
}

// Stop marks the task stopped by cancellation.
func (t *Task) Stop() {
	now := time.Now()
	t.Status = TaskStopped
	t.FinishedAt = &now
}

// SetExitCode records the child process exit code.
func (t *Task) SetExitCode(code int) {
	t.ExitCode = &code
}
