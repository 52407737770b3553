// Package events is the in-process event bus: one producer side fed by the
// job engine, many concurrent subscribers with bounded queues, recent-event
// replay, and idle keep-alives.
package events

import (
	"time"
)

// Type names an event on the stream. Consumers switch on these values.
type Type string

// Job lifecycle, task lifecycle, and queue signal event types.
const (
	TypeJobStarted       Type = "job-started"
	TypeJobStatusChanged Type = "job-status-changed"
	TypeJobCompleted     Type = "job-completed"
	TypeJobFailed        Type = "job-failed"
	TypeJobStopped       Type = "job-stopped"

	TypeTaskStarted   Type = "task-started"
	TypeTaskOutput    Type = "task-output"
	TypeTaskCompleted Type = "task-completed"

	TypeJobQueued   Type = "job-queued"
	TypeJobAdmitted Type = "job-admitted"

	TypeKeepAlive Type = "keep-alive"
)

// Event is one entry on the stream. JobID and TaskIndex are optional
// depending on the type; Data carries type-specific payload fields.
type Event struct {
	Type      Type                   `json:"type"`
	JobID     string                 `json:"job_id,omitempty"`
	TaskIndex int                    `json:"task_index"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	// Seq is the global publish position, assigned by the broadcaster.
	Seq uint64 `json:"seq"`
}

// NoTask marks events that do not concern a specific task.
const NoTask = -1

// New builds an event with the timestamp set. TaskIndex defaults to NoTask.
func New(t Type, jobID string, data map[string]interface{}) Event {
	return Event{
		Type:      t,
		JobID:     jobID,
		TaskIndex: NoTask,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewTask builds a task-scoped event.
func NewTask(t Type, jobID string, taskIndex int, data map[string]interface{}) Event {
	ev := New(t, jobID, data)
	ev.TaskIndex = taskIndex
	return ev
}
