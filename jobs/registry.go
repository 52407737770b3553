package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/borg"
	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/events"
	"github.com/borgitory/borgitory/output"
	"github.com/borgitory/borgitory/proc"
	"github.com/borgitory/borgitory/secrets"
)

// TaskExecutor runs tasks of one kind. Executors recover nothing: every
// failure is returned to the runner, which applies continue_on_failure
// and decides the job's terminal status.
type TaskExecutor interface {
	// Kind names the task kind this executor handles.
	Kind() TaskKind

	// Execute runs the task. The context is cancelled when the job is
	// cancelled; executors must let that cancellation reach any child
	// process they spawn. Exit codes are reported through the context;
	// task statuses are owned by the runner.
	Execute(ctx context.Context, job *Job, task *Task, index int, tc *TaskContext) error
}

// ExecutorRegistry maps task kinds to their executors. The mapping is
// built once at startup and read-only afterwards.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[TaskKind]TaskExecutor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[TaskKind]TaskExecutor),
	}
}

// Register adds an executor for its kind.
// Panics if the kind is already registered.
func (r *ExecutorRegistry) Register(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := executor.Kind()
	if _, exists := r.executors[kind]; exists {
		panic(fmt.Sprintf("executor already registered for task kind: %s", kind))
	}
	r.executors[kind] = executor
}

// Get retrieves the executor for a kind, or nil.
func (r *ExecutorRegistry) Get(kind TaskKind) TaskExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[kind]
}

// Has checks whether a kind is registered.
func (r *ExecutorRegistry) Has(kind TaskKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.executors[kind]
	return exists
}

// Kinds returns all registered task kinds.
func (r *ExecutorRegistry) Kinds() []TaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]TaskKind, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}
	return kinds
}

// TaskContext carries everything one task execution needs: the repository
// and its decrypted credentials, injected services, and the channels that
// turn child output into buffered lines and events. Credentials are
// decrypted when the context is built and scrubbed when the task ends,
// on every exit path.
type TaskContext struct {
	JobID     string
	TaskIndex int

	// Repository is nil for system-level jobs.
	Repository *db.Repository

	// Passphrase is the decrypted repository passphrase. Scrubbed by the
	// context's cleanup function.
	Passphrase []byte

	// KeyfilePath points at a 0600 temp file holding decrypted key
	// material, removed by the cleanup function. Empty when the
	// repository has none.
	KeyfilePath string

	// Env carries job context for hook tasks, which inject each key
	// uppercased into the child environment.
	Env map[string]string

	Borg   *borg.Client
	Exec   *proc.Executor
	Output *output.Manager
	Events *events.Broadcaster
	Logger *zap.SugaredLogger

	recorder    *outputRecorder
	setExitCode func(code int)
}

// SetExitCode records the child process exit code on the task.
func (tc *TaskContext) SetExitCode(code int) {
	if tc.setExitCode != nil {
		tc.setExitCode(code)
	}
}

// PassphraseString returns the passphrase for use in a child environment.
func (tc *TaskContext) PassphraseString() string {
	return string(tc.Passphrase)
}

// BorgEnv renders the borg environment overlay for this task's repository.
func (tc *TaskContext) BorgEnv(repairAck bool) map[string]string {
	return tc.Borg.Environ(borg.Env{
		Passphrase:  tc.PassphraseString(),
		KeyfilePath: tc.KeyfilePath,
		RepairAck:   repairAck,
	})
}

// EmitLine routes one output line to the job's output buffer, to event
// subscribers, and to the task's persisted output.
func (tc *TaskContext) EmitLine(text, stream string) {
	if tc.Output != nil {
		tc.Output.Append(tc.JobID, text, stream, "")
	}
	if tc.Events != nil {
		tc.Events.Publish(events.NewTask(events.TypeTaskOutput, tc.JobID, tc.TaskIndex,
			map[string]interface{}{"line": text, "stream": stream}))
	}
	if tc.recorder != nil {
		tc.recorder.add(text)
	}
}

// EmitProgress routes a transient progress update. Each update is a ring
// entry with its Progress field set, so renderers can collapse runs of
// them; updates reach the output buffer and subscribers but never the
// task's persisted output.
func (tc *TaskContext) EmitProgress(update, stream string) {
	if tc.Output != nil {
		tc.Output.Append(tc.JobID, "", stream, update)
	}
	if tc.Events != nil {
		tc.Events.Publish(events.NewTask(events.TypeTaskOutput, tc.JobID, tc.TaskIndex,
			map[string]interface{}{"progress": update, "stream": stream}))
	}
}

// RecordedOutput returns the accumulated line tail for persistence on the
// task row.
func (tc *TaskContext) RecordedOutput() string {
	if tc.recorder == nil {
		return ""
	}
	return tc.recorder.text()
}

// scrub wipes decrypted credential material.
func (tc *TaskContext) scrub() {
	secrets.Scrub(tc.Passphrase)
	tc.Passphrase = nil
}

// outputRecorder keeps a bounded tail of a task's output lines for the
// persisted task row.
type outputRecorder struct {
	mu        sync.Mutex
	lines     []string
	max       int
	truncated int
}

func newOutputRecorder(max int) *outputRecorder {
	if max <= 0 {
		max = output.DefaultRingSize
	}
	return &outputRecorder{max: max}
}

func (r *outputRecorder) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) >= r.max {
		r.lines = r.lines[1:]
		r.truncated++
	}
	r.lines = append(r.lines, line)
}

func (r *outputRecorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.truncated > 0 {
		head := fmt.Sprintf("[%d earlier lines dropped]", r.truncated)
		return head + "\n" + strings.Join(r.lines, "\n")
	}
	return strings.Join(r.lines, "\n")
}
