package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/events"
	"github.com/borgitory/borgitory/output"
)

// liveJob is the in-memory execution state of one job: the mutable model
// guarded by mu, the cancel hook for the job's context, and the done
// channel closed exactly once when the job reaches a terminal status.
type liveJob struct {
	mu   sync.Mutex
	job  *Job
	done chan struct{}
	once sync.Once

	// cancel aborts the job context, which terminates any running child
	// with the soft-then-kill grace. Set at admission.
	cancel context.CancelFunc

	cancelRequested bool
	cancelResult    CancelResult

	// external jobs are monitor-only registrations; nothing runs them.
	external bool
}

func newLiveJob(job *Job) *liveJob {
	return &liveJob{job: job, done: make(chan struct{})}
}

func (lj *liveJob) finish() {
	lj.once.Do(func() { close(lj.done) })
}

// CancelResult reports what a cancellation affected.
type CancelResult struct {
	Status            JobStatus `json:"status"`
	TasksSkipped      int       `json:"tasks_skipped"`
	CurrentTaskKilled bool      `json:"current_task_killed"`
}

// TaskContextBuilder prepares a TaskContext for one task execution:
// loading the repository, decrypting credentials, staging key material.
// The returned cleanup runs when the task ends, on every exit path, and
// must scrub whatever the builder decrypted.
type TaskContextBuilder func(job *Job, task *Task, index int) (*TaskContext, func(), error)

// Runner walks a job's task list in order, persisting at every task
// boundary and publishing lifecycle events. One Run call per job,
// executing on the goroutine the queue admitted it on.
type Runner struct {
	store        *Store
	output       *output.Manager
	events       *events.Broadcaster
	registry     *ExecutorRegistry
	buildContext TaskContextBuilder
	logger       *zap.SugaredLogger
}

// NewRunner wires the task walker. events may be nil in tests.
func NewRunner(store *Store, out *output.Manager, bus *events.Broadcaster,
	registry *ExecutorRegistry, builder TaskContextBuilder, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		store:        store,
		output:       out,
		events:       bus,
		registry:     registry,
		buildContext: builder,
		logger:       logger,
	}
}

// Run executes the job to a terminal status and reports success. The
// context is the job's own; cancelling it is how CancelJob reaches a
// running child process.
func (r *Runner) Run(ctx context.Context, lj *liveJob) bool {
	defer lj.finish()

	lj.mu.Lock()
	if lj.cancelRequested {
		// Cancelled while queued but admitted anyway: skip execution.
		lj.mu.Unlock()
		r.FinalizeStopped(lj)
		return false
	}
	lj.job.Start()
	jobID := lj.job.ID
	kind := lj.job.Kind
	lj.mu.Unlock()

	r.persistStatus(jobID, StatusRunning, nil, "")
	r.publish(events.New(events.TypeJobStarted, jobID,
		map[string]interface{}{"kind": kind}))
	r.publishStatusChange(jobID, StatusRunning)
	r.logger.Infow("Job started", "job_id", jobID, "kind", kind)

	var (
		cancelled bool
		failedMsg string
	)

	for i := 0; i < len(lj.job.Tasks); i++ {
		lj.mu.Lock()
		if lj.cancelRequested {
			lj.mu.Unlock()
			cancelled = true
			break
		}
		task := lj.job.Tasks[i]
		lj.job.CurrentTaskIndex = i
		task.Start()
		lj.mu.Unlock()

		r.publish(events.NewTask(events.TypeTaskStarted, jobID, i,
			map[string]interface{}{"kind": string(task.Kind), "name": task.Name}))

		execErr := r.executeTask(ctx, lj, task, i)

		lj.mu.Lock()
		wasCancelled := lj.cancelRequested
		switch {
		case wasCancelled:
			task.Stop()
		case execErr != nil:
			task.Fail(execErr.Error())
		default:
			task.Complete()
		}
		status := task.Status
		exitCode := task.ExitCode
		errText := task.Error
		canContinue := task.ContinueOnFailure
		lj.mu.Unlock()

		data := map[string]interface{}{"status": string(status)}
		if exitCode != nil {
			data["exit_code"] = *exitCode
		}
		if errText != "" {
			data["error"] = errText
		}
		r.publish(events.NewTask(events.TypeTaskCompleted, jobID, i, data))
		r.persistTasks(lj)

		if wasCancelled {
			cancelled = true
			break
		}
		if status == TaskFailed && !canContinue {
			failedMsg = fmt.Sprintf("task %d (%s) failed: %s", i, task.Name, errText)
			break
		}
	}

	lj.mu.Lock()
	switch {
	case cancelled || lj.cancelRequested:
		stopRemaining(lj.job)
		lj.job.Stop()
	case failedMsg != "":
		skipRemaining(lj.job)
		lj.job.Fail(failedMsg)
	default:
		lj.job.Complete()
	}
	lj.job.CurrentTaskIndex = nextTaskIndex(lj.job.Tasks)
	status := lj.job.Status
	finishedAt := lj.job.FinishedAt
	jobErr := lj.job.Error
	lj.mu.Unlock()

	r.persistStatus(jobID, status, finishedAt, jobErr)
	r.persistTasks(lj)
	r.publishTerminal(jobID, status, jobErr)
	return status == StatusCompleted
}

// executeTask dispatches one task to its registered executor with a fresh
// context carrying decrypted credentials. Credential cleanup runs on
// every exit path, panics included.
func (r *Runner) executeTask(ctx context.Context, lj *liveJob, task *Task, index int) error {
	executor := r.registry.Get(task.Kind)
	if executor == nil {
		return errors.Newf("no executor registered for task kind %q", task.Kind)
	}

	tc, cleanup, err := r.buildContext(lj.job, task, index)
	if err != nil {
		return errors.Wrap(err, "failed to prepare task context")
	}
	defer cleanup()

	tc.JobID = lj.job.ID
	tc.TaskIndex = index
	tc.recorder = newOutputRecorder(0)
	tc.setExitCode = func(code int) {
		lj.mu.Lock()
		task.SetExitCode(code)
		lj.mu.Unlock()
	}
	if tc.Logger == nil {
		tc.Logger = r.logger
	}

	execErr := executor.Execute(ctx, lj.job, task, index, tc)

	lj.mu.Lock()
	task.Output = tc.RecordedOutput()
	lj.mu.Unlock()
	return execErr
}

// FinalizeStopped moves a job that never ran (cancelled while queued, or
// an external registration being shut down) straight to stopped.
func (r *Runner) FinalizeStopped(lj *liveJob) {
	lj.mu.Lock()
	if lj.job.Status.IsTerminal() {
		lj.mu.Unlock()
		return
	}
	stopRemaining(lj.job)
	lj.job.Stop()
	jobID := lj.job.ID
	finishedAt := lj.job.FinishedAt
	lj.mu.Unlock()

	r.persistStatus(jobID, StatusStopped, finishedAt, "")
	r.persistTasks(lj)
	r.publishTerminal(jobID, StatusStopped, "")
	lj.finish()
}

func stopRemaining(job *Job) {
	for _, t := range job.Tasks {
		if !t.Status.IsTerminal() {
			t.Stop()
		}
	}
}

func skipRemaining(job *Job) {
	for _, t := range job.Tasks {
		if t.Status == TaskPending {
			t.Skip()
		}
	}
}

// persistStatus writes a status transition, retrying once. A second
// failure is logged and the job continues in memory; the next successful
// write reconciles the row.
func (r *Runner) persistStatus(jobID string, status JobStatus, finishedAt *time.Time, errText string) {
	err := retryOnce(func() error {
		_, err := r.store.UpdateJobStatus(jobID, status, finishedAt, errText)
		return err
	})
	if err != nil {
		r.logger.Errorw("Failed to persist job status, continuing in memory",
			"job_id", jobID, "status", status, "error", err)
	}
}

// persistTasks snapshots the task list under the job lock and overwrites
// the task rows, retrying once.
func (r *Runner) persistTasks(lj *liveJob) {
	lj.mu.Lock()
	jobID := lj.job.ID
	tasks := make([]*Task, len(lj.job.Tasks))
	for i, t := range lj.job.Tasks {
		copied := *t
		tasks[i] = &copied
	}
	lj.mu.Unlock()

	err := retryOnce(func() error {
		return r.store.SaveTasks(jobID, tasks)
	})
	if err != nil {
		r.logger.Errorw("Failed to persist tasks, continuing in memory",
			"job_id", jobID, "error", err)
	}
}

func retryOnce(fn func() error) error {
	if err := fn(); err == nil {
		return nil
	}
	return fn()
}

func (r *Runner) publish(ev events.Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

func (r *Runner) publishStatusChange(jobID string, status JobStatus) {
	r.publish(events.New(events.TypeJobStatusChanged, jobID,
		map[string]interface{}{"status": string(status)}))
}

// publishTerminal announces the terminal status and ends the job's output
// follow streams.
func (r *Runner) publishTerminal(jobID string, status JobStatus, errText string) {
	var t events.Type
	switch status {
	case StatusCompleted:
		t = events.TypeJobCompleted
	case StatusStopped:
		t = events.TypeJobStopped
	default:
		t = events.TypeJobFailed
	}
	data := map[string]interface{}{"status": string(status)}
	if errText != "" {
		data["error"] = errText
	}
	r.publish(events.New(t, jobID, data))
	r.publishStatusChange(jobID, status)

	if r.output != nil {
		r.output.Complete(jobID)
	}
	r.logger.Infow("Job finished", "job_id", jobID, "status", status)
}
