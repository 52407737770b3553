package jobs

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/borg"
	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/events"
	"github.com/borgitory/borgitory/output"
	"github.com/borgitory/borgitory/paths"
	"github.com/borgitory/borgitory/proc"
	"github.com/borgitory/borgitory/secrets"
)

// Dependencies are the statically wired services the manager needs.
// Everything is constructed once at startup; nothing is looked up
// dynamically afterwards.
type Dependencies struct {
	Store    *Store
	Records  *db.Records
	Output   *output.Manager
	Events   *events.Broadcaster
	Registry *ExecutorRegistry
	Secrets  *secrets.Service
	Paths    *paths.Service
	Borg     *borg.Client
	Exec     *proc.Executor
	Logger   *zap.SugaredLogger
}

// Manager is the facade over the whole job engine: it creates composite
// jobs, routes them through the admission pools to the runner, and exposes
// status, output, and event streams. One instance owns all process-wide
// job state.
type Manager struct {
	deps   Dependencies
	queue  *Queue
	runner *Runner
	logger *zap.SugaredLogger

	mu   sync.RWMutex
	live map[string]*liveJob

	baseCtx context.Context
}

// NewManager wires the job engine. Call Start before creating jobs.
func NewManager(deps Dependencies, queueCfg QueueConfig) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Manager{
		deps:    deps,
		logger:  logger,
		live:    make(map[string]*liveJob),
		baseCtx: context.Background(),
	}
	m.runner = NewRunner(deps.Store, deps.Output, deps.Events, deps.Registry,
		m.buildTaskContext, logger)
	m.queue = NewQueue(queueCfg, Callbacks{
		OnAdmit:    m.admit,
		OnComplete: m.released,
	}, logger)
	return m
}

// Start sweeps rows left non-terminal by a previous process, then begins
// admitting work. The sweep runs to completion before any job can start.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.baseCtx = ctx

	swept, err := m.deps.Store.SweepInterrupted()
	if err != nil {
		return errors.Wrap(err, "startup sweep failed")
	}
	if swept > 0 {
		m.logger.Warnw("Swept interrupted jobs from previous run", "count", swept)
	}

	m.queue.Start()
	m.logger.Infow("Job manager started",
		"backup_slots", m.queue.cfg.BackupSlots,
		"operation_slots", m.queue.cfg.OperationSlots,
	)
	return nil
}

// Stop halts admission and waits up to 30 seconds for running jobs to
// reach a terminal state. Cancel the context passed to Start first if
// running children should be terminated rather than waited for.
func (m *Manager) Stop() {
	m.queue.Stop()

	m.mu.RLock()
	waiting := make([]*liveJob, 0, len(m.live))
	for _, lj := range m.live {
		waiting = append(waiting, lj)
	}
	m.mu.RUnlock()

	deadline := time.After(30 * time.Second)
	for _, lj := range waiting {
		lj.mu.Lock()
		terminal := lj.job.Status.IsTerminal()
		external := lj.external
		lj.mu.Unlock()
		if terminal || external {
			continue
		}
		select {
		case <-lj.done:
		case <-deadline:
			m.logger.Warnw("Shutdown timeout, jobs still running")
			return
		}
	}
	m.logger.Infow("Job manager stopped")
}

// admit runs on the goroutine the queue dedicates to one admitted job;
// it owns the job until the runner returns.
func (m *Manager) admit(rec Record) {
	m.mu.RLock()
	lj := m.live[rec.JobID]
	m.mu.RUnlock()
	if lj == nil {
		// Cleaned up between enqueue and admission.
		m.queue.Complete(rec.JobID, false)
		return
	}

	m.publish(events.New(events.TypeJobAdmitted, rec.JobID, map[string]interface{}{
		"pool":     poolName(rec.HasBackup),
		"priority": string(rec.Priority),
	}))

	ctx, cancel := context.WithCancel(m.baseCtx)
	defer cancel()
	lj.mu.Lock()
	lj.cancel = cancel
	lj.mu.Unlock()

	success := m.runner.Run(ctx, lj)
	m.queue.Complete(rec.JobID, success)
}

func (m *Manager) released(jobID string, success bool) {
	m.logger.Debugw("Pool slot released", "job_id", jobID, "success", success)
}

// TaskDefinition is one typed task spec. The builder that reads persisted
// configuration produces these; validation happens here and nowhere else.
type TaskDefinition interface {
	Kind() TaskKind
	Name() string
	Validate() error
	Parameters() (json.RawMessage, error)
	ContinueOnFailure() bool
}

// CreateJobOptions carries the optional parts of job creation. Priority
// defaults to normal; callers with an authority to jump the queue set it
// explicitly.
type CreateJobOptions struct {
	Priority          Priority
	ScheduleID        *int64
	CloudSyncConfigID *int64

	// ForceBackupPool routes the job to the backup pool even when no
	// task has the backup kind, for raw commands known to be backups.
	ForceBackupPool bool

	Meta map[string]string
}

// CreateCompositeJob validates the task definitions, persists the job with
// all tasks pending, and enqueues it. Returns ErrQueueFull (and fails the
// job row) when the admission backlog is at its cap.
func (m *Manager) CreateCompositeJob(ctx context.Context, kind string, defs []TaskDefinition, repo *db.Repository, opts CreateJobOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(defs) == 0 {
		return "", errors.Mark(errors.New("job needs at least one task"), errors.ErrInvalidRequest)
	}

	hasBackup := opts.ForceBackupPool
	tasks := make([]*Task, 0, len(defs))
	for i, def := range defs {
		if err := def.Validate(); err != nil {
			return "", errors.Mark(
				errors.Wrapf(err, "task %d (%s) is invalid", i, def.Kind()),
				errors.ErrInvalidRequest)
		}
		params, err := def.Parameters()
		if err != nil {
			return "", errors.Wrapf(err, "task %d (%s) parameters", i, def.Kind())
		}
		if def.Kind() == TaskBackup {
			hasBackup = true
		}
		tasks = append(tasks, &Task{
			Order:             i,
			Kind:              def.Kind(),
			Name:              def.Name(),
			Status:            TaskPending,
			Parameters:        params,
			ContinueOnFailure: def.ContinueOnFailure(),
		})
	}

	job := &Job{
		ID:        NewJobID(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Tasks:     tasks,
	}
	if repo != nil {
		job.RepositoryID = &repo.ID
	}

	if err := m.deps.Store.CreateJob(job); err != nil {
		return "", err
	}
	m.deps.Output.Register(job.ID)

	lj := newLiveJob(job)
	m.mu.Lock()
	m.live[job.ID] = lj
	m.mu.Unlock()

	meta := make(map[string]string, len(opts.Meta)+2)
	for k, v := range opts.Meta {
		meta[k] = v
	}
	if opts.ScheduleID != nil {
		meta["schedule_id"] = strconv.FormatInt(*opts.ScheduleID, 10)
	}
	if opts.CloudSyncConfigID != nil {
		meta["cloud_sync_config_id"] = strconv.FormatInt(*opts.CloudSyncConfigID, 10)
	}

	rec := Record{
		JobID:     job.ID,
		Kind:      kind,
		Priority:  ParsePriority(string(opts.Priority)),
		HasBackup: hasBackup,
		Meta:      meta,
	}
	if !m.queue.Enqueue(rec) {
		lj.mu.Lock()
		skipRemaining(job)
		job.Fail("admission backlog full")
		finishedAt := job.FinishedAt
		lj.mu.Unlock()
		m.runner.persistStatus(job.ID, StatusFailed, finishedAt, "admission backlog full")
		m.runner.persistTasks(lj)
		m.runner.publishTerminal(job.ID, StatusFailed, "admission backlog full")
		lj.finish()
		return "", errors.Mark(
			errors.Newf("admission backlog full, job %s rejected", job.ID),
			errors.ErrQueueFull)
	}

	lj.mu.Lock()
	job.Status = StatusQueued
	lj.mu.Unlock()
	m.runner.persistStatus(job.ID, StatusQueued, nil, "")
	m.publish(events.New(events.TypeJobQueued, job.ID, map[string]interface{}{
		"kind":     kind,
		"priority": string(rec.Priority),
		"pool":     poolName(hasBackup),
	}))

	m.logger.Infow("Job created",
		"job_id", job.ID,
		"kind", kind,
		"tasks", len(tasks),
		"priority", rec.Priority,
	)
	return job.ID, nil
}

// borgCommandDef wraps a raw borg invocation as a one-task definition.
// The command executor decodes the same argv/env keys.
type borgCommandDef struct {
	argv []string
	env  map[string]string
}

func (d borgCommandDef) Kind() TaskKind { return TaskCommand }

func (d borgCommandDef) Name() string {
	if len(d.argv) == 0 {
		return "borg"
	}
	return "borg " + d.argv[0]
}

func (d borgCommandDef) Validate() error {
	if len(d.argv) == 0 {
		return errors.New("empty borg command")
	}
	return nil
}

func (d borgCommandDef) Parameters() (json.RawMessage, error) {
	raw, err := json.Marshal(struct {
		Argv []string          `json:"argv"`
		Env  map[string]string `json:"env,omitempty"`
	}{Argv: d.argv, Env: d.env})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode command parameters")
	}
	return raw, nil
}

func (d borgCommandDef) ContinueOnFailure() bool { return false }

// StartBorgCommand runs one raw borg command as a single-task composite
// job. isBackup routes it to the backup pool.
func (m *Manager) StartBorgCommand(ctx context.Context, argv []string, env map[string]string, isBackup bool) (string, error) {
	return m.CreateCompositeJob(ctx, "borg_command",
		[]TaskDefinition{borgCommandDef{argv: argv, env: env}},
		nil,
		CreateJobOptions{ForceBackupPool: isBackup})
}

// RegisterExternalJob tracks work some collaborator already started, for
// monitoring only: the engine buffers its output and streams its events
// but never executes anything. Pass an empty id to have one generated.
func (m *Manager) RegisterExternalJob(jobID, kind, name string) (string, error) {
	var err error
	if jobID == "" {
		jobID = NewJobID()
	} else if jobID, err = NormalizeJobID(jobID); err != nil {
		return "", err
	}

	m.mu.Lock()
	if _, exists := m.live[jobID]; exists {
		m.mu.Unlock()
		return "", errors.Mark(
			errors.Newf("job %s is already tracked", jobID),
			errors.ErrConflict)
	}
	m.mu.Unlock()

	now := time.Now()
	task := &Task{
		Order:     0,
		Kind:      TaskCommand,
		Name:      name,
		Status:    TaskRunning,
		StartedAt: &now,
	}
	job := &Job{
		ID:        jobID,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		Tasks:     []*Task{task},
	}
	if err := m.deps.Store.CreateJob(job); err != nil {
		return "", err
	}
	m.runner.persistStatus(jobID, StatusRunning, nil, "")
	job.Status = StatusRunning
	job.StartedAt = &now

	m.deps.Output.Register(jobID)
	lj := newLiveJob(job)
	lj.external = true
	m.mu.Lock()
	m.live[jobID] = lj
	m.mu.Unlock()

	m.publish(events.New(events.TypeJobStarted, jobID, map[string]interface{}{
		"kind":     kind,
		"external": true,
	}))
	m.logger.Infow("External job registered", "job_id", jobID, "kind", kind, "name", name)
	return jobID, nil
}

// FinishExternalJob completes a monitor-only registration. Idempotent.
func (m *Manager) FinishExternalJob(jobID string, success bool, errText string) error {
	jobID, err := NormalizeJobID(jobID)
	if err != nil {
		return err
	}

	m.mu.RLock()
	lj := m.live[jobID]
	m.mu.RUnlock()
	if lj == nil || !lj.external {
		return errors.NewNotFoundError("external job %s not found", jobID)
	}

	lj.mu.Lock()
	if lj.job.Status.IsTerminal() {
		lj.mu.Unlock()
		return nil
	}
	task := lj.job.Tasks[0]
	if success {
		task.Complete()
		lj.job.Complete()
	} else {
		task.Fail(errText)
		lj.job.Fail(errText)
	}
	status := lj.job.Status
	finishedAt := lj.job.FinishedAt
	lj.mu.Unlock()

	m.runner.persistStatus(jobID, status, finishedAt, errText)
	m.runner.persistTasks(lj)
	m.runner.publishTerminal(jobID, status, errText)
	lj.finish()
	return nil
}

// TaskView is the per-task slice of a status snapshot.
type TaskView struct {
	Index      int        `json:"index"`
	Kind       TaskKind   `json:"kind"`
	Name       string     `json:"name"`
	Status     TaskStatus `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// JobStatusView is a point-in-time snapshot of one job, safe to hold
// after the job keeps running.
type JobStatusView struct {
	ID               string     `json:"id"`
	Kind             string     `json:"kind"`
	Status           JobStatus  `json:"status"`
	RepositoryID     *int64     `json:"repository_id,omitempty"`
	CurrentTaskIndex int        `json:"current_task_index"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Error            string     `json:"error,omitempty"`
	Tasks            []TaskView `json:"tasks"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func viewOf(job *Job) *JobStatusView {
	view := &JobStatusView{
		ID:               job.ID,
		Kind:             job.Kind,
		Status:           job.Status,
		CurrentTaskIndex: job.CurrentTaskIndex,
		StartedAt:        cloneTime(job.StartedAt),
		FinishedAt:       cloneTime(job.FinishedAt),
		Error:            job.Error,
		Tasks:            make([]TaskView, 0, len(job.Tasks)),
	}
	if job.RepositoryID != nil {
		id := *job.RepositoryID
		view.RepositoryID = &id
	}
	for _, t := range job.Tasks {
		view.Tasks = append(view.Tasks, TaskView{
			Index:      t.Order,
			Kind:       t.Kind,
			Name:       t.Name,
			Status:     t.Status,
			StartedAt:  cloneTime(t.StartedAt),
			FinishedAt: cloneTime(t.FinishedAt),
			ExitCode:   cloneInt(t.ExitCode),
			Error:      t.Error,
		})
	}
	return view
}

// GetJobStatus snapshots a job: live state when the job is in memory,
// the persisted row otherwise.
func (m *Manager) GetJobStatus(jobID string) (*JobStatusView, error) {
	jobID, err := NormalizeJobID(jobID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	lj := m.live[jobID]
	m.mu.RUnlock()
	if lj != nil {
		lj.mu.Lock()
		view := viewOf(lj.job)
		lj.mu.Unlock()
		return view, nil
	}

	job, err := m.deps.Store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	return viewOf(job), nil
}

// GetJobOutput returns the buffered output tail for a job.
func (m *Manager) GetJobOutput(jobID string, tailN int) (output.Snapshot, bool) {
	jobID, err := NormalizeJobID(jobID)
	if err != nil {
		return output.Snapshot{}, false
	}
	return m.deps.Output.Snapshot(jobID, tailN)
}

// GetJobOutputStream follows a job's output: buffered history first, then
// live lines until the job ends or the context is cancelled.
func (m *Manager) GetJobOutputStream(ctx context.Context, jobID string) (<-chan output.Line, error) {
	jobID, err := NormalizeJobID(jobID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	_, tracked := m.live[jobID]
	m.mu.RUnlock()
	if !tracked {
		if _, err := m.deps.Store.GetJob(jobID); err != nil {
			return nil, err
		}
	}
	return m.deps.Output.Follow(ctx, jobID), nil
}

// StreamEvents subscribes to the full event stream with recent-event
// replay. The subscription ends when the context is cancelled.
func (m *Manager) StreamEvents(ctx context.Context) <-chan events.Event {
	sub := m.deps.Events.Subscribe(true)
	go func() {
		<-ctx.Done()
		m.deps.Events.Unsubscribe(sub)
	}()
	return sub.Events()
}

// StreamJobUpdates is StreamEvents filtered to job-level lifecycle and
// queue events, dropping the per-line output noise.
func (m *Manager) StreamJobUpdates(ctx context.Context) <-chan events.Event {
	sub := m.deps.Events.Subscribe(true)
	out := make(chan events.Event, events.DefaultQueueSize)
	go func() {
		defer close(out)
		defer m.deps.Events.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if !isJobLevelEvent(ev.Type) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func isJobLevelEvent(t events.Type) bool {
	switch t {
	case events.TypeJobQueued, events.TypeJobAdmitted, events.TypeJobStarted,
		events.TypeJobStatusChanged, events.TypeJobCompleted,
		events.TypeJobFailed, events.TypeJobStopped, events.TypeKeepAlive:
		return true
	default:
		return false
	}
}

// CancelJob stops a job: queued jobs never run, a running job has its
// child terminated with the soft-then-kill grace, and not-yet-started
// tasks are marked stopped. Idempotent, safe after completion.
func (m *Manager) CancelJob(jobID string) (CancelResult, error) {
	jobID, err := NormalizeJobID(jobID)
	if err != nil {
		return CancelResult{}, err
	}

	m.mu.RLock()
	lj := m.live[jobID]
	m.mu.RUnlock()

	if lj == nil {
		job, err := m.deps.Store.GetJob(jobID)
		if err != nil {
			return CancelResult{}, err
		}
		if job.Status.IsTerminal() {
			return CancelResult{Status: job.Status}, nil
		}
		// A non-terminal row with no live state has no child to kill.
		now := time.Now()
		if _, err := m.deps.Store.UpdateJobStatus(jobID, StatusStopped, &now, ""); err != nil {
			return CancelResult{}, err
		}
		m.publish(events.New(events.TypeJobStopped, jobID,
			map[string]interface{}{"status": string(StatusStopped)}))
		return CancelResult{Status: StatusStopped}, nil
	}

	lj.mu.Lock()
	if lj.job.Status.IsTerminal() {
		res := CancelResult{Status: lj.job.Status}
		lj.mu.Unlock()
		return res, nil
	}
	if lj.cancelRequested {
		res := lj.cancelResult
		lj.mu.Unlock()
		return res, nil
	}
	lj.cancelRequested = true

	skipped := 0
	killed := false
	for _, t := range lj.job.Tasks {
		if t.Status == TaskRunning {
			killed = true
			skipped++
		} else if !t.Status.IsTerminal() {
			skipped++
		}
	}
	res := CancelResult{Status: StatusStopped, TasksSkipped: skipped, CurrentTaskKilled: killed}
	lj.cancelResult = res
	cancelFn := lj.cancel
	external := lj.external
	lj.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	if m.queue.Remove(jobID) || external || cancelFn == nil {
		// Never admitted (or monitor-only): nothing will observe the
		// flag, finalize here.
		m.runner.FinalizeStopped(lj)
	}

	m.logger.Infow("Job cancelled",
		"job_id", jobID,
		"tasks_skipped", res.TasksSkipped,
		"child_killed", res.CurrentTaskKilled,
	)
	return res, nil
}

// CleanupJob drops a terminal job's in-memory state and output buffer.
// The persisted row remains. Returns false for jobs still running.
func (m *Manager) CleanupJob(jobID string) bool {
	jobID, err := NormalizeJobID(jobID)
	if err != nil {
		return false
	}

	m.mu.Lock()
	lj := m.live[jobID]
	if lj != nil {
		lj.mu.Lock()
		terminal := lj.job.Status.IsTerminal()
		lj.mu.Unlock()
		if !terminal {
			m.mu.Unlock()
			return false
		}
		delete(m.live, jobID)
	}
	m.mu.Unlock()

	_, hadOutput := m.deps.Output.Snapshot(jobID, 0)
	m.deps.Output.Clear(jobID)
	return lj != nil || hadOutput
}

// QueueStats snapshots both admission pools.
func (m *Manager) QueueStats() QueueStats {
	return m.queue.Stats()
}

// RunningJobs lists the records currently holding pool slots.
func (m *Manager) RunningJobs() []Record {
	return m.queue.ListRunning()
}

func (m *Manager) publish(ev events.Event) {
	if m.deps.Events != nil {
		m.deps.Events.Publish(ev)
	}
}

// buildTaskContext prepares one task's execution context: the repository
// row, its decrypted credentials, and the injected services. The returned
// cleanup scrubs the passphrase buffer and removes staged key material.
func (m *Manager) buildTaskContext(job *Job, task *Task, index int) (*TaskContext, func(), error) {
	tc := &TaskContext{
		Borg:   m.deps.Borg,
		Exec:   m.deps.Exec,
		Output: m.deps.Output,
		Events: m.deps.Events,
		Logger: m.logger,
		Env: map[string]string{
			"job_kind": job.Kind,
		},
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if job.RepositoryID == nil {
		return tc, cleanup, nil
	}

	repo, err := m.deps.Records.GetRepository(*job.RepositoryID)
	if err != nil {
		return nil, cleanup, errors.Wrap(err, "failed to load repository")
	}
	tc.Repository = repo
	tc.Env["repository"] = repo.Name
	tc.Env["repository_path"] = repo.Path

	if m.deps.Secrets == nil {
		return tc, cleanup, nil
	}

	if repo.EncPassphrase != "" {
		pass, err := m.deps.Secrets.Decrypt(repo.EncPassphrase)
		if err != nil {
			return nil, cleanup, errors.Wrap(err, "failed to decrypt repository passphrase")
		}
		tc.Passphrase = pass
		cleanups = append(cleanups, tc.scrub)
	}

	if repo.EncKeyfile != "" {
		key, err := m.deps.Secrets.Decrypt(repo.EncKeyfile)
		if err != nil {
			cleanup()
			return nil, func() {}, errors.Wrap(err, "failed to decrypt key material")
		}
		path, removeKey, err := secrets.WriteTempSecret(m.tempDir(), "borg-key-*", key)
		secrets.Scrub(key)
		if err != nil {
			cleanup()
			return nil, func() {}, errors.Wrap(err, "failed to stage key file")
		}
		tc.KeyfilePath = path
		cleanups = append(cleanups, removeKey)
	}

	return tc, cleanup, nil
}

func (m *Manager) tempDir() string {
	if m.deps.Paths == nil {
		return ""
	}
	return m.deps.Paths.TempDir()
}
