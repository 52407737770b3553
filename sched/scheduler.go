// Package sched turns persisted schedule rows into job creation at the
// right wall-clock times. One cron runner in UTC drives every schedule;
// overlapping fires for the same schedule coalesce into a recorded miss.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/events"
	"github.com/borgitory/borgitory/jobs"
)

// ScheduledJobKind tags jobs created by the scheduler.
const ScheduledJobKind = "scheduled"

// JobCreator is the slice of the job manager the scheduler needs: job
// creation, the update stream it watches to learn when its jobs end, and
// a status lookup to reconcile against when an update was not observed.
type JobCreator interface {
	CreateCompositeJob(ctx context.Context, kind string, defs []jobs.TaskDefinition, repo *db.Repository, opts jobs.CreateJobOptions) (string, error)
	StreamJobUpdates(ctx context.Context) <-chan events.Event
	GetJobStatus(jobID string) (*jobs.JobStatusView, error)
}

// TaskListBuilder resolves a schedule into its task list and repository.
type TaskListBuilder interface {
	Build(schedule *db.Schedule) ([]jobs.TaskDefinition, *db.Repository, error)
}

// Scheduler owns the cron runner and the in-flight accounting that makes
// fires coalesce.
type Scheduler struct {
	records *db.Records
	creator JobCreator
	builder TaskListBuilder
	logger  *zap.SugaredLogger

	cron *cron.Cron

	mu       sync.Mutex
	entries  map[int64]cron.EntryID
	inFlight map[int64]string // schedule id -> job id still running
	byJob    map[string]int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a scheduler. Call Start to load schedules and begin firing.
func New(records *db.Records, creator JobCreator, builder TaskListBuilder, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		records:  records,
		creator:  creator,
		builder:  builder,
		logger:   logger,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		entries:  make(map[int64]cron.EntryID),
		inFlight: make(map[int64]string),
		byJob:    make(map[string]int64),
	}
}

// Start loads the enabled schedules and starts the cron runner. The
// context bounds the scheduler's lifetime; cancelling it stops the
// update watcher.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.watchJobUpdates()

	if err := s.Reload(); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Infow("Scheduler started", "schedules", len(s.entries))
	return nil
}

// Stop halts firing and waits for in-progress fire callbacks to return.
// Jobs already created keep running; the job manager owns them.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Infow("Scheduler stopped")
}

// Reload re-reads the enabled schedule rows and replaces the registered
// cron entries. Called at startup and whenever schedule configuration
// changes. A schedule with an unparsable trigger is skipped and logged,
// never fatal.
func (s *Scheduler) Reload() error {
	schedules, err := s.records.ListEnabledSchedules()
	if err != nil {
		return errors.Wrap(err, "failed to load schedules")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}

	for _, schedule := range schedules {
		scheduleID := schedule.ID
		entryID, err := s.cron.AddFunc(schedule.CronExpr, func() {
			s.fire(scheduleID)
		})
		if err != nil {
			s.logger.Warnw("Schedule has an invalid trigger, skipping",
				"schedule_id", scheduleID, "name", schedule.Name,
				"cron_expr", schedule.CronExpr, "error", err)
			continue
		}
		s.entries[scheduleID] = entryID
	}
	s.logger.Infow("Schedules loaded", "active", len(s.entries))
	return nil
}

// NextFire reports when a schedule will fire next. Zero time when the
// schedule is not registered.
func (s *Scheduler) NextFire(scheduleID int64) time.Time {
	s.mu.Lock()
	entryID, ok := s.entries[scheduleID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(entryID).Next
}

// fire runs on the cron goroutine. It re-reads the schedule row, builds
// the task list, and creates the job. A fire that finds the previous
// instance still running records a miss and does not enqueue; "still
// running" is verified against the store, not just the tracking maps, so
// a terminal event the watcher never saw cannot wedge the schedule.
func (s *Scheduler) fire(scheduleID int64) {
	now := time.Now().UTC()

	s.mu.Lock()
	trackedJob, busy := s.inFlight[scheduleID]
	s.mu.Unlock()
	if busy && s.stillRunning(scheduleID, trackedJob, now) {
		s.logger.Warnw("Schedule fired while previous run is still active, recording miss",
			"schedule_id", scheduleID, "running_job", trackedJob)
		s.recordResult(scheduleID, now, db.ScheduleResultMissed)
		return
	}

	schedule, err := s.records.GetSchedule(scheduleID)
	if err != nil {
		s.logger.Errorw("Schedule row vanished", "schedule_id", scheduleID, "error", err)
		return
	}
	if !schedule.Enabled {
		return
	}

	defs, repo, err := s.builder.Build(schedule)
	if err != nil {
		s.logger.Errorw("Failed to build task list for schedule",
			"schedule_id", scheduleID, "name", schedule.Name, "error", err)
		s.recordResult(scheduleID, now, db.ScheduleResultFailed)
		return
	}

	jobID, err := s.creator.CreateCompositeJob(s.ctx, ScheduledJobKind, defs, repo,
		jobs.CreateJobOptions{ScheduleID: &scheduleID})
	if err != nil {
		s.logger.Errorw("Failed to create scheduled job",
			"schedule_id", scheduleID, "name", schedule.Name, "error", err)
		s.recordResult(scheduleID, now, db.ScheduleResultFailed)
		return
	}

	s.mu.Lock()
	s.inFlight[scheduleID] = jobID
	s.byJob[jobID] = scheduleID
	s.mu.Unlock()

	// A fast job can reach terminal status, and publish its terminal
	// event, before the tracking entries above exist. Reconcile once
	// against the store so such a job cannot leave the entries behind.
	s.stillRunning(scheduleID, jobID, now)

	s.logger.Infow("Scheduled job created",
		"schedule_id", scheduleID, "name", schedule.Name, "job_id", jobID)
}

// stillRunning reports whether a tracked job is still active. When the
// store says the job is terminal or gone, the tracking entries are
// cleared and the run result recorded here instead of by the watcher.
func (s *Scheduler) stillRunning(scheduleID int64, jobID string, at time.Time) bool {
	view, err := s.creator.GetJobStatus(jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			s.clearTracking(scheduleID, jobID)
			return false
		}
		// Transient lookup failure: keep treating the job as running
		// rather than double-enqueueing the schedule.
		s.logger.Warnw("Failed to check status of tracked job",
			"schedule_id", scheduleID, "job_id", jobID, "error", err)
		return true
	}
	if !view.Status.IsTerminal() {
		return true
	}

	result := db.ScheduleResultFailed
	if view.Status == jobs.StatusCompleted {
		result = db.ScheduleResultOK
	}
	if s.clearTracking(scheduleID, jobID) {
		if view.FinishedAt != nil {
			at = *view.FinishedAt
		}
		s.recordResult(scheduleID, at, result)
	}
	return false
}

// clearTracking removes the tracking entries for a job and reports
// whether this call was the one that removed them, so the run result is
// recorded exactly once between the watcher and the reconcile path.
func (s *Scheduler) clearTracking(scheduleID int64, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, tracked := s.byJob[jobID]; !tracked {
		return false
	}
	delete(s.byJob, jobID)
	delete(s.inFlight, scheduleID)
	return true
}

// watchJobUpdates clears in-flight accounting and records run results as
// the scheduler's jobs reach terminal status.
func (s *Scheduler) watchJobUpdates() {
	for ev := range s.creator.StreamJobUpdates(s.ctx) {
		var result string
		switch ev.Type {
		case events.TypeJobCompleted:
			result = db.ScheduleResultOK
		case events.TypeJobFailed, events.TypeJobStopped:
			result = db.ScheduleResultFailed
		default:
			continue
		}

		s.mu.Lock()
		scheduleID, tracked := s.byJob[ev.JobID]
		s.mu.Unlock()
		if tracked && s.clearTracking(scheduleID, ev.JobID) {
			s.recordResult(scheduleID, ev.Timestamp, result)
		}
	}
}

func (s *Scheduler) recordResult(scheduleID int64, at time.Time, result string) {
	if err := s.records.RecordScheduleRun(scheduleID, at, result); err != nil {
		s.logger.Errorw("Failed to record schedule run",
			"schedule_id", scheduleID, "result", result, "error", err)
	}
}
