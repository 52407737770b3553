package sched

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/events"
	testhelper "github.com/borgitory/borgitory/internal/testing"
	"github.com/borgitory/borgitory/jobs"
	"github.com/borgitory/borgitory/tasks"
)

type createCall struct {
	kind       string
	defs       []jobs.TaskDefinition
	repo       *db.Repository
	scheduleID *int64
}

type fakeCreator struct {
	mu       sync.Mutex
	calls    []createCall
	nextErr  error
	statuses map[string]jobs.JobStatus
	// autoComplete makes every created job report this terminal status
	// immediately, as if it finished before the caller resumed.
	autoComplete jobs.JobStatus
	updates      chan events.Event
}

func newFakeCreator() *fakeCreator {
	return &fakeCreator{
		statuses: make(map[string]jobs.JobStatus),
		updates:  make(chan events.Event, 16),
	}
}

func (f *fakeCreator) CreateCompositeJob(_ context.Context, kind string, defs []jobs.TaskDefinition, repo *db.Repository, opts jobs.CreateJobOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return "", f.nextErr
	}
	f.calls = append(f.calls, createCall{kind: kind, defs: defs, repo: repo, scheduleID: opts.ScheduleID})
	jobID := fmt.Sprintf("job-%d", len(f.calls))
	if f.autoComplete != "" {
		f.statuses[jobID] = f.autoComplete
	}
	return jobID, nil
}

func (f *fakeCreator) GetJobStatus(jobID string) (*jobs.JobStatusView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[jobID]
	if !ok {
		status = jobs.StatusRunning
	}
	return &jobs.JobStatusView{ID: jobID, Status: status}, nil
}

func (f *fakeCreator) setStatus(jobID string, status jobs.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[jobID] = status
}

func (f *fakeCreator) StreamJobUpdates(ctx context.Context) <-chan events.Event {
	out := make(chan events.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.updates:
				if !ok {
					return
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

func (f *fakeCreator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBuilder struct {
	defs []jobs.TaskDefinition
	repo *db.Repository
	err  error
}

func (f *fakeBuilder) Build(*db.Schedule) ([]jobs.TaskDefinition, *db.Repository, error) {
	return f.defs, f.repo, f.err
}

func seedSchedule(t *testing.T, records *db.Records, cronExpr string) *db.Schedule {
	t.Helper()
	repo := &db.Repository{Name: "primary", Path: "/backups/primary", EncPassphrase: "v1:ciphertext"}
	require.NoError(t, records.CreateRepository(repo))
	schedule := &db.Schedule{
		RepositoryID: repo.ID,
		Name:         "nightly",
		CronExpr:     cronExpr,
		Enabled:      true,
		SpecJSON:     `{"backup":{"paths":["/etc"]}}`,
	}
	require.NoError(t, records.CreateSchedule(schedule))
	return schedule
}

func testBuilder(repo *db.Repository) *fakeBuilder {
	def := tasks.BackupDefinition{Paths: []string{"/etc"}}
	return &fakeBuilder{defs: []jobs.TaskDefinition{def}, repo: repo}
}

func startScheduler(t *testing.T, records *db.Records, creator *fakeCreator, builder TaskListBuilder) *Scheduler {
	t.Helper()
	s := New(records, creator, builder, zap.NewNop().Sugar())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func TestReloadRegistersEnabledSchedules(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "0 2 * * *")

	s := startScheduler(t, records, newFakeCreator(), testBuilder(nil))

	next := s.NextFire(schedule.ID)
	require.False(t, next.IsZero())
	assert.Equal(t, 2, next.UTC().Hour())
}

func TestReloadSkipsInvalidCronExpression(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "not a cron spec")

	s := startScheduler(t, records, newFakeCreator(), testBuilder(nil))

	assert.True(t, s.NextFire(schedule.ID).IsZero())
}

func TestFireCreatesJobWithScheduleID(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "0 2 * * *")
	creator := newFakeCreator()

	s := startScheduler(t, records, creator, testBuilder(&db.Repository{ID: 1, Name: "primary"}))
	s.fire(schedule.ID)

	require.Equal(t, 1, creator.callCount())
	call := creator.calls[0]
	assert.Equal(t, ScheduledJobKind, call.kind)
	require.NotNil(t, call.scheduleID)
	assert.Equal(t, schedule.ID, *call.scheduleID)
	require.Len(t, call.defs, 1)
	assert.Equal(t, jobs.TaskBackup, call.defs[0].Kind())
}

func TestOverlappingFireRecordsMiss(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "0 2 * * *")
	creator := newFakeCreator()

	s := startScheduler(t, records, creator, testBuilder(nil))
	s.fire(schedule.ID)
	require.Equal(t, 1, creator.callCount())

	// Previous instance is still in flight, so this fire coalesces.
	s.fire(schedule.ID)
	assert.Equal(t, 1, creator.callCount())

	got, err := records.GetSchedule(schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScheduleResultMissed, got.LastResult)
}

func TestTerminalJobEventClearsInFlightAndRecordsResult(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "0 2 * * *")
	creator := newFakeCreator()

	s := startScheduler(t, records, creator, testBuilder(nil))
	s.fire(schedule.ID)
	require.Equal(t, 1, creator.callCount())

	creator.updates <- events.Event{
		Type:      events.TypeJobCompleted,
		JobID:     "job-1",
		Timestamp: time.Now().UTC(),
	}

	require.Eventually(t, func() bool {
		got, err := records.GetSchedule(schedule.ID)
		return err == nil && got.LastResult == db.ScheduleResultOK
	}, 2*time.Second, 10*time.Millisecond)

	// In-flight entry is cleared, so the next fire enqueues again.
	s.fire(schedule.ID)
	assert.Equal(t, 2, creator.callCount())
}

func TestFailedJobRecordsFailure(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "0 2 * * *")
	creator := newFakeCreator()

	s := startScheduler(t, records, creator, testBuilder(nil))
	s.fire(schedule.ID)

	creator.updates <- events.Event{
		Type:      events.TypeJobFailed,
		JobID:     "job-1",
		Timestamp: time.Now().UTC(),
	}

	require.Eventually(t, func() bool {
		got, err := records.GetSchedule(schedule.ID)
		return err == nil && got.LastResult == db.ScheduleResultFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestJobFinishingBeforeTrackingDoesNotWedgeSchedule(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "0 2 * * *")
	creator := newFakeCreator()
	creator.autoComplete = jobs.StatusCompleted

	s := startScheduler(t, records, creator, testBuilder(nil))

	// The job is terminal by the time fire resumes, as when its terminal
	// event was published before the tracking entries existed.
	s.fire(schedule.ID)
	require.Equal(t, 1, creator.callCount())

	got, err := records.GetSchedule(schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScheduleResultOK, got.LastResult)

	// The schedule is not stuck behind a stale in-flight entry.
	s.fire(schedule.ID)
	assert.Equal(t, 2, creator.callCount())
	got, err = records.GetSchedule(schedule.ID)
	require.NoError(t, err)
	assert.NotEqual(t, db.ScheduleResultMissed, got.LastResult)
}

func TestDroppedTerminalEventReconciledFromStore(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "0 2 * * *")
	creator := newFakeCreator()

	s := startScheduler(t, records, creator, testBuilder(nil))
	s.fire(schedule.ID)
	require.Equal(t, 1, creator.callCount())

	// The job fails but its terminal event is never delivered. The next
	// fire must consult the store, record the result, and enqueue again.
	creator.setStatus("job-1", jobs.StatusFailed)
	s.fire(schedule.ID)

	assert.Equal(t, 2, creator.callCount())
	got, err := records.GetSchedule(schedule.ID)
	require.NoError(t, err)
	assert.NotEqual(t, db.ScheduleResultMissed, got.LastResult)
}

func TestBuildFailureRecordsFailureWithoutCreatingJob(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "0 2 * * *")
	creator := newFakeCreator()
	builder := &fakeBuilder{err: fmt.Errorf("repository not found")}

	s := startScheduler(t, records, creator, builder)
	s.fire(schedule.ID)

	assert.Equal(t, 0, creator.callCount())
	got, err := records.GetSchedule(schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScheduleResultFailed, got.LastResult)
}

func TestDisabledScheduleDoesNotFire(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	schedule := seedSchedule(t, records, "0 2 * * *")
	creator := newFakeCreator()

	s := startScheduler(t, records, creator, testBuilder(nil))

	require.NoError(t, records.SetScheduleEnabled(schedule.ID, false))

	s.fire(schedule.ID)
	assert.Equal(t, 0, creator.callCount())
}
