package jobs

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/errors"
)

func openTestStore(t *testing.T) (*sql.DB, *Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	database, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database, NewStore(database)
}

func testRepository(t *testing.T, database *sql.DB, name string) int64 {
	t.Helper()
	repo := &db.Repository{
		Name:          name,
		Path:          "/backups/" + name,
		EncPassphrase: "v1:ciphertext",
	}
	require.NoError(t, db.NewRecords(database).CreateRepository(repo))
	return repo.ID
}

func pendingJob(repoID *int64, kinds ...TaskKind) *Job {
	tasks := make([]*Task, len(kinds))
	for i, kind := range kinds {
		tasks[i] = &Task{
			Order:      i,
			Kind:       kind,
			Name:       string(kind) + " task",
			Status:     TaskPending,
			Parameters: json.RawMessage(`{}`),
		}
	}
	return &Job{
		ID:           NewJobID(),
		RepositoryID: repoID,
		Kind:         "manual_backup",
		Status:       StatusPending,
		Tasks:        tasks,
	}
}

func TestCreateJobRoundTrip(t *testing.T) {
	database, store := openTestStore(t)
	repoID := testRepository(t, database, "primary")

	job := pendingJob(&repoID, TaskHook, TaskBackup, TaskPrune)
	job.Tasks[0].Parameters = json.RawMessage(`{"command":"echo pre","continue_on_failure":true}`)
	require.NoError(t, store.CreateJob(job))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "manual_backup", got.Kind)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.RepositoryID)
	assert.Equal(t, repoID, *got.RepositoryID)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
	assert.Empty(t, got.Error)
	assert.Equal(t, 0, got.CurrentTaskIndex)

	require.Len(t, got.Tasks, 3)
	for i, kind := range []TaskKind{TaskHook, TaskBackup, TaskPrune} {
		assert.Equal(t, i, got.Tasks[i].Order)
		assert.Equal(t, kind, got.Tasks[i].Kind)
		assert.Equal(t, TaskPending, got.Tasks[i].Status)
	}
	assert.True(t, got.Tasks[0].ContinueOnFailure, "derived from parameters")
	assert.False(t, got.Tasks[1].ContinueOnFailure)
	assert.JSONEq(t, `{"command":"echo pre","continue_on_failure":true}`, string(got.Tasks[0].Parameters))
}

func TestCreateJobRejectsBadID(t *testing.T) {
	_, store := openTestStore(t)

	job := pendingJob(nil, TaskInfo)
	job.ID = "not-an-id"
	err := store.CreateJob(job)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCreateJobAtomicity(t *testing.T) {
	database, store := openTestStore(t)

	job := pendingJob(nil, TaskInfo, TaskInfo)
	job.Tasks[1].Order = 0 // violates the per-job order uniqueness
	require.Error(t, store.CreateJob(job))

	var jobs, tasks int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&jobs))
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM job_tasks`).Scan(&tasks))
	assert.Zero(t, jobs, "failed creation leaves no job row")
	assert.Zero(t, tasks, "failed creation leaves no task rows")
}

func TestGetJobNotFound(t *testing.T) {
	_, store := openTestStore(t)

	_, err := store.GetJob(NewJobID())
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestLegacyDashedIDMatches(t *testing.T) {
	database, store := openTestStore(t)

	// A row persisted by an earlier version with separators intact.
	dashed := "9f8a7b6c-5d4e-3f2a-1b0c-9d8e7f6a5b4c"
	canonical := "9f8a7b6c5d4e3f2a1b0c9d8e7f6a5b4c"
	_, err := database.Exec(`
		INSERT INTO jobs (id, kind, status, created_at)
		VALUES (?, 'manual_backup', 'pending', ?)`, dashed, time.Now())
	require.NoError(t, err)

	for _, lookup := range []string{dashed, canonical} {
		got, err := store.GetJob(lookup)
		require.NoError(t, err, "lookup %q", lookup)
		assert.Equal(t, canonical, got.ID, "ids come back normalized")
	}

	changed, err := store.UpdateJobStatus(dashed, StatusRunning, nil, "")
	require.NoError(t, err)
	assert.True(t, changed, "updates reach legacy rows")
}

func TestUpdateJobStatus(t *testing.T) {
	_, store := openTestStore(t)

	job := pendingJob(nil, TaskBackup)
	require.NoError(t, store.CreateJob(job))

	t.Run("running stamps started_at once", func(t *testing.T) {
		changed, err := store.UpdateJobStatus(job.ID, StatusRunning, nil, "")
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := store.GetJob(job.ID)
		require.NoError(t, err)
		require.NotNil(t, got.StartedAt)
		first := *got.StartedAt

		time.Sleep(5 * time.Millisecond)
		_, err = store.UpdateJobStatus(job.ID, StatusRunning, nil, "")
		require.NoError(t, err)

		got, err = store.GetJob(job.ID)
		require.NoError(t, err)
		require.NotNil(t, got.StartedAt)
		assert.Equal(t, first.UTC(), got.StartedAt.UTC(), "second transition keeps the first stamp")
	})

	t.Run("terminal sets finished_at and error", func(t *testing.T) {
		now := time.Now()
		changed, err := store.UpdateJobStatus(job.ID, StatusFailed, &now, "borg exited 2")
		require.NoError(t, err)
		assert.True(t, changed)

		got, err := store.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		require.NotNil(t, got.FinishedAt)
		assert.Equal(t, "borg exited 2", got.Error)
		assert.NotNil(t, got.StartedAt, "started_at survives the terminal write")
	})

	t.Run("empty error preserves previous", func(t *testing.T) {
		_, err := store.UpdateJobStatus(job.ID, StatusFailed, nil, "")
		require.NoError(t, err)

		got, err := store.GetJob(job.ID)
		require.NoError(t, err)
		assert.Equal(t, "borg exited 2", got.Error)
	})

	t.Run("unknown id changes nothing", func(t *testing.T) {
		changed, err := store.UpdateJobStatus(NewJobID(), StatusRunning, nil, "")
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestSaveTasksOverwrites(t *testing.T) {
	_, store := openTestStore(t)

	job := pendingJob(nil, TaskBackup, TaskPrune)
	require.NoError(t, store.CreateJob(job))

	now := time.Now()
	code := 0
	job.Tasks[0].Status = TaskCompleted
	job.Tasks[0].StartedAt = &now
	job.Tasks[0].FinishedAt = &now
	job.Tasks[0].ExitCode = &code
	job.Tasks[0].Output = "Archive created\nDone."
	job.Tasks[1].Status = TaskRunning
	job.Tasks[1].StartedAt = &now
	require.NoError(t, store.SaveTasks(job.ID, job.Tasks))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, TaskCompleted, got.Tasks[0].Status)
	require.NotNil(t, got.Tasks[0].ExitCode)
	assert.Equal(t, 0, *got.Tasks[0].ExitCode)
	assert.Equal(t, "Archive created\nDone.", got.Tasks[0].Output)
	assert.Equal(t, TaskRunning, got.Tasks[1].Status)
	assert.Equal(t, []int{0, 1}, []int{got.Tasks[0].Order, got.Tasks[1].Order})
	assert.Equal(t, 1, got.CurrentTaskIndex, "the running task is current")
}

func TestNextTaskIndex(t *testing.T) {
	terminalAll := []*Task{
		{Order: 0, Status: TaskCompleted},
		{Order: 1, Status: TaskSkipped},
	}
	assert.Equal(t, 2, nextTaskIndex(terminalAll))

	midRun := []*Task{
		{Order: 0, Status: TaskCompleted},
		{Order: 1, Status: TaskRunning},
		{Order: 2, Status: TaskPending},
	}
	assert.Equal(t, 1, nextTaskIndex(midRun))

	assert.Equal(t, 0, nextTaskIndex([]*Task{{Order: 0, Status: TaskPending}}))
	assert.Equal(t, 0, nextTaskIndex(nil))
}

func TestGetJobsByRepository(t *testing.T) {
	database, store := openTestStore(t)
	repoA := testRepository(t, database, "alpha")
	repoB := testRepository(t, database, "beta")

	base := time.Now().Add(-time.Hour)
	mk := func(repoID int64, kind string, offset time.Duration) *Job {
		job := pendingJob(&repoID, TaskBackup)
		job.Kind = kind
		job.CreatedAt = base.Add(offset)
		require.NoError(t, store.CreateJob(job))
		return job
	}

	oldest := mk(repoA, "scheduled_backup", 0)
	middle := mk(repoA, "manual_backup", time.Minute)
	newest := mk(repoA, "scheduled_backup", 2*time.Minute)
	mk(repoB, "manual_backup", 3*time.Minute)

	t.Run("newest first with tasks attached", func(t *testing.T) {
		got, err := store.GetJobsByRepository(repoA, 0, "")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, newest.ID, got[0].ID)
		assert.Equal(t, middle.ID, got[1].ID)
		assert.Equal(t, oldest.ID, got[2].ID)
		for _, job := range got {
			assert.Len(t, job.Tasks, 1)
		}
	})

	t.Run("kind filter", func(t *testing.T) {
		got, err := store.GetJobsByRepository(repoA, 0, "scheduled_backup")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, newest.ID, got[0].ID)
		assert.Equal(t, oldest.ID, got[1].ID)
	})

	t.Run("limit", func(t *testing.T) {
		got, err := store.GetJobsByRepository(repoA, 1, "")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, newest.ID, got[0].ID)
	})

	t.Run("no jobs", func(t *testing.T) {
		repoC := testRepository(t, database, "gamma")
		got, err := store.GetJobsByRepository(repoC, 0, "")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestSweepInterrupted(t *testing.T) {
	_, store := openTestStore(t)

	pending := pendingJob(nil, TaskBackup)
	require.NoError(t, store.CreateJob(pending))

	queued := pendingJob(nil, TaskBackup)
	require.NoError(t, store.CreateJob(queued))
	_, err := store.UpdateJobStatus(queued.ID, StatusQueued, nil, "")
	require.NoError(t, err)

	running := pendingJob(nil, TaskBackup, TaskPrune)
	require.NoError(t, store.CreateJob(running))
	_, err = store.UpdateJobStatus(running.ID, StatusRunning, nil, "")
	require.NoError(t, err)
	running.Tasks[0].Status = TaskRunning
	require.NoError(t, store.SaveTasks(running.ID, running.Tasks))

	done := pendingJob(nil, TaskBackup)
	require.NoError(t, store.CreateJob(done))
	now := time.Now()
	_, err = store.UpdateJobStatus(done.ID, StatusCompleted, &now, "")
	require.NoError(t, err)

	swept, err := store.SweepInterrupted()
	require.NoError(t, err)
	assert.Equal(t, 3, swept)

	for _, id := range []string{pending.ID, queued.ID, running.ID} {
		got, err := store.GetJob(id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status, "job %s", id)
		assert.Equal(t, "interrupted", got.Error)
		assert.NotNil(t, got.FinishedAt)
	}

	got, err := store.GetJob(running.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskRunning, got.Tasks[0].Status, "sweep leaves task rows untouched")
	assert.Equal(t, TaskPending, got.Tasks[1].Status)

	got, err = store.GetJob(done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status, "terminal rows are not swept")
	assert.Empty(t, got.Error)

	swept, err = store.SweepInterrupted()
	require.NoError(t, err)
	assert.Zero(t, swept, "second sweep finds nothing")
}
