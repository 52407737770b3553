package jobs

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Driver-level fault injection. The real-database tests in store_test.go
// cover the happy paths; these pin down error propagation and rollback
// behavior that a healthy SQLite file cannot produce.

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewStore(mockDB), mock
}

func TestCreateJobRollsBackOnTaskInsertFailure(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO job_tasks").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	job := &Job{
		ID:    NewJobID(),
		Kind:  "manual_backup",
		Tasks: []*Task{{Order: 0, Kind: TaskBackup, Name: "backup", Status: TaskPending}},
	}
	err := store.CreateJob(job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert task 0")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobBeginFailure(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin().WillReturnError(assert.AnError)

	err := store.CreateJob(&Job{ID: NewJobID(), Kind: "manual_backup"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin job creation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusWrapsDriverError(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec("UPDATE jobs SET").
		WillReturnError(assert.AnError)

	id := NewJobID()
	changed, err := store.UpdateJobStatus(id, StatusRunning, nil, "")
	require.Error(t, err)
	assert.False(t, changed)
	assert.Contains(t, err.Error(), "failed to update status of job "+id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTasksRollsBackOnClearFailure(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM job_tasks").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.SaveTasks(NewJobID(), []*Task{{Order: 0, Kind: TaskPrune, Status: TaskPending}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to clear tasks")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepInterruptedReportsRowCount(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.SweepInterrupted()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobWrapsQueryError(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectQuery("SELECT id, repository_id").
		WillReturnError(assert.AnError)

	_, err := store.GetJob(NewJobID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load job")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusStampsFinishTime(t *testing.T) {
	store, mock := mockStore(t)

	now := time.Now()
	mock.ExpectExec("UPDATE jobs SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := store.UpdateJobStatus(NewJobID(), StatusCompleted, &now, "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
