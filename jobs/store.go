package jobs

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/borgitory/borgitory/errors"
)

// Store persists jobs and their task lists. Every status transition is
// its own short transaction; no transaction ever spans a child process.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store on an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts the job row and all of its task rows, all pending,
// in a single transaction.
func (s *Store) CreateJob(job *Job) error {
	id, err := NormalizeJobID(job.ID)
	if err != nil {
		return err
	}
	job.ID = id

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin job creation")
	}
	defer tx.Rollback()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err = tx.Exec(`
		INSERT INTO jobs (id, repository_id, kind, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, nullInt64(job.RepositoryID), job.Kind, string(StatusPending), job.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to insert job %s", job.ID)
	}

	for _, task := range job.Tasks {
		if err := insertTask(tx, job.ID, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit job %s", job.ID)
	}
	return nil
}

func insertTask(tx *sql.Tx, jobID string, task *Task) error {
	params := task.Parameters
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	_, err := tx.Exec(`
		INSERT INTO job_tasks
			(job_id, task_order, kind, name, status, started_at, finished_at,
			 exit_code, error, output, parameters_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, task.Order, string(task.Kind), task.Name, string(task.Status),
		nullTime(task.StartedAt), nullTime(task.FinishedAt),
		nullInt(task.ExitCode), task.Error, task.Output, string(params))
	if err != nil {
		return errors.Wrapf(err, "failed to insert task %d of job %s", task.Order, jobID)
	}
	return nil
}

// UpdateJobStatus moves a job to a new status and reports whether a row
// changed. startedAt is stamped on the first transition to running;
// finishedAt and errText only overwrite when provided.
func (s *Store) UpdateJobStatus(id string, status JobStatus, finishedAt *time.Time, errText string) (bool, error) {
	id, err := NormalizeJobID(id)
	if err != nil {
		return false, err
	}

	var startedAt *time.Time
	if status == StatusRunning {
		now := time.Now()
		startedAt = &now
	}

	res, err := s.db.Exec(`
		UPDATE jobs SET
			status = ?,
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(?, finished_at),
			error = COALESCE(NULLIF(?, ''), error)
		WHERE id = ? OR replace(id, '-', '') = ?`,
		string(status), nullTime(startedAt), nullTime(finishedAt), errText, id, id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update status of job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return n > 0, nil
}

// SaveTasks overwrites the task rows of a job, preserving order indices.
// Used at task boundaries and at job completion to persist accumulated
// output, timings, and exit codes.
func (s *Store) SaveTasks(jobID string, tasks []*Task) error {
	jobID, err := NormalizeJobID(jobID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin task save")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM job_tasks WHERE job_id = ?`, jobID); err != nil {
		return errors.Wrapf(err, "failed to clear tasks of job %s", jobID)
	}
	for _, task := range tasks {
		if err := insertTask(tx, jobID, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit tasks of job %s", jobID)
	}
	return nil
}

type scanJobArgs struct {
	id           string
	repositoryID sql.NullInt64
	kind         string
	status       string
	startedAt    sql.NullTime
	finishedAt   sql.NullTime
	errText      sql.NullString
	createdAt    time.Time
}

func (a *scanJobArgs) toJob() (*Job, error) {
	id, err := NormalizeJobID(a.id)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:        id,
		Kind:      a.kind,
		Status:    JobStatus(a.status),
		CreatedAt: a.createdAt,
	}
	if a.repositoryID.Valid {
		job.RepositoryID = &a.repositoryID.Int64
	}
	if a.startedAt.Valid {
		job.StartedAt = &a.startedAt.Time
	}
	if a.finishedAt.Valid {
		job.FinishedAt = &a.finishedAt.Time
	}
	if a.errText.Valid {
		job.Error = a.errText.String
	}
	return job, nil
}

// GetJob loads a job and its ordered task list. Legacy dash-separated ids
// match and come back normalized.
func (s *Store) GetJob(id string) (*Job, error) {
	id, err := NormalizeJobID(id)
	if err != nil {
		return nil, err
	}

	var args scanJobArgs
	err = s.db.QueryRow(`
		SELECT id, repository_id, kind, status, started_at, finished_at, error, created_at
		FROM jobs
		WHERE id = ? OR replace(id, '-', '') = ?`, id, id).Scan(
		&args.id, &args.repositoryID, &args.kind, &args.status,
		&args.startedAt, &args.finishedAt, &args.errText, &args.createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}

	job, err := args.toJob()
	if err != nil {
		return nil, err
	}
	job.Tasks, err = s.loadTasks(job.ID)
	if err != nil {
		return nil, err
	}
	job.CurrentTaskIndex = nextTaskIndex(job.Tasks)
	return job, nil
}

func (s *Store) loadTasks(jobID string) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT task_order, kind, name, status, started_at, finished_at,
		       exit_code, error, output, parameters_json
		FROM job_tasks
		WHERE job_id = ?
		ORDER BY task_order`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load tasks of job %s", jobID)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			task       Task
			kind       string
			status     string
			startedAt  sql.NullTime
			finishedAt sql.NullTime
			exitCode   sql.NullInt64
			errText    sql.NullString
			params     string
		)
		err := rows.Scan(&task.Order, &kind, &task.Name, &status,
			&startedAt, &finishedAt, &exitCode, &errText, &task.Output, &params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan task of job %s", jobID)
		}
		task.Kind = TaskKind(kind)
		task.Status = TaskStatus(status)
		if startedAt.Valid {
			task.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			task.FinishedAt = &finishedAt.Time
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			task.ExitCode = &code
		}
		if errText.Valid {
			task.Error = errText.String
		}
		task.Parameters = json.RawMessage(params)
		task.ContinueOnFailure = continueOnFailure(task.Parameters)
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate tasks of job %s", jobID)
	}
	return tasks, nil
}

// continueOnFailure reads the continue_on_failure key out of a task's
// parameter bag.
func continueOnFailure(params json.RawMessage) bool {
	if len(params) == 0 {
		return false
	}
	var probe struct {
		ContinueOnFailure bool `json:"continue_on_failure"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return false
	}
	return probe.ContinueOnFailure
}

// nextTaskIndex is the index of the running task or, when none runs, the
// first non-terminal task. Equals len(tasks) when all are terminal.
func nextTaskIndex(tasks []*Task) int {
	for i, t := range tasks {
		if t.Status == TaskRunning || !t.Status.IsTerminal() {
			return i
		}
	}
	return len(tasks)
}

// GetJobsByRepository lists a repository's jobs, newest first, optionally
// filtered by kind. Each job carries its full task list.
func (s *Store) GetJobsByRepository(repoID int64, limit int, kind string) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, repository_id, kind, status, started_at, finished_at, error, created_at
		FROM jobs
		WHERE repository_id = ?`
	queryArgs := []interface{}{repoID}
	if kind != "" {
		query += ` AND kind = ?`
		queryArgs = append(queryArgs, kind)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	queryArgs = append(queryArgs, limit)

	rows, err := s.db.Query(query, queryArgs...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs of repository %d", repoID)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var args scanJobArgs
		err := rows.Scan(&args.id, &args.repositoryID, &args.kind, &args.status,
			&args.startedAt, &args.finishedAt, &args.errText, &args.createdAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job row")
		}
		job, err := args.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job rows")
	}

	for _, job := range jobs {
		job.Tasks, err = s.loadTasks(job.ID)
		if err != nil {
			return nil, err
		}
		job.CurrentTaskIndex = nextTaskIndex(job.Tasks)
	}
	return jobs, nil
}

// SweepInterrupted fails every job row left in a non-terminal status by a
// previous process, stamping the finish time and the error "interrupted".
// Task rows are left untouched. Returns the number of rows swept. Runs
// once at startup before any new work is accepted.
func (s *Store) SweepInterrupted() (int, error) {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = ?, finished_at = ?
		WHERE status IN (?, ?, ?)`,
		string(StatusFailed), errors.ErrInterrupted.Error(), time.Now(),
		string(StatusPending), string(StatusQueued), string(StatusRunning))
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep interrupted jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count swept jobs")
	}
	return int(n), nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
