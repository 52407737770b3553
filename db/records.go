package db

import (
	"database/sql"
	"time"

	"github.com/borgitory/borgitory/errors"
)

// Repository is a registered borg repository. Credential columns hold
// ciphertext produced by the secrets service, never plaintext.
type Repository struct {
	ID            int64
	Name          string
	Path          string
	EncPassphrase string
	EncKeyfile    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Schedule is a cron-driven job template bound to one repository.
// SpecJSON holds the task-list spec consumed by the schedule builder.
type Schedule struct {
	ID           int64
	RepositoryID int64
	Name         string
	CronExpr     string
	Enabled      bool
	SpecJSON     string
	LastRunAt    *time.Time
	LastResult   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Schedule run results recorded in schedules.last_result.
const (
	ScheduleResultOK     = "ok"
	ScheduleResultFailed = "failed"
	ScheduleResultMissed = "missed"
)

// CloudSyncConfig names a sync provider plus its encrypted settings blob.
type CloudSyncConfig struct {
	ID         int64
	Name       string
	Provider   string
	ConfigJSON string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NotificationConfig names a notification provider plus its encrypted
// settings blob.
type NotificationConfig struct {
	ID         int64
	Name       string
	Provider   string
	ConfigJSON string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PrunePolicy holds borg prune retention flags. Nil keep fields are omitted
// from the generated command line.
type PrunePolicy struct {
	ID             int64
	Name           string
	KeepWithinDays *int
	KeepDaily      *int
	KeepWeekly     *int
	KeepMonthly    *int
	KeepYearly     *int
	ShowList       bool
	ShowStats      bool
	SaveSpace      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CheckPolicy holds borg check options and archive filters.
type CheckPolicy struct {
	ID                 int64
	Name               string
	CheckType          string
	VerifyData         bool
	RepairMode         bool
	SaveSpace          bool
	ArchivePrefix      string
	ArchiveGlob        string
	FirstN             *int
	LastN              *int
	MaxDurationSeconds *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Records provides access to the configuration tables: repositories,
// schedules, provider configs, and policies. Job and task persistence
// lives with the job manager.
type Records struct {
	db *sql.DB
}

// NewRecords creates a record store over an open database handle.
func NewRecords(db *sql.DB) *Records {
	return &Records{db: db}
}

// CreateRepository inserts a repository and assigns its ID.
func (r *Records) CreateRepository(repo *Repository) error {
	now := time.Now().UTC()
	repo.CreatedAt = now
	repo.UpdatedAt = now

	result, err := r.db.Exec(`
		INSERT INTO repositories (name, path, enc_passphrase, enc_keyfile, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		repo.Name, repo.Path, repo.EncPassphrase, repo.EncKeyfile, repo.CreatedAt, repo.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create repository")
	}

	repo.ID, err = result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get repository id")
	}
	return nil
}

const repositoryColumns = `id, name, path, enc_passphrase, enc_keyfile, created_at, updated_at`

func scanRepository(row interface{ Scan(...interface{}) error }, repo *Repository) error {
	var passphrase, keyfile sql.NullString
	if err := row.Scan(&repo.ID, &repo.Name, &repo.Path, &passphrase, &keyfile,
		&repo.CreatedAt, &repo.UpdatedAt); err != nil {
		return err
	}
	repo.EncPassphrase = passphrase.String
	repo.EncKeyfile = keyfile.String
	return nil
}

// GetRepository retrieves a repository by ID.
func (r *Records) GetRepository(id int64) (*Repository, error) {
	var repo Repository
	err := scanRepository(r.db.QueryRow(
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id), &repo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("repository %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get repository")
	}
	return &repo, nil
}

// GetRepositoryByName retrieves a repository by its unique name.
func (r *Records) GetRepositoryByName(name string) (*Repository, error) {
	var repo Repository
	err := scanRepository(r.db.QueryRow(
		`SELECT `+repositoryColumns+` FROM repositories WHERE name = ?`, name), &repo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("repository %q not found", name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get repository by name")
	}
	return &repo, nil
}

// ListRepositories returns all repositories ordered by name.
func (r *Records) ListRepositories() ([]*Repository, error) {
	rows, err := r.db.Query(`SELECT ` + repositoryColumns + ` FROM repositories ORDER BY name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list repositories")
	}
	defer rows.Close()

	var repos []*Repository
	for rows.Next() {
		var repo Repository
		if err := scanRepository(rows, &repo); err != nil {
			return nil, errors.Wrap(err, "failed to scan repository")
		}
		repos = append(repos, &repo)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating repositories")
	}
	return repos, nil
}

// UpdateRepositoryCredentials replaces the encrypted credential columns.
func (r *Records) UpdateRepositoryCredentials(id int64, encPassphrase, encKeyfile string) error {
	result, err := r.db.Exec(`
		UPDATE repositories SET enc_passphrase = ?, enc_keyfile = ?, updated_at = ?
		WHERE id = ?`,
		encPassphrase, encKeyfile, time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update repository credentials")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("repository %d not found", id)
	}
	return nil
}

// CreateSchedule inserts a schedule and assigns its ID.
func (r *Records) CreateSchedule(s *Schedule) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.SpecJSON == "" {
		s.SpecJSON = "{}"
	}

	result, err := r.db.Exec(`
		INSERT INTO schedules (repository_id, name, cron_expr, enabled, spec_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.RepositoryID, s.Name, s.CronExpr, s.Enabled, s.SpecJSON, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create schedule")
	}

	s.ID, err = result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get schedule id")
	}
	return nil
}

const scheduleColumns = `id, repository_id, name, cron_expr, enabled, spec_json,
	last_run_at, last_result, created_at, updated_at`

func scanSchedule(row interface{ Scan(...interface{}) error }, s *Schedule) error {
	var lastRunAt sql.NullTime
	var lastResult sql.NullString
	if err := row.Scan(&s.ID, &s.RepositoryID, &s.Name, &s.CronExpr, &s.Enabled,
		&s.SpecJSON, &lastRunAt, &lastResult, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return err
	}
	if lastRunAt.Valid {
		s.LastRunAt = &lastRunAt.Time
	}
	s.LastResult = lastResult.String
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (r *Records) GetSchedule(id int64) (*Schedule, error) {
	var s Schedule
	err := scanSchedule(r.db.QueryRow(
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id), &s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return &s, nil
}

// ListEnabledSchedules returns every enabled schedule, oldest first. The
// scheduler loads this set at startup and again on change notification.
func (r *Records) ListEnabledSchedules() ([]*Schedule, error) {
	rows, err := r.db.Query(`SELECT ` + scheduleColumns + `
		FROM schedules WHERE enabled = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list enabled schedules")
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		var s Schedule
		if err := scanSchedule(rows, &s); err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating schedules")
	}
	return schedules, nil
}

// RecordScheduleRun stamps the schedule's last run time and result.
// Result is one of ScheduleResultOK, ScheduleResultFailed, ScheduleResultMissed.
func (r *Records) RecordScheduleRun(id int64, at time.Time, result string) error {
	res, err := r.db.Exec(`
		UPDATE schedules SET last_run_at = ?, last_result = ?, updated_at = ?
		WHERE id = ?`,
		at.UTC(), result, time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record schedule run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("schedule %d not found", id)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule on or off.
func (r *Records) SetScheduleEnabled(id int64, enabled bool) error {
	res, err := r.db.Exec(`
		UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to set schedule enabled")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("schedule %d not found", id)
	}
	return nil
}

const providerConfigColumns = `id, name, provider, provider_config_json, enabled, created_at, updated_at`

type providerConfigRow struct {
	ID         int64
	Name       string
	Provider   string
	ConfigJSON string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r *Records) insertProviderConfig(table string, row *providerConfigRow) error {
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now

	result, err := r.db.Exec(`
		INSERT INTO `+table+` (name, provider, provider_config_json, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.Name, row.Provider, row.ConfigJSON, row.Enabled, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s row", table)
	}

	row.ID, err = result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get config id")
	}
	return nil
}

func (r *Records) getProviderConfig(table string, id int64) (*providerConfigRow, error) {
	var row providerConfigRow
	err := r.db.QueryRow(
		`SELECT `+providerConfigColumns+` FROM `+table+` WHERE id = ?`, id,
	).Scan(&row.ID, &row.Name, &row.Provider, &row.ConfigJSON, &row.Enabled,
		&row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("%s %d not found", table, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s row", table)
	}
	return &row, nil
}

// CreateCloudSyncConfig inserts a cloud sync provider config.
func (r *Records) CreateCloudSyncConfig(c *CloudSyncConfig) error {
	row := providerConfigRow{Name: c.Name, Provider: c.Provider, ConfigJSON: c.ConfigJSON, Enabled: c.Enabled}
	if err := r.insertProviderConfig("cloud_sync_configs", &row); err != nil {
		return err
	}
	c.ID = row.ID
	c.CreatedAt = row.CreatedAt
	c.UpdatedAt = row.UpdatedAt
	return nil
}

// GetCloudSyncConfig retrieves a cloud sync provider config by ID.
func (r *Records) GetCloudSyncConfig(id int64) (*CloudSyncConfig, error) {
	row, err := r.getProviderConfig("cloud_sync_configs", id)
	if err != nil {
		return nil, err
	}
	return &CloudSyncConfig{
		ID: row.ID, Name: row.Name, Provider: row.Provider,
		ConfigJSON: row.ConfigJSON, Enabled: row.Enabled,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

// CreateNotificationConfig inserts a notification provider config.
func (r *Records) CreateNotificationConfig(c *NotificationConfig) error {
	row := providerConfigRow{Name: c.Name, Provider: c.Provider, ConfigJSON: c.ConfigJSON, Enabled: c.Enabled}
	if err := r.insertProviderConfig("notification_configs", &row); err != nil {
		return err
	}
	c.ID = row.ID
	c.CreatedAt = row.CreatedAt
	c.UpdatedAt = row.UpdatedAt
	return nil
}

// GetNotificationConfig retrieves a notification provider config by ID.
func (r *Records) GetNotificationConfig(id int64) (*NotificationConfig, error) {
	row, err := r.getProviderConfig("notification_configs", id)
	if err != nil {
		return nil, err
	}
	return &NotificationConfig{
		ID: row.ID, Name: row.Name, Provider: row.Provider,
		ConfigJSON: row.ConfigJSON, Enabled: row.Enabled,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// CreatePrunePolicy inserts a prune policy and assigns its ID.
func (r *Records) CreatePrunePolicy(p *PrunePolicy) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	result, err := r.db.Exec(`
		INSERT INTO prune_policies (
			name, keep_within_days, keep_daily, keep_weekly, keep_monthly, keep_yearly,
			show_list, show_stats, save_space, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name,
		nullInt(p.KeepWithinDays), nullInt(p.KeepDaily), nullInt(p.KeepWeekly),
		nullInt(p.KeepMonthly), nullInt(p.KeepYearly),
		p.ShowList, p.ShowStats, p.SaveSpace,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create prune policy")
	}

	p.ID, err = result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get prune policy id")
	}
	return nil
}

// GetPrunePolicy retrieves a prune policy by ID.
func (r *Records) GetPrunePolicy(id int64) (*PrunePolicy, error) {
	var p PrunePolicy
	var within, daily, weekly, monthly, yearly sql.NullInt64

	err := r.db.QueryRow(`
		SELECT id, name, keep_within_days, keep_daily, keep_weekly, keep_monthly, keep_yearly,
		       show_list, show_stats, save_space, created_at, updated_at
		FROM prune_policies WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &within, &daily, &weekly, &monthly, &yearly,
		&p.ShowList, &p.ShowStats, &p.SaveSpace, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("prune policy %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get prune policy")
	}

	p.KeepWithinDays = intPtr(within)
	p.KeepDaily = intPtr(daily)
	p.KeepWeekly = intPtr(weekly)
	p.KeepMonthly = intPtr(monthly)
	p.KeepYearly = intPtr(yearly)
	return &p, nil
}

// CreateCheckPolicy inserts a check policy and assigns its ID.
func (r *Records) CreateCheckPolicy(p *CheckPolicy) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.CheckType == "" {
		p.CheckType = "full"
	}

	result, err := r.db.Exec(`
		INSERT INTO check_policies (
			name, check_type, verify_data, repair_mode, save_space,
			archive_prefix, archive_glob, first_n, last_n, max_duration_seconds,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.CheckType, p.VerifyData, p.RepairMode, p.SaveSpace,
		sql.NullString{String: p.ArchivePrefix, Valid: p.ArchivePrefix != ""},
		sql.NullString{String: p.ArchiveGlob, Valid: p.ArchiveGlob != ""},
		nullInt(p.FirstN), nullInt(p.LastN), nullInt(p.MaxDurationSeconds),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create check policy")
	}

	p.ID, err = result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get check policy id")
	}
	return nil
}

// GetCheckPolicy retrieves a check policy by ID.
func (r *Records) GetCheckPolicy(id int64) (*CheckPolicy, error) {
	var p CheckPolicy
	var prefix, glob sql.NullString
	var first, last, maxDur sql.NullInt64

	err := r.db.QueryRow(`
		SELECT id, name, check_type, verify_data, repair_mode, save_space,
		       archive_prefix, archive_glob, first_n, last_n, max_duration_seconds,
		       created_at, updated_at
		FROM check_policies WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.CheckType, &p.VerifyData, &p.RepairMode, &p.SaveSpace,
		&prefix, &glob, &first, &last, &maxDur, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("check policy %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get check policy")
	}

	p.ArchivePrefix = prefix.String
	p.ArchiveGlob = glob.String
	p.FirstN = intPtr(first)
	p.LastN = intPtr(last)
	p.MaxDurationSeconds = intPtr(maxDur)
	return &p, nil
}
