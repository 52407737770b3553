package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/borgitory/borgitory/borg"
	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/errors"
	testhelper "github.com/borgitory/borgitory/internal/testing"
	"github.com/borgitory/borgitory/jobs"
	"github.com/borgitory/borgitory/notify"
	"github.com/borgitory/borgitory/output"
	"github.com/borgitory/borgitory/proc"
	"github.com/borgitory/borgitory/secrets"
)

var testLogger = zap.NewNop().Sugar()

// testTaskContext builds a TaskContext over real services: a real process
// executor and a real output manager, no event bus.
func testTaskContext(t *testing.T, borgBinary string) *jobs.TaskContext {
	t.Helper()
	return &jobs.TaskContext{
		JobID:  jobs.NewJobID(),
		Borg:   borg.NewClient(borgBinary, false, nil),
		Exec:   proc.NewExecutor(nil),
		Output: output.NewManager(100, nil),
		Env:    map[string]string{"job_kind": "test", "repository": "primary"},
	}
}

func taskFor(t *testing.T, def jobs.TaskDefinition) *jobs.Task {
	t.Helper()
	params, err := def.Parameters()
	require.NoError(t, err)
	return &jobs.Task{
		Order:      0,
		Kind:       def.Kind(),
		Name:       def.Name(),
		Status:     jobs.TaskRunning,
		Parameters: params,
	}
}

func jobFor(tc *jobs.TaskContext, tasks ...*jobs.Task) *jobs.Job {
	return &jobs.Job{
		ID:     tc.JobID,
		Kind:   "test",
		Status: jobs.StatusRunning,
		Tasks:  tasks,
	}
}

func outputText(tc *jobs.TaskContext) string {
	snap, _ := tc.Output.Snapshot(tc.JobID, 0)
	lines := make([]string, 0, len(snap.Lines))
	for _, line := range snap.Lines {
		lines = append(lines, line.Text)
	}
	return strings.Join(lines, "\n")
}

func TestRegisterAllCoversEveryKind(t *testing.T) {
	reg := jobs.NewExecutorRegistry()
	RegisterAll(reg, Dependencies{})

	for _, kind := range []jobs.TaskKind{
		jobs.TaskBackup, jobs.TaskPrune, jobs.TaskCheck, jobs.TaskCloudSync,
		jobs.TaskNotification, jobs.TaskHook, jobs.TaskCommand, jobs.TaskInfo,
	} {
		assert.True(t, reg.Has(kind), "kind %s must be registered", kind)
	}
}

func TestHookExecutorStreamsOutput(t *testing.T) {
	tc := testTaskContext(t, "borg")
	task := taskFor(t, HookDefinition{
		HookName:  "greeter",
		Command:   "echo hello from hook",
		LogOutput: true,
	})
	job := jobFor(tc, task)

	exec := &HookExecutor{logger: testLogger}
	err := exec.Execute(context.Background(), job, task, 0, tc)
	require.NoError(t, err)
	assert.Contains(t, outputText(tc), "hello from hook")
}

func TestHookExecutorFailureCarriesExitCode(t *testing.T) {
	tc := testTaskContext(t, "borg")
	task := taskFor(t, HookDefinition{HookName: "broken", Command: "exit 3"})
	job := jobFor(tc, task)

	exec := &HookExecutor{logger: testLogger}
	err := exec.Execute(context.Background(), job, task, 0, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
}

func TestHookExecutorTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a sleeping child")
	}
	tc := testTaskContext(t, "borg")
	task := taskFor(t, HookDefinition{
		HookName:       "sleeper",
		Command:        "sleep 30",
		TimeoutSeconds: 1,
	})
	job := jobFor(tc, task)

	start := time.Now()
	exec := &HookExecutor{logger: testLogger}
	err := exec.Execute(context.Background(), job, task, 0, tc)
	require.Error(t, err)
	assert.True(t, errors.IsTimeoutError(err), "expected timeout, got: %v", err)
	assert.Less(t, time.Since(start), 7*time.Second, "teardown must respect the cleanup budget")
}

func TestHookEnvInjection(t *testing.T) {
	tc := testTaskContext(t, "borg")
	env := hookEnv(HookDefinition{
		HookName: "pre-snapshot",
		Env:      map[string]string{"CUSTOM": "1", "BORGITORY_REPOSITORY": "override"},
	}, tc)

	assert.Equal(t, tc.JobID, env["BORGITORY_JOB_ID"])
	assert.Equal(t, "pre-snapshot", env["BORGITORY_HOOK_NAME"])
	assert.Equal(t, "test", env["BORGITORY_JOB_KIND"])
	assert.Equal(t, "1", env["CUSTOM"])
	// The definition's overlay wins on collision.
	assert.Equal(t, "override", env["BORGITORY_REPOSITORY"])
}

func TestHookSeesInjectedEnvironment(t *testing.T) {
	tc := testTaskContext(t, "borg")
	task := taskFor(t, HookDefinition{
		HookName:  "env-probe",
		Command:   `echo "job=$BORGITORY_JOB_ID hook=$BORGITORY_HOOK_NAME"`,
		LogOutput: true,
	})
	job := jobFor(tc, task)

	exec := &HookExecutor{logger: testLogger}
	require.NoError(t, exec.Execute(context.Background(), job, task, 0, tc))

	text := outputText(tc)
	assert.Contains(t, text, "job="+tc.JobID)
	assert.Contains(t, text, "hook=env-probe")
}

func TestCommandExecutorRunsRawBorgCommand(t *testing.T) {
	// "echo" stands in for the borg binary: argv [echo list --short]
	// prints its arguments and exits zero.
	tc := testTaskContext(t, "echo")
	task := taskFor(t, CommandDefinition{Argv: []string{"list", "--short"}})
	job := jobFor(tc, task)

	exec := &CommandExecutor{logger: testLogger}
	require.NoError(t, exec.Execute(context.Background(), job, task, 0, tc))
	assert.Contains(t, outputText(tc), "list --short")
}

func TestCommandExecutorMissingBinary(t *testing.T) {
	tc := testTaskContext(t, "borg-binary-that-does-not-exist")
	task := taskFor(t, CommandDefinition{Argv: []string{"info"}})
	job := jobFor(tc, task)

	exec := &CommandExecutor{logger: testLogger}
	err := exec.Execute(context.Background(), job, task, 0, tc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSpawn), "expected spawn error, got: %v", err)
}

func TestCheckExecutorDowngradesUnconfirmedRepair(t *testing.T) {
	// "true" swallows the rendered borg check argv and exits zero.
	tc := testTaskContext(t, "true")
	tc.Repository = &db.Repository{ID: 1, Name: "primary", Path: "/backups/primary"}
	task := taskFor(t, CheckDefinition{
		CheckType:         "repository",
		RepairMode:        true,
		ConfirmationToken: "not-the-job-id",
	})
	job := jobFor(tc, task)

	exec := &CheckExecutor{logger: testLogger}
	require.NoError(t, exec.Execute(context.Background(), job, task, 0, tc))
	assert.Contains(t, outputText(tc), "running a plain check instead")
}

func TestCheckExecutorHonorsConfirmedRepair(t *testing.T) {
	tc := testTaskContext(t, "true")
	tc.Repository = &db.Repository{ID: 1, Name: "primary", Path: "/backups/primary"}
	task := taskFor(t, CheckDefinition{
		CheckType:  "repository",
		RepairMode: true,
	})
	job := jobFor(tc, task)
	// The confirmation token is minted per run: it must equal the job id.
	var params CheckDefinition
	require.NoError(t, json.Unmarshal(task.Parameters, &params))
	params.ConfirmationToken = job.ID
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	task.Parameters = raw

	exec := &CheckExecutor{logger: testLogger}
	require.NoError(t, exec.Execute(context.Background(), job, task, 0, tc))
	assert.NotContains(t, outputText(tc), "plain check instead")
}

func TestBackupExecutorRequiresRepository(t *testing.T) {
	tc := testTaskContext(t, "true")
	task := taskFor(t, BackupDefinition{Paths: []string{"/home"}})
	job := jobFor(tc, task)

	exec := &BackupExecutor{logger: testLogger}
	err := exec.Execute(context.Background(), job, task, 0, tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a repository")
}

func TestNotificationExecutorDeliversSummary(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)

	salt, err := secrets.GenerateSalt()
	require.NoError(t, err)
	secretSvc, err := secrets.NewService([]byte("master key for tests"), salt)
	require.NoError(t, err)

	blob, err := json.Marshal(map[string]string{"url": srv.URL})
	require.NoError(t, err)
	encrypted, err := secretSvc.Encrypt(blob)
	require.NoError(t, err)
	cfg := &db.NotificationConfig{Name: "ops", Provider: "webhook", ConfigJSON: encrypted, Enabled: true}
	require.NoError(t, records.CreateNotificationConfig(cfg))

	tc := testTaskContext(t, "borg")
	tc.Repository = &db.Repository{ID: 1, Name: "primary", Path: "/backups/primary"}

	backupTask := &jobs.Task{Order: 0, Kind: jobs.TaskBackup, Name: "backup", Status: jobs.TaskCompleted}
	notifyTask := taskFor(t, NewNotificationDefinition(cfg.ID, cfg.Name, "Backup report", ""))
	notifyTask.Order = 1
	job := jobFor(tc, backupTask, notifyTask)

	exec := &NotificationExecutor{
		records: records,
		secrets: secretSvc,
		notify: notify.NewService(notify.Options{
			Timeout:           5 * time.Second,
			AllowPrivateHosts: true,
		}, nil),
		logger: testLogger,
	}
	require.NoError(t, exec.Execute(context.Background(), job, notifyTask, 1, tc))

	require.NotNil(t, got)
	assert.Contains(t, got["text"], job.ID)
	assert.Contains(t, got["text"], "primary")
	assert.Contains(t, got["text"], "completed")
}

func TestNotificationExecutorSkipsDisabledConfig(t *testing.T) {
	database := testhelper.OpenTestDB(t)
	records := db.NewRecords(database)
	cfg := &db.NotificationConfig{Name: "muted", Provider: "webhook", ConfigJSON: "v1:blob", Enabled: false}
	require.NoError(t, records.CreateNotificationConfig(cfg))

	tc := testTaskContext(t, "borg")
	task := taskFor(t, NewNotificationDefinition(cfg.ID, cfg.Name, "", ""))
	job := jobFor(tc, task)

	exec := &NotificationExecutor{records: records, logger: testLogger}
	require.NoError(t, exec.Execute(context.Background(), job, task, 0, tc))
	assert.Contains(t, outputText(tc), "nothing sent")
}

func TestMessageVars(t *testing.T) {
	tc := testTaskContext(t, "borg")
	tc.Repository = &db.Repository{Name: "primary"}

	failed := &jobs.Task{Order: 0, Kind: jobs.TaskHook, Status: jobs.TaskFailed, Error: "exit 1"}
	completed := &jobs.Task{Order: 1, Kind: jobs.TaskBackup, Status: jobs.TaskCompleted}
	notifyTask := &jobs.Task{Order: 2, Kind: jobs.TaskNotification, Status: jobs.TaskRunning}
	job := jobFor(tc, failed, completed, notifyTask)

	vars := messageVars(job, 2, tc)
	assert.Equal(t, "failed", vars["status"])
	assert.Equal(t, "1", vars["tasks_failed"])
	assert.Equal(t, "3", vars["tasks_total"])
	assert.Equal(t, "exit 1", vars["error"])
	assert.Equal(t, "primary", vars["repository"])
}

func TestInfoExecutorNeverFails(t *testing.T) {
	// No repository and a missing binary: both paths must swallow the
	// failure and leave a note instead of failing the job.
	tc := testTaskContext(t, "borg-binary-that-does-not-exist")
	task := taskFor(t, InfoDefinition{})
	job := jobFor(tc, task)

	exec := &InfoExecutor{logger: testLogger}
	require.NoError(t, exec.Execute(context.Background(), job, task, 0, tc))
	assert.Contains(t, outputText(tc), "info skipped")

	tc.Repository = &db.Repository{ID: 1, Name: "primary", Path: "/backups/primary"}
	require.NoError(t, exec.Execute(context.Background(), job, task, 0, tc))
	assert.Contains(t, outputText(tc), "unavailable")
}
