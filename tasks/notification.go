package tasks

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/jobs"
	"github.com/borgitory/borgitory/notify"
	"github.com/borgitory/borgitory/secrets"
)

// NotificationExecutor delivers a templated message summarizing the tasks
// that ran before it. A failed delivery is an error like any other; the
// definition's continue-on-failure default keeps it from failing the job.
type NotificationExecutor struct {
	records *db.Records
	secrets *secrets.Service
	notify  *notify.Service
	logger  *zap.SugaredLogger
}

func (e *NotificationExecutor) Kind() jobs.TaskKind { return jobs.TaskNotification }

// DefaultMessageTemplate is used when a notification definition carries
// no template of its own.
const DefaultMessageTemplate = "Job {job_id} on {repository}: {status}"

func (e *NotificationExecutor) Execute(ctx context.Context, job *jobs.Job, task *jobs.Task, index int, tc *jobs.TaskContext) error {
	var params NotificationDefinition
	if err := decodeParams(task, &params); err != nil {
		return err
	}

	cfg, err := e.records.GetNotificationConfig(params.ConfigID)
	if err != nil {
		return errors.Wrap(err, "failed to load notification config")
	}
	if !cfg.Enabled {
		e.logger.Infow("Notification config disabled, skipping delivery",
			"job_id", tc.JobID, "config", cfg.Name)
		tc.EmitLine("notification config "+cfg.Name+" is disabled, nothing sent", streamMeta)
		return nil
	}

	providerCfg, err := e.decryptConfig(cfg.ConfigJSON)
	if err != nil {
		return err
	}

	vars := messageVars(job, index, tc)
	template := params.Template
	if template == "" {
		template = DefaultMessageTemplate
	}
	msg := notify.Message{
		Title: notify.Expand(params.Title, vars),
		Body:  notify.Expand(template, vars),
	}
	if vars["status"] == "failed" {
		msg.Priority = 1
	}

	if err := e.notify.Deliver(ctx, cfg.Provider, providerCfg, msg); err != nil {
		return err
	}

	tc.EmitLine("Notification sent via "+cfg.Provider+" ("+cfg.Name+")", streamMeta)
	return nil
}

func (e *NotificationExecutor) decryptConfig(encrypted string) (map[string]string, error) {
	plain, err := e.secrets.Decrypt(encrypted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt provider config")
	}
	defer secrets.Scrub(plain)

	var cfg map[string]string
	if err := json.Unmarshal(plain, &cfg); err != nil {
		return nil, errors.Wrap(err, "provider config is malformed")
	}
	return cfg, nil
}

// messageVars derives the template variables from the job and the tasks
// that ran before this one. The preceding tasks are terminal by the time
// a notification task executes.
func messageVars(job *jobs.Job, index int, tc *jobs.TaskContext) map[string]string {
	failed := 0
	lastError := ""
	for _, t := range job.Tasks[:index] {
		if t.Status == jobs.TaskFailed {
			failed++
			if t.Error != "" {
				lastError = t.Error
			}
		}
	}
	status := "completed"
	if failed > 0 {
		status = "failed"
	}

	vars := map[string]string{
		"job_id":       job.ID,
		"kind":         job.Kind,
		"status":       status,
		"tasks_total":  strconv.Itoa(len(job.Tasks)),
		"tasks_failed": strconv.Itoa(failed),
		"error":        lastError,
	}
	if tc.Repository != nil {
		vars["repository"] = tc.Repository.Name
	} else {
		vars["repository"] = "system"
	}
	return vars
}
