package tasks

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/cloudsync"
	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/jobs"
	"github.com/borgitory/borgitory/secrets"
)

// CloudSyncExecutor pushes the repository off-site through the configured
// provider. The provider config blob is decrypted at task start and lives
// only for the duration of the transfer.
type CloudSyncExecutor struct {
	records *db.Records
	secrets *secrets.Service
	sync    *cloudsync.Service
	logger  *zap.SugaredLogger
}

func (e *CloudSyncExecutor) Kind() jobs.TaskKind { return jobs.TaskCloudSync }

func (e *CloudSyncExecutor) Execute(ctx context.Context, job *jobs.Job, task *jobs.Task, index int, tc *jobs.TaskContext) error {
	var params CloudSyncDefinition
	if err := decodeParams(task, &params); err != nil {
		return err
	}
	repo, err := requireRepository(tc)
	if err != nil {
		return err
	}

	cfg, err := e.records.GetCloudSyncConfig(params.ConfigID)
	if err != nil {
		return errors.Wrap(err, "failed to load cloud-sync config")
	}
	if !cfg.Enabled {
		return errors.NewInvalidRequestError("cloud-sync config %q is disabled", cfg.Name)
	}

	providerCfg, err := e.decryptConfig(cfg.ConfigJSON)
	if err != nil {
		return err
	}

	e.logger.Infow("Cloud sync task starting",
		"job_id", tc.JobID, "repository", repo.Name, "provider", cfg.Provider, "config", cfg.Name)
	tc.EmitLine("Syncing to "+cfg.Provider+" ("+cfg.Name+")", streamMeta)

	err = e.sync.Sync(ctx, cfg.Provider, providerCfg, repo.Path, cloudsync.Sink{
		Line:     func(line string) { tc.EmitLine(line, streamStdout) },
		Progress: func(update string) { tc.EmitProgress(update, streamStdout) },
	})
	if err != nil {
		return err
	}

	tc.EmitLine("Sync to "+cfg.Provider+" finished", streamMeta)
	return nil
}

// decryptConfig opens the encrypted provider blob into a flat string map.
func (e *CloudSyncExecutor) decryptConfig(encrypted string) (map[string]string, error) {
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
