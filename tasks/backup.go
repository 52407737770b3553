package tasks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/borg"
	"github.com/borgitory/borgitory/events"
	"github.com/borgitory/borgitory/jobs"
)

// BackupExecutor runs borg create against the job's repository.
type BackupExecutor struct {
	logger *zap.SugaredLogger
}

func (e *BackupExecutor) Kind() jobs.TaskKind { return jobs.TaskBackup }

func (e *BackupExecutor) Execute(ctx context.Context, job *jobs.Job, task *jobs.Task, index int, tc *jobs.TaskContext) error {
	var params BackupDefinition
	if err := decodeParams(task, &params); err != nil {
		return err
	}
	repo, err := requireRepository(tc)
	if err != nil {
		return err
	}

	argv := tc.Borg.CreateCommand(borg.CreateOptions{
		Repository:  repo.Path,
		ArchiveName: params.ArchiveName,
		SourcePaths: params.Paths,
		Excludes:    params.Excludes,
		Compression: params.Compression,
		DryRun:      params.DryRun,
		ShowStats:   true,
		Progress:    true,
	})

	e.logger.Infow("Backup starting",
		"job_id", tc.JobID, "repository", repo.Name, "paths", len(params.Paths), "dry_run", params.DryRun)

	res, err := runStreaming(ctx, tc, argv, tc.BorgEnv(false), true)
	if err != nil {
		return err
	}
	if err := exitError("borg create", res.exit); err != nil {
		return err
	}

	if !params.DryRun {
		e.publishSummary(tc, res.stdout)
	}
	return nil
}

// publishSummary parses borg's --stats --json document and announces the
// archive that was created. A summary that fails to parse is logged and
// dropped; the backup itself already succeeded.
func (e *BackupExecutor) publishSummary(tc *jobs.TaskContext, stdout string) {
	summary, err := borg.ParseCreateSummary(stdout)
	if err != nil {
		e.logger.Debugw("No parsable create summary", "job_id", tc.JobID, "error", err)
		return
	}

	tc.EmitLine(fmt.Sprintf("Archive %s created: %s original, %s deduplicated",
		summary.Archive.Name,
		formatBytes(summary.Archive.Stats.OriginalSize),
		formatBytes(summary.Archive.Stats.DeduplicatedSize)), streamMeta)

	if tc.Events != nil {
		tc.Events.Publish(events.NewTask(events.TypeTaskOutput, tc.JobID, tc.TaskIndex,
			map[string]interface{}{
				"summary": map[string]interface{}{
					"archive":           summary.Archive.Name,
					"original_size":     summary.Archive.Stats.OriginalSize,
					"compressed_size":   summary.Archive.Stats.CompressedSize,
					"deduplicated_size": summary.Archive.Stats.DeduplicatedSize,
					"nfiles":            summary.Archive.Stats.NFiles,
				},
			}))
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit && exp < 4 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTP"[exp])
}
