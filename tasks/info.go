package tasks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/borg"
	"github.com/borgitory/borgitory/events"
	"github.com/borgitory/borgitory/jobs"
)

// InfoExecutor records a repository metadata snapshot: the archive count
// and the repository's size counters. It never fails the job; whatever
// goes wrong is logged and noted in the output.
type InfoExecutor struct {
	logger *zap.SugaredLogger
}

func (e *InfoExecutor) Kind() jobs.TaskKind { return jobs.TaskInfo }

func (e *InfoExecutor) Execute(ctx context.Context, job *jobs.Job, task *jobs.Task, index int, tc *jobs.TaskContext) error {
	repo, err := requireRepository(tc)
	if err != nil {
		e.note(tc, "info skipped: "+err.Error())
		return nil
	}

	env := tc.BorgEnv(false)

	info, err := e.repositoryInfo(ctx, tc, env, repo.Path)
	if err != nil {
		e.logger.Warnw("Repository info failed", "job_id", tc.JobID, "error", err)
		e.note(tc, "repository info unavailable: "+err.Error())
		return nil
	}

	archives, err := e.archiveCount(ctx, tc, env, repo.Path)
	if err != nil {
		e.logger.Warnw("Archive list failed", "job_id", tc.JobID, "error", err)
		e.note(tc, "archive list unavailable: "+err.Error())
		return nil
	}

	tc.EmitLine(fmt.Sprintf("Repository %s: %d archives, %s deduplicated",
		repo.Name, archives, formatBytes(info.Cache.Stats.UniqueCSize)), streamMeta)
	if tc.Events != nil {
		tc.Events.Publish(events.NewTask(events.TypeTaskOutput, tc.JobID, tc.TaskIndex,
			map[string]interface{}{
				"archives":          archives,
				"deduplicated_size": info.Cache.Stats.UniqueCSize,
				"last_modified":     info.Repository.LastModified,
				"encryption":        info.Encryption.Mode,
			}))
	}
	return nil
}

func (e *InfoExecutor) repositoryInfo(ctx context.Context, tc *jobs.TaskContext, env map[string]string, repoPath string) (*borg.RepositoryInfo, error) {
	res, err := runStreaming(ctx, tc, tc.Borg.InfoCommand(repoPath), env, false)
	if err != nil {
		return nil, err
	}
	if err := exitError("borg info", res.exit); err != nil {
		return nil, err
	}
	return borg.ParseRepositoryInfo(res.stdout)
}

func (e *InfoExecutor) archiveCount(ctx context.Context, tc *jobs.TaskContext, env map[string]string, repoPath string) (int, error) {
	res, err := runStreaming(ctx, tc, tc.Borg.ListCommand(repoPath), env, false)
	if err != nil {
		return 0, err
	}
	if err := exitError("borg list", res.exit); err != nil {
		return 0, err
	}
	list, err := borg.ParseArchiveList(res.stdout)
	if err != nil {
		return 0, err
	}
	return len(list.Archives), nil
}

func (e *InfoExecutor) note(tc *jobs.TaskContext, text string) {
	tc.EmitLine(text, streamMeta)
}
