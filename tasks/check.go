package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/borg"
	"github.com/borgitory/borgitory/jobs"
)

// CheckExecutor runs borg check. Repair mode is gated: the definition must
// carry a confirmation token equal to the job id, minted for exactly this
// run; anything else downgrades the run to a plain check.
type CheckExecutor struct {
	logger *zap.SugaredLogger
}

func (e *CheckExecutor) Kind() jobs.TaskKind { return jobs.TaskCheck }

func (e *CheckExecutor) Execute(ctx context.Context, job *jobs.Job, task *jobs.Task, index int, tc *jobs.TaskContext) error {
	var params CheckDefinition
	if err := decodeParams(task, &params); err != nil {
		return err
	}
	repo, err := requireRepository(tc)
	if err != nil {
		return err
	}

	repair := params.RepairMode
	if repair && params.ConfirmationToken != job.ID {
		repair = false
		e.logger.Warnw("Repair requested without confirmation, downgrading to plain check",
			"job_id", tc.JobID, "repository", repo.Name)
		tc.EmitLine("repair mode requested without a confirmation token; running a plain check instead", streamMeta)
	}

	argv := tc.Borg.CheckCommand(borg.CheckOptions{
		Repository:         repo.Path,
		CheckType:          params.CheckType,
		VerifyData:         params.VerifyData,
		Repair:             repair,
		SaveSpace:          params.SaveSpace,
		ArchivePrefix:      params.ArchivePrefix,
		ArchiveGlob:        params.ArchiveGlob,
		FirstN:             params.FirstN,
		LastN:              params.LastN,
		MaxDurationSeconds: params.MaxDurationSeconds,
	})

	// borg enforces --max-duration itself; the deadline here is the
	// backstop for a wedged child.
	runCtx := ctx
	if params.MaxDurationSeconds != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx,
			time.Duration(*params.MaxDurationSeconds)*time.Second+time.Minute)
		defer cancel()
	}

	e.logger.Infow("Check starting",
		"job_id", tc.JobID, "repository", repo.Name, "type", params.CheckType,
		"verify_data", params.VerifyData, "repair", repair)

	res, err := runStreaming(runCtx, tc, argv, tc.BorgEnv(repair), true)
	if err != nil {
		return err
	}
	if err := exitError("borg check", res.exit); err != nil {
		return err
	}

	tc.EmitLine("Check passed ("+params.CheckType+")", streamMeta)
	return nil
}
