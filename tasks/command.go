package tasks

import (
	"context"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/jobs"
)

// CommandExecutor runs one raw borg command. It backs both the
// single-command convenience path and external-style invocations that
// need the full job plumbing around a single child process.
type CommandExecutor struct {
	logger *zap.SugaredLogger
}

func (e *CommandExecutor) Kind() jobs.TaskKind { return jobs.TaskCommand }

func (e *CommandExecutor) Execute(ctx context.Context, job *jobs.Job, task *jobs.Task, index int, tc *jobs.TaskContext) error {
	var params CommandDefinition
	if err := decodeParams(task, &params); err != nil {
		return err
	}
	if len(params.Argv) == 0 {
		return errors.NewInvalidRequestError("command task has an empty argv")
	}

	env := tc.BorgEnv(false)
	for key, value := range params.Env {
		env[key] = value
	}

	argv := tc.Borg.RawCommand(params.Argv)
	e.logger.Infow("Borg command starting",
		"job_id", tc.JobID, "subcommand", params.Argv[0])

	res, err := runStreaming(ctx, tc, argv, env, true)
	if err != nil {
		return err
	}
	return exitError("borg "+params.Argv[0], res.exit)
}
