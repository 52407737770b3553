package tasks

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/jobs"
)

// DefaultShell runs hook commands when a definition names none.
const DefaultShell = "/bin/sh"

// HookExecutor runs user commands before or after the borg tasks of a
// job. The child inherits the process environment plus the injected
// BORGITORY_* context variables and the hook's own overlay.
type HookExecutor struct {
	logger *zap.SugaredLogger
}

func (e *HookExecutor) Kind() jobs.TaskKind { return jobs.TaskHook }

func (e *HookExecutor) Execute(ctx context.Context, job *jobs.Job, task *jobs.Task, index int, tc *jobs.TaskContext) error {
	var params HookDefinition
	if err := decodeParams(task, &params); err != nil {
		return err
	}

	shell := params.Shell
	if shell == "" {
		shell = DefaultShell
	}
	timeout := time.Duration(params.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultHookTimeoutSeconds * time.Second
	}

	env := hookEnv(params, tc)

	// The child gets the declared timeout; process teardown past the
	// deadline is bounded by the executor's wait delay.
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Infow("Hook starting",
		"job_id", tc.JobID, "hook", params.HookName, "shell", shell, "timeout", timeout)

	res, err := runStreaming(runCtx, tc, []string{shell, "-c", params.Command}, env, params.LogOutput)
	if err != nil {
		return err
	}
	return exitError("hook "+params.HookName, res.exit)
}

// hookEnv builds the hook's environment overlay: the job id and hook name,
// every context key uppercased under the BORGITORY_ prefix, then the
// definition's own variables, which win on collision.
func hookEnv(params HookDefinition, tc *jobs.TaskContext) map[string]string {
	env := map[string]string{
		"BORGITORY_JOB_ID":    tc.JobID,
		"BORGITORY_HOOK_NAME": params.HookName,
	}
	for key, value := range tc.Env {
		env["BORGITORY_"+strings.ToUpper(key)] = value
	}
	for key, value := range params.Env {
		env[key] = value
	}
	return env
}
