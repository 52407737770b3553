// Package tasks holds the executors behind every task kind, the typed
// task definitions callers build jobs from, and the builder that turns a
// persisted schedule spec into a task list. Executors recover nothing:
// failures surface to the job runner, which applies continue-on-failure.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/borg"
	"github.com/borgitory/borgitory/cloudsync"
	"github.com/borgitory/borgitory/db"
	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/jobs"
	"github.com/borgitory/borgitory/notify"
	"github.com/borgitory/borgitory/proc"
	"github.com/borgitory/borgitory/secrets"
)

// Output stream tags used when emitting lines into a job's buffer.
const (
	streamStdout = "stdout"
	streamStderr = "stderr"
	streamMeta   = "meta"
)

// Dependencies are the services the executors need beyond what every
// TaskContext already carries.
type Dependencies struct {
	Records *db.Records
	Secrets *secrets.Service
	Sync    *cloudsync.Service
	Notify  *notify.Service
	Logger  *zap.SugaredLogger
}

// RegisterAll wires one executor per task kind into the registry. The
// table below is the complete dispatch surface; adding a task kind means
// adding a row here.
func RegisterAll(reg *jobs.ExecutorRegistry, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	for _, executor := range []jobs.TaskExecutor{
		&BackupExecutor{logger: logger},
		&PruneExecutor{logger: logger},
		&CheckExecutor{logger: logger},
		&CloudSyncExecutor{records: deps.Records, secrets: deps.Secrets, sync: deps.Sync, logger: logger},
		&NotificationExecutor{records: deps.Records, secrets: deps.Secrets, notify: deps.Notify, logger: logger},
		&HookExecutor{logger: logger},
		&CommandExecutor{logger: logger},
		&InfoExecutor{logger: logger},
	} {
		reg.Register(executor)
	}
}

// decodeParams unmarshals a task's parameter bag into its typed record.
func decodeParams(task *jobs.Task, into interface{}) error {
	if len(task.Parameters) == 0 {
		return errors.NewInvalidRequestError("task %q has no parameters", task.Name)
	}
	if err := json.Unmarshal(task.Parameters, into); err != nil {
		return errors.Wrapf(err, "task %q parameters are malformed", task.Name)
	}
	return nil
}

// requireRepository guards executors that cannot run system-level.
func requireRepository(tc *jobs.TaskContext) (*db.Repository, error) {
	if tc.Repository == nil {
		return nil, errors.NewInvalidRequestError("task requires a repository")
	}
	return tc.Repository, nil
}

// runResult is the outcome of one streamed child invocation.
type runResult struct {
	exit   proc.ExitResult
	stdout string
}

// runStreaming spawns argv and pumps its output into the task context:
// complete lines reach the output buffer and event subscribers, progress
// updates go through the progress path and stay out of the task's
// persisted output. Borg's --log-json records are unwrapped
// into their message text before emission. Stdout is accumulated for
// summary parsing. Cancelling ctx terminates the child; the executor's
// WaitDelay bounds cleanup.
func runStreaming(ctx context.Context, tc *jobs.TaskContext, argv []string, env map[string]string, emitLines bool) (runResult, error) {
	handle, err := tc.Exec.Spawn(ctx, argv, env, "")
	if err != nil {
		return runResult{}, err
	}

	var stdout strings.Builder
	exit := tc.Exec.Monitor(handle, proc.Sink{
		Line: func(line string, stream proc.Stream) {
			if stream == proc.StreamStdout {
				stdout.WriteString(line)
				stdout.WriteByte('\n')
			}
			if !emitLines {
				return
			}
			// --log-json turns progress into complete JSON lines too;
			// route those through the progress path, not line history.
			if p, ok := borg.ParseProgress(line); ok {
				tc.EmitProgress(formatProgress(p), string(stream))
				return
			}
			text := line
			if msg, ok := borg.ParseLogMessage(line); ok {
				text = msg.Message
			}
			tc.EmitLine(text, string(stream))
		},
		Progress: func(update string, stream proc.Stream) {
			if !emitLines {
				return
			}
			if p, ok := borg.ParseProgress(update); ok {
				update = formatProgress(p)
			}
			tc.EmitProgress(update, string(stream))
		},
	})
	tc.SetExitCode(exit.Code)

	if exit.Err != nil {
		return runResult{exit: exit, stdout: stdout.String()}, errors.Wrap(exit.Err, "output monitoring failed")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return runResult{exit: exit, stdout: stdout.String()}, errors.Mark(errors.New("timeout"), errors.ErrTimeout)
		}
		return runResult{exit: exit, stdout: stdout.String()}, ctxErr
	}
	return runResult{exit: exit, stdout: stdout.String()}, nil
}

func formatProgress(p *borg.ProgressUpdate) string {
	if p.Finished {
		return fmt.Sprintf("%d files, %s original", p.NFiles, formatBytes(p.OriginalSize))
	}
	return fmt.Sprintf("%d files, %s original: %s", p.NFiles, formatBytes(p.OriginalSize), p.Path)
}

// exitError turns a non-zero exit into the task's failure error.
func exitError(program string, exit proc.ExitResult) error {
	if exit.Code == 0 {
		return nil
	}
	return errors.Newf("%s exited with code %d", program, exit.Code)
}
