// Package proc spawns and supervises external child processes. It streams
// stdout and stderr line by line, reaps exit codes, and offers graduated
// termination (soft signal, grace window, forceful kill). It never retries.
package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/borgitory/borgitory/errors"
)

// KilledExitCode is reported when a child was terminated by a signal
// rather than exiting on its own.
const KilledExitCode = -1

// defaultWaitDelay bounds how long a context-cancelled child may linger
// between the soft signal and the forced kill.
const defaultWaitDelay = 5 * time.Second

// Handle tracks one spawned child process from start to reap.
type Handle struct {
	cmd    *exec.Cmd
	argv   []string
	stdout *pump
	stderr *pump

	// done closes once Monitor has reaped the process and stored result.
	done   chan struct{}
	result ExitResult

	started time.Time
}

// PID returns the OS process id of the child.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Command returns the argv the child was spawned with.
func (h *Handle) Command() []string {
	return h.argv
}

// Executor spawns child processes with merged environments and supervises
// their lifecycle.
type Executor struct {
	logger *zap.SugaredLogger
}

// NewExecutor creates a process executor. A nil logger disables logging.
func NewExecutor(logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{logger: logger}
}

// Spawn starts argv[0] with the given arguments. The env map is overlaid on
// the parent environment. dir, when non-empty, becomes the working
// directory. Cancelling ctx sends the soft signal and force-kills after a
// short delay. Missing binaries and permission failures surface as
// errors.ErrSpawn.
func (e *Executor) Spawn(ctx context.Context, argv []string, env map[string]string, dir string) (*Handle, error) {
	if len(argv) == 0 {
		return nil, errors.Mark(errors.New("empty command"), errors.ErrSpawn)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	cmd.Env = os.Environ()
	for key, value := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	// Soft signal on context cancellation, forced kill after the delay
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = defaultWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "failed to start %s", argv[0]),
			errors.ErrSpawn,
		)
	}

	h := &Handle{
		cmd:     cmd,
		argv:    argv,
		stdout:  newPump(stdout, StreamStdout),
		stderr:  newPump(stderr, StreamStderr),
		done:    make(chan struct{}),
		started: time.Now(),
	}

	e.logger.Debugw("Spawned child process",
		"command", argv[0],
		"pid", h.PID(),
	)

	return h, nil
}

// Terminate sends the soft termination signal, waits up to grace for the
// process to be reaped, then forcefully kills it. Returns true when the
// process exited within the grace window (or had already exited), false
// when the forceful kill was required.
func (e *Executor) Terminate(h *Handle, grace time.Duration) bool {
	select {
	case <-h.done:
		return true
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return true
		}
		// Signal delivery failed, go straight to the hard kill
		e.logger.Warnw("Soft termination signal failed",
			"pid", h.PID(),
			"error", err,
		)
		h.cmd.Process.Kill()
		return false
	}

	select {
	case <-h.done:
		return true
	case <-time.After(grace):
	}

	e.logger.Warnw("Child did not exit within grace, killing",
		"pid", h.PID(),
		"grace", grace,
	)
	h.cmd.Process.Kill()
	return false
}
