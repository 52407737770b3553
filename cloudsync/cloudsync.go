// Package cloudsync pushes repositories off-site through rclone. Providers
// are a declarative table mapping a provider tag plus a decrypted config
// map onto an rclone remote and environment; the package owns the bounded
// upload slots and rate-limits progress reporting.
package cloudsync

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/borgitory/borgitory/errors"
	"github.com/borgitory/borgitory/proc"
)

// DefaultBinary is the rclone executable resolved from PATH.
const DefaultBinary = "rclone"

// DefaultUploadSlots bounds parallel sync executions.
const DefaultUploadSlots = 3

// DefaultProgressPerSec caps progress events forwarded per second.
const DefaultProgressPerSec = 5

// Sink receives sync output. Line gets every complete output line;
// Progress gets stats updates already rate-limited by the service.
type Sink struct {
	Line     func(line string)
	Progress func(update string)
}

// Options tunes the service. Zero values select the defaults above.
type Options struct {
	Binary         string
	UploadSlots    int
	ProgressPerSec float64
}

// Service executes cloud-sync transfers.
type Service struct {
	binary  string
	exec    *proc.Executor
	slots   chan struct{}
	perSec  float64
	logger  *zap.SugaredLogger
}

// NewService builds the sync service on top of the process executor.
func NewService(opts Options, exec *proc.Executor, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	slots := opts.UploadSlots
	if slots <= 0 {
		slots = DefaultUploadSlots
	}
	perSec := opts.ProgressPerSec
	if perSec <= 0 {
		perSec = DefaultProgressPerSec
	}
	return &Service{
		binary: binary,
		exec:   exec,
		slots:  make(chan struct{}, slots),
		perSec: perSec,
		logger: logger,
	}
}

// Sync copies repoPath to the provider's remote and blocks until the
// transfer ends. It waits for an upload slot first; cancelling the context
// abandons the wait or terminates a running transfer.
func (s *Service) Sync(ctx context.Context, provider string, cfg map[string]string, repoPath string, sink Sink) error {
	if repoPath == "" {
		return errors.NewInvalidRequestError("repository path is empty")
	}
	remote, env, err := Render(provider, cfg)
	if err != nil {
		return err
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "cancelled waiting for an upload slot")
	}
	defer func() { <-s.slots }()

	argv := []string{
		s.binary, "sync", repoPath, remote,
		"--stats", "1s",
		"--stats-one-line",
		"--verbose",
	}

	handle, err := s.exec.Spawn(ctx, argv, env, "")
	if err != nil {
		return errors.Wrapf(err, "failed to start %s", s.binary)
	}
	s.logger.Infow("Cloud sync started",
		"provider", provider, "pid", handle.PID(), "source", repoPath)

	limiter := rate.NewLimiter(rate.Limit(s.perSec), 1)
	result := s.exec.Monitor(handle, proc.Sink{
		Line: func(line string, stream proc.Stream) {
			if isStatsLine(line) {
				if sink.Progress != nil && limiter.Allow() {
					sink.Progress(line)
				}
				return
			}
			if sink.Line != nil {
				sink.Line(line)
			}
		},
		Progress: func(update string, stream proc.Stream) {
			if sink.Progress != nil && limiter.Allow() {
				sink.Progress(update)
			}
		},
	})

	if result.Err != nil {
		return errors.Wrap(result.Err, "sync monitoring failed")
	}
	if result.Code != 0 {
		return errors.Newf("%s exited with code %d", s.binary, result.Code)
	}
	s.logger.Infow("Cloud sync finished",
		"provider", provider, "duration", result.Duration.Round(time.Millisecond))
	return nil
}
