package proc

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

// Stream identifies which output stream a line arrived on.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// ExitResult is the outcome of a monitored child process.
type ExitResult struct {
	// Code is the process exit code; KilledExitCode when terminated by signal.
	Code int
	// StdoutBytes and StderrBytes count raw bytes read per stream.
	StdoutBytes int64
	StderrBytes int64
	// Duration covers spawn to reap.
	Duration time.Duration
	// Err is set when monitoring itself failed, not for non-zero exits.
	Err error
}

// Sink receives output while a child runs. Line is called for every
// complete line. Progress, when set, receives carriage-return separated
// updates that never formed a full line (terminal-style progress output);
// when nil those updates are discarded.
type Sink struct {
	Line     func(line string, stream Stream)
	Progress func(update string, stream Stream)
}

// Monitor pumps both output streams line by line into sink and blocks until
// the child exits. Lines from the two streams may interleave; order within
// one stream is preserved. A trailing partial line before EOF is emitted as
// a final line. If a pump fails the child is killed and Err is set.
// Monitor must be called exactly once per handle.
func (e *Executor) Monitor(h *Handle, sink Sink) ExitResult {
	var wg sync.WaitGroup
	var once sync.Once
	var pumpErr error

	for _, p := range []*pump{h.stdout, h.stderr} {
		wg.Add(1)
		go func(p *pump) {
			defer wg.Done()
			if err := p.run(sink); err != nil {
				once.Do(func() {
					pumpErr = err
					h.cmd.Process.Kill()
				})
			}
		}(p)
	}
	wg.Wait()

	waitErr := h.cmd.Wait()

	result := ExitResult{
		Code:        h.cmd.ProcessState.ExitCode(),
		StdoutBytes: h.stdout.bytes,
		StderrBytes: h.stderr.bytes,
		Duration:    time.Since(h.started),
	}
	if pumpErr != nil {
		result.Err = pumpErr
		result.Code = KilledExitCode
	} else if waitErr != nil {
		// Non-zero exits arrive as *exec.ExitError and are represented by
		// Code alone; anything else is a monitoring failure.
		if _, isExit := waitErr.(interface{ ExitCode() int }); !isExit {
			result.Err = waitErr
		}
	}

	h.result = result
	close(h.done)

	e.logger.Debugw("Child process exited",
		"command", h.argv[0],
		"pid", h.PID(),
		"exit_code", result.Code,
		"duration_ms", result.Duration.Milliseconds(),
	)

	return result
}

// Result returns the exit result once Monitor has finished. The boolean is
// false while the child is still being monitored.
func (h *Handle) Result() (ExitResult, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return ExitResult{}, false
	}
}

// pump reads one stream and splits it into lines.
type pump struct {
	r      io.Reader
	stream Stream
	bytes  int64
}

func newPump(r io.Reader, stream Stream) *pump {
	return &pump{r: r, stream: stream}
}

// run consumes the stream until EOF. Complete lines go to sink.Line with
// the terminator stripped. Carriage-return separated chunks inside an
// unterminated line go to sink.Progress. The final unterminated remainder
// is emitted as a last line.
func (p *pump) run(sink Sink) error {
	reader := bufio.NewReader(p.r)
	for {
		chunk, err := reader.ReadString('\n')
		p.bytes += int64(len(chunk))

		if strings.HasSuffix(chunk, "\n") {
			line := strings.TrimSuffix(chunk, "\n")
			line = strings.TrimSuffix(line, "\r")
			p.emit(line, sink)
		} else if chunk != "" {
			// EOF with a trailing partial line
			p.emit(strings.TrimSuffix(chunk, "\r"), sink)
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Pipe closed by a forced kill is a normal end of stream
			if errorsIsClosed(err) {
				return nil
			}
			return err
		}
	}
}

// emit splits carriage-return progress updates off a line before delivery.
func (p *pump) emit(line string, sink Sink) {
	if !strings.Contains(line, "\r") {
		if sink.Line != nil {
			sink.Line(line, p.stream)
		}
		return
	}

	parts := strings.Split(line, "\r")
	// Every part but the last is a progress snapshot that was overwritten
	for _, update := range parts[:len(parts)-1] {
		if sink.Progress != nil && update != "" {
			sink.Progress(update, p.stream)
		}
	}
	if sink.Line != nil {
		sink.Line(parts[len(parts)-1], p.stream)
	}
}

func errorsIsClosed(err error) bool {
	return err == io.ErrClosedPipe ||
		strings.Contains(err.Error(), "file already closed") ||
		strings.Contains(err.Error(), "closed pipe")
}
