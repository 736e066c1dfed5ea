package stage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zerotyping/ingest-pipeline/internal/observability"
)

// DefaultStderrLimit bounds the stderr text kept for error reports.
const DefaultStderrLimit = 64 * 1024

// Runner executes a single stage.
type Runner interface {
	Run(ctx context.Context, spec Spec, onUpdate func(Update)) error
}

// ProcessRunner runs stages as operating system processes.
type ProcessRunner struct {
	logger      *observability.Logger
	stderrLimit int
}

// NewProcessRunner creates a runner. stderrLimit <= 0 selects DefaultStderrLimit.
func NewProcessRunner(logger *observability.Logger, stderrLimit int) *ProcessRunner {
	if logger == nil {
		logger = observability.Nop()
	}
	if stderrLimit <= 0 {
		stderrLimit = DefaultStderrLimit
	}
	return &ProcessRunner{logger: logger, stderrLimit: stderrLimit}
}

// Run starts exactly one process for spec and blocks until it exits.
// Parsed stdout lines are forwarded to onUpdate with percents mapped into the
// stage band; percents never go backwards within one run.
func (r *ProcessRunner) Run(ctx context.Context, spec Spec, onUpdate func(Update)) error {
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}
	log := r.logger.WithStage(spec.Name)

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.WaitDelay = 5 * time.Second

	// Output goes through io.Pipe so that WaitDelay still bounds Wait when a
	// grandchild keeps the descriptors open.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		log.Error().Err(err).Str("command", spec.Command).Msg("Failed to start stage")
		return &SpawnError{Stage: spec.Name, Err: err}
	}

	log.Debug().
		Int("pid", cmd.Process.Pid).
		Str("command", spec.Command).
		Strs("args", spec.Args).
		Msg("Stage started")

	tail := newTailBuffer(r.stderrLimit)

	var g errgroup.Group
	g.Go(func() error {
		return forwardStdout(stdoutR, spec, onUpdate, log)
	})
	g.Go(func() error {
		return eachLine(stderrR, func(line string) {
			log.Debug().Str("stream", "stderr").Str("line", line).Msg("Stage output")
			tail.WriteLine(line)
		})
	})

	waitErr := cmd.Wait()
	stdoutW.Close()
	stderrW.Close()
	readErr := g.Wait()
	elapsed := time.Since(startedAt)

	if waitErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w", spec.Name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			log.Warn().
				Int("exit_code", exitErr.ExitCode()).
				Dur("duration", elapsed).
				Msg("Stage failed")
			return &ExitError{Stage: spec.Name, Code: exitErr.ExitCode(), Stderr: tail.String()}
		}
		return fmt.Errorf("wait for %s: %w", spec.Name, waitErr)
	}
	if readErr != nil && !errors.Is(readErr, io.ErrClosedPipe) {
		return fmt.Errorf("read %s output: %w", spec.Name, readErr)
	}

	log.Debug().Dur("duration", elapsed).Msg("Stage finished")
	return nil
}

func forwardStdout(r io.Reader, spec Spec, onUpdate func(Update), log *observability.Logger) error {
	parser := spec.Parser
	last := spec.Low

	return eachLine(r, func(line string) {
		log.Debug().Str("stream", "stdout").Str("line", line).Msg("Stage output")
		if parser == nil {
			return
		}
		upd, ok := parser(line)
		if !ok {
			return
		}
		if upd.Percent != nil {
			p := spec.Scale(*upd.Percent)
			if p < last {
				p = last
			}
			last = p
			upd.Percent = &p
		}
		onUpdate(upd)
	})
}

// eachLine calls fn for every line read from r, including a final line without
// a trailing newline. Lines of any length are accepted.
func eachLine(r io.Reader, fn func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line != "" {
				fn(line)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
