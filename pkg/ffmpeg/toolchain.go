package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

const maxStderrLines = 20

// CommandFunc builds the process for one invocation. Tests swap it to run a
// fake encoder.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Toolchain locates the encoder binaries and runs them.
type Toolchain struct {
	FFmpeg  string
	FFprobe string
	Command CommandFunc
}

// New returns a toolchain for the given binaries; empty names fall back to PATH lookups.
func New(ffmpegPath, ffprobePath string) *Toolchain {
	ffmpegPath = strings.TrimSpace(ffmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath = strings.TrimSpace(ffprobePath)
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Toolchain{
		FFmpeg:  ffmpegPath,
		FFprobe: ffprobePath,
		Command: exec.CommandContext,
	}
}

func (t *Toolchain) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if t.Command != nil {
		return t.Command(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...)
}

// ExitError reports a failed encoder run with the last stderr lines.
type ExitError struct {
	Binary string
	Tail   []string
	Err    error
}

func (e *ExitError) Error() string {
	tail := strings.Join(e.Tail, " | ")
	if tail == "" {
		return fmt.Sprintf("%s: %v", e.Binary, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Binary, e.Err, tail)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// TailOf returns the captured stderr lines of an ExitError in err's chain.
func TailOf(err error) []string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Tail
	}
	return nil
}

// stderrTail keeps the most recent stderr lines of a running process.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func (s *stderrTail) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.mu.Lock()
		s.lines = append(s.lines, line)
		if len(s.lines) > maxStderrLines {
			s.lines = s.lines[1:]
		}
		s.mu.Unlock()
	}
}

func (s *stderrTail) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// run starts the binary, hands its stdout to consume and waits for exit.
// Context cancellation wins over the exit status so callers can tell a
// cancelled job from a failed one.
func (t *Toolchain) run(ctx context.Context, binary string, args []string, consume func(io.Reader) error) error {
	cmd := t.command(ctx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &ExitError{Binary: binary, Err: err}
	}

	tail := &stderrTail{}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		tail.consume(stderr)
	}()

	consumeErr := consume(stdout)
	if consumeErr != nil {
		// Drain so the process is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	<-stderrDone

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		return &ExitError{Binary: binary, Tail: tail.snapshot(), Err: waitErr}
	}
	if consumeErr != nil {
		return consumeErr
	}
	return nil
}

// Run executes ffmpeg with args and feeds each stdout line to onLine.
func (t *Toolchain) Run(ctx context.Context, args []string, onLine func(string)) error {
	return t.run(ctx, t.FFmpeg, args, func(r io.Reader) error {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
		return scanner.Err()
	})
}
