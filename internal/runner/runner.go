// Package runner invokes the external algorithm tools and captures their
// output. A tool that exits non-zero yields an *ExecutionError carrying its
// exit code; a tool cut short by the context deadline yields ErrTimeout.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// ErrTimeout is returned when a tool is killed because its context deadline
// passed.
var ErrTimeout = errors.New("timeout")

// ExecutionError reports that a tool ran and exited non-zero.
type ExecutionError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s exited with return code %d -- please check your inputs and contact API developer if issues persist", e.Tool, e.ExitCode)
}

// Command describes one tool invocation.
type Command struct {
	Tool string // human readable name used in error messages
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Result holds what a finished tool wrote.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Exec runs commands with os/exec.
type Exec struct {
	// StderrLimit caps how much stderr is kept on ExecutionError.
	StderrLimit int
	// WaitDelay bounds how long to wait for output pipes after the process
	// is killed.
	WaitDelay time.Duration
}

// Run executes cmd and waits for it to finish.
func (e *Exec) Run(ctx context.Context, cmd Command) (*Result, error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	c.WaitDelay = e.WaitDelay
	if c.WaitDelay == 0 {
		c.WaitDelay = 5 * time.Second
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	slog.Debug("tool finished",
		"tool", cmd.Tool,
		"path", cmd.Path,
		"duration_ms", res.Duration.Milliseconds(),
		"error", err,
	)

	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res, fmt.Errorf("%w: %s did not finish within the task deadline", ErrTimeout, cmd.Tool)
		}
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExecutionError{
			Tool:     cmd.Tool,
			ExitCode: exitErr.ExitCode(),
			Stderr:   tail(stderr.Bytes(), e.stderrLimit()),
		}
	}
	return res, fmt.Errorf("start %s: %w", cmd.Tool, err)
}

func (e *Exec) stderrLimit() int {
	if e.StderrLimit <= 0 {
		return 4096
	}
	return e.StderrLimit
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
