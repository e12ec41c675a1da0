// Package cmdguard runs approved commands outside the PTY, for batch mode.
package cmdguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ppiankov/shellgate/internal/depth"
)

// DefaultMaxOutput caps captured output per command.
const DefaultMaxOutput = 100_000

// Isolator applies a sandbox to a command before it starts.
type Isolator interface {
	Wrap(cmd *exec.Cmd) error
}

// NoIsolation runs commands as they are.
type NoIsolation struct{}

// Wrap implements Isolator.
func (NoIsolation) Wrap(*exec.Cmd) error { return nil }

// Checker is the last line of defence before exec: it reports commands
// that must never run.
type Checker interface {
	IsBlocked(cmd string) (bool, string)
}

// BlockedError is returned when the checker refuses a command.
type BlockedError struct {
	Command string
	Reason  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("command blocked: %s", e.Reason)
}

// Result captures a finished command.
type Result struct {
	Command   string        `json:"command"`
	Output    string        `json:"output"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
	Redacted  int           `json:"redacted,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
}

// Runner executes commands with sh -c.
type Runner struct {
	Shell     string
	Isolator  Isolator
	Checker   Checker
	Timeout   time.Duration
	MaxOutput int
	Dir       string
	// Env defaults to the process environment. Credentials are stripped
	// and the depth counter is incremented either way.
	Env []string
}

// Run executes command and returns its combined output and exit code. A
// non-zero exit is not an error; errors mean the command could not run.
func (r *Runner) Run(ctx context.Context, command string) (*Result, error) {
	if r.Checker != nil {
		if blocked, reason := r.Checker.IsBlocked(command); blocked {
			return nil, &BlockedError{Command: command, Reason: reason}
		}
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	env := r.Env
	if env == nil {
		env = os.Environ()
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = r.Dir
	cmd.Env = depth.ChildEnv(sanitizeEnv(env))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group so pipelines do not outlive a timeout.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	out := &cappedBuffer{limit: limit}
	cmd.Stdout = out
	cmd.Stderr = out

	iso := r.Isolator
	if iso == nil {
		iso = NoIsolation{}
	}
	if err := iso.Wrap(cmd); err != nil {
		return nil, fmt.Errorf("apply isolation: %w", err)
	}

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Command:   command,
		Duration:  time.Since(start),
		Truncated: out.truncated,
	}
	res.Output, res.Redacted = ScanOutputFull(out.buf.String())

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if ctx.Err() != nil {
				res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
				res.ExitCode = -1
				return res, nil
			}
			return nil, fmt.Errorf("run command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			res.ExitCode = status.ExitStatus()
			if status.Signaled() {
				res.ExitCode = 128 + int(status.Signal())
			}
		}
		if ctx.Err() != nil {
			res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		}
	}
	return res, nil
}

// cappedBuffer keeps the first limit bytes and discards the rest while
// still reporting full writes so the child never sees EPIPE.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}
