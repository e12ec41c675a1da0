// Package ptysession runs the user's shell on a pseudo-terminal and owns
// both ends of it.
package ptysession

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/ppiankov/shellgate/internal/depth"
	"github.com/ppiankov/shellgate/internal/lifecycle"
)

const (
	readBufferSize = 4096
	defaultTerm    = "xterm-256color"
	ctrlC          = 0x03
)

// Config describes the shell to spawn.
type Config struct {
	Shell string   // defaults to $SHELL, then /bin/sh
	Args  []string // extra arguments for the shell
	Env   []string // defaults to os.Environ()
	Dir   string
	Rows  uint16
	Cols  uint16
	// Integration sources the lifecycle hook script after spawn when the
	// shell is bash, zsh or fish.
	Integration bool
}

// SpawnError means the child shell could not be started. No session exists.
type SpawnError struct {
	Shell string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Shell, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Session is a running shell attached to a PTY.
type Session struct {
	shell      string
	kind       lifecycle.ShellKind
	integrated bool
	ptmx       *os.File
	cmd        *exec.Cmd
	scriptPath string

	output chan []byte
	done   chan struct{}
	closed chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex
	exitCode  int
}

// DefaultShell returns $SHELL or /bin/sh.
func DefaultShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// Spawn starts the shell. On failure nothing is left running.
func Spawn(cfg Config) (*Session, error) {
	shell := cfg.Shell
	if shell == "" {
		shell = DefaultShell()
	}
	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 || cols == 0 {
		rows, cols = 24, 80
	}

	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}
	env = withDefaultTerm(depth.ChildEnv(env))

	cmd := exec.Command(shell, cfg.Args...)
	cmd.Env = env
	cmd.Dir = cfg.Dir

	s := &Session{
		shell:  shell,
		kind:   lifecycle.DetectShell(shell),
		cmd:    cmd,
		output: make(chan []byte, 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}

	var script string
	if cfg.Integration {
		if text, ok := lifecycle.Script(s.kind); ok {
			path, err := writeScript(text)
			if err != nil {
				return nil, &SpawnError{Shell: shell, Err: err}
			}
			s.scriptPath = path
			script = path
		}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		s.removeScript()
		return nil, &SpawnError{Shell: shell, Err: err}
	}
	s.ptmx = ptmx

	go s.readLoop()
	go s.waitLoop()

	if script != "" {
		// The leading space keeps the line out of shell history.
		if err := s.Write([]byte(" source " + script + "\n")); err != nil {
			s.Close()
			return nil, &SpawnError{Shell: shell, Err: fmt.Errorf("source integration: %w", err)}
		}
		s.integrated = true
	}
	return s, nil
}

func withDefaultTerm(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") && kv != "TERM=" {
			return env
		}
	}
	return append(env, "TERM="+defaultTerm)
}

func writeScript(text string) (string, error) {
	f, err := os.CreateTemp("", "shellgate-integration-*")
	if err != nil {
		return "", fmt.Errorf("create integration script: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write integration script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write integration script: %w", err)
	}
	return f.Name(), nil
}

func (s *Session) readLoop() {
	defer close(s.output)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.output <- chunk:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			// EIO is how Linux reports that the child side hung up.
			return
		}
	}
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	s.exitCode = exitCodeOf(err)
	close(s.done)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

// Shell returns the shell path.
func (s *Session) Shell() string { return s.shell }

// Kind returns the detected shell family.
func (s *Session) Kind() lifecycle.ShellKind { return s.kind }

// Integrated reports whether the hook script was sourced.
func (s *Session) Integrated() bool { return s.integrated }

// Write forwards raw bytes to the shell's input.
func (s *Session) Write(p []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.ptmx.Write(p)
	return err
}

// Interrupt types Ctrl-C into the terminal. The line discipline turns it
// into SIGINT for the foreground process group.
func (s *Session) Interrupt() error {
	return s.Write([]byte{ctrlC})
}

// Resize changes the terminal size seen by the child.
func (s *Session) Resize(rows, cols uint16) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Output delivers output chunks in arrival order. It is closed at EOF.
func (s *Session) Output() <-chan []byte { return s.output }

// Done is closed when the child exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode is the child's exit status. Valid after Done is closed.
func (s *Session) ExitCode() int {
	<-s.done
	return s.exitCode
}

// Pid returns the shell's process id.
func (s *Session) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Cwd reads the shell's working directory from the OS. It is the fallback
// for shells that do not report directory changes themselves.
func (s *Session) Cwd() (string, error) {
	pid := s.Pid()
	if pid == 0 {
		return "", ErrClosed
	}
	return os.Readlink(filepath.Join("/proc", strconv.Itoa(pid), "cwd"))
}

// Close releases the terminal, kills the child if still running and removes
// the integration script. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.ptmx != nil {
			err = s.ptmx.Close()
		}
		select {
		case <-s.done:
		default:
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
		}
		s.removeScript()
	})
	return err
}

func (s *Session) removeScript() {
	if s.scriptPath != "" {
		os.Remove(s.scriptPath)
	}
}
