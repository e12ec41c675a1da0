package cli

import (
	"errors"
	"strconv"

	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/config"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFatal       = 1
	exitPolicyBlock = 77 // a command was refused by policy
	exitConfig      = 78 // EX_CONFIG
)

// exitError carries a process exit code. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exit status " + strconv.Itoa(e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	case errors.Is(err, approval.ErrPolicyDenied):
		return exitPolicyBlock
	}
	return exitFatal
}
