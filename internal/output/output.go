// Package output renders agent progress for people (ANSI text) or for
// programs (one JSON object per line).
package output

import (
	"io"
	"os"

	"golang.org/x/term"

	"github.com/ppiankov/shellgate/internal/model"
)

// Format selects an Emitter implementation.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatHuman Format = "human"
	FormatJSON  Format = "json"
)

// Summary is the progress report printed when a plan ends.
type Summary struct {
	Ran        int    `json:"ran"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Denied     int    `json:"denied"`
	Turns      int    `json:"turns"`
	Incomplete bool   `json:"incomplete,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Emitter receives every user-visible agent event.
type Emitter interface {
	Start(instruction string)
	Thinking(turn int)
	Text(text string)
	Plan(turn int, cmds []model.ProposedCommand)
	ApprovalRequest(cmd model.ProposedCommand, prompt string)
	Step(index int, command string)
	Output(command, text string)
	StepComplete(command string, exitCode int, status string)
	Denied(command, reason string)
	Steer(text string)
	Info(msg string)
	Error(msg string)
	Done(s Summary)
}

// IsTTY reports whether f is an interactive terminal.
func IsTTY(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// TermWidth returns the width of f, or 80 when unknown.
func TermWidth(f *os.File) int {
	if f == nil {
		return 80
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// New picks an emitter. FormatAuto chooses JSON when stdout is not a
// terminal.
func New(format Format, w io.Writer, stdout *os.File, depth int) Emitter {
	switch format {
	case FormatJSON:
		return NewJSON(w)
	case FormatHuman:
		return NewHuman(w, HumanOptions{Color: IsTTY(stdout), Depth: depth, Width: TermWidth(stdout)})
	}
	if !IsTTY(stdout) {
		return NewJSON(w)
	}
	return NewHuman(w, HumanOptions{Color: true, Depth: depth, Width: TermWidth(stdout)})
}

// ParseFormat accepts auto, human, text and json. Unknown values are auto.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	case "human", "text":
		return FormatHuman
	}
	return FormatAuto
}
