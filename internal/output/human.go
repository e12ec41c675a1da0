package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ppiankov/shellgate/internal/model"
)

const (
	red    = "\033[0;31m"
	green  = "\033[0;32m"
	cyan   = "\033[0;36m"
	yellow = "\033[1;33m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	reset  = "\033[0m"
)

// HumanOptions tunes the text renderer.
type HumanOptions struct {
	Color bool
	// CRLF ends lines with \r\n, needed while the terminal is in raw mode.
	CRLF  bool
	Depth int
	Width int
}

// Human renders coloured progress lines prefixed with [shellgate].
type Human struct {
	mu   sync.Mutex
	w    io.Writer
	opts HumanOptions
}

// NewHuman creates a text renderer.
func NewHuman(w io.Writer, opts HumanOptions) *Human {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	return &Human{w: w, opts: opts}
}

// SetCRLF switches line endings when the terminal enters or leaves raw mode.
func (h *Human) SetCRLF(on bool) {
	h.mu.Lock()
	h.opts.CRLF = on
	h.mu.Unlock()
}

func (h *Human) prefix() string {
	p := "[shellgate]"
	if h.opts.Depth > 0 {
		p = fmt.Sprintf("[shellgate:d%d]", h.opts.Depth)
	}
	return h.paint(dim+cyan, p)
}

func (h *Human) paint(color, s string) string {
	if !h.opts.Color {
		return s
	}
	return color + s + reset
}

func (h *Human) line(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	nl := "\n"
	if h.opts.CRLF {
		nl = "\r\n"
	}
	msg := fmt.Sprintf(format, args...)
	if h.opts.CRLF {
		msg = strings.ReplaceAll(msg, "\n", "\r\n")
	}
	fmt.Fprintf(h.w, "%s %s%s", h.prefix(), msg, nl)
}

func (h *Human) truncate(s string) string {
	limit := h.opts.Width - len("[shellgate] ") - 16
	if limit <= 3 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}

func (h *Human) riskColor(r model.RiskLevel) string {
	switch {
	case r >= model.Privileged:
		return red
	case r >= model.Write:
		return yellow
	}
	return green
}

// Start implements Emitter.
func (h *Human) Start(instruction string) {
	summary := instruction
	if utf8.RuneCountInString(summary) > 60 {
		summary = string([]rune(summary)[:60]) + "..."
	}
	h.line("%s %q", h.paint(cyan, "---"), summary)
}

// Thinking implements Emitter.
func (h *Human) Thinking(turn int) {
	h.line("%s", h.paint(dim, fmt.Sprintf("(%d) thinking...", turn+1)))
}

// Text implements Emitter.
func (h *Human) Text(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	h.line("%s", text)
}

// Plan implements Emitter.
func (h *Human) Plan(turn int, cmds []model.ProposedCommand) {
	h.line("%s", h.paint(bold, fmt.Sprintf("plan (turn %d, %d step(s)):", turn+1, len(cmds))))
	for i, c := range cmds {
		label := h.paint(h.riskColor(c.Risk), "["+c.Risk.Label()+"]")
		h.line("  %d. %s %s", i+1, label, h.truncate(c.Command))
		if c.Rationale != "" {
			h.line("     %s", h.paint(dim, c.Rationale))
		}
		for _, w := range c.Warnings {
			h.line("     %s", h.paint(yellow, "! "+w))
		}
	}
}

// ApprovalRequest implements Emitter. The prompt is written without a line
// ending so the answer is typed on the same line.
func (h *Human) ApprovalRequest(cmd model.ProposedCommand, prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.w, "%s %s", h.prefix(), h.paint(h.riskColor(cmd.Risk), prompt))
}

// Step implements Emitter.
func (h *Human) Step(index int, command string) {
	h.line("%s", h.paint(dim, fmt.Sprintf("(%d) $ %s", index+1, h.truncate(command))))
}

// Output implements Emitter. Interactive output already reached the
// terminal through the shell, so only batch callers pass text here.
func (h *Human) Output(_ string, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opts.CRLF {
		text = strings.ReplaceAll(text, "\n", "\r\n")
		fmt.Fprintf(h.w, "%s\r\n", text)
		return
	}
	fmt.Fprintf(h.w, "%s\n", text)
}

// StepComplete implements Emitter.
func (h *Human) StepComplete(command string, exitCode int, status string) {
	if exitCode == 0 && status == "succeeded" {
		h.line("%s %s", h.paint(green, "ok"), h.truncate(command))
		return
	}
	h.line("%s %s (exit %d)", h.paint(red, status), h.truncate(command), exitCode)
}

// Denied implements Emitter.
func (h *Human) Denied(command, reason string) {
	h.line("%s", h.paint(red, fmt.Sprintf("DENIED: %s (%s)", h.truncate(command), reason)))
}

// Steer implements Emitter.
func (h *Human) Steer(text string) {
	h.line("%s %s", h.paint(cyan, "steer:"), text)
}

// Info implements Emitter.
func (h *Human) Info(msg string) {
	h.line("%s", msg)
}

// Error implements Emitter.
func (h *Human) Error(msg string) {
	h.line("%s", h.paint(red, "error: "+msg))
}

// Done implements Emitter.
func (h *Human) Done(s Summary) {
	msg := fmt.Sprintf("done (%d turn(s), %d ran, %d failed, %d skipped, %d denied)",
		s.Turns, s.Ran, s.Failed, s.Skipped, s.Denied)
	if s.Incomplete {
		msg = fmt.Sprintf("stopped: %s (%d turn(s), %d ran, %d failed, %d skipped, %d denied)",
			s.Reason, s.Turns, s.Ran, s.Failed, s.Skipped, s.Denied)
		h.line("%s %s", h.paint(cyan, "---"), h.paint(yellow, msg))
		return
	}
	h.line("%s %s", h.paint(cyan, "---"), h.paint(dim, msg))
}

var _ Emitter = (*Human)(nil)
