// Package instruction separates natural-language instructions typed at the
// shell prompt from ordinary keystrokes bound for the shell.
package instruction

import (
	"strings"
	"unicode/utf8"
)

// Prefixes that start an instruction line.
const (
	DefaultPrefix  = "#"
	FallbackPrefix = "##" // used when the shell emits no lifecycle markers
	escapeByte     = '\\'
)

const (
	ctrlC     = 0x03
	backspace = 0x08
	ctrlU     = 0x15
	ctrlW     = 0x17
	esc       = 0x1b
	del       = 0x7f
)

// Result is what one chunk of user input turned into.
type Result struct {
	Forward      []byte   // bytes for the shell
	Echo         []byte   // bytes to draw locally for captured text
	Instructions []string // completed instructions, in order
}

type mode int

const (
	passthrough mode = iota
	holding          // bytes at line start that may become a prefix
	capturing
	afterLine // a captured line ended; another prefixed line continues it
)

// Detector is a pure state machine over user keystrokes. It performs no I/O.
type Detector struct {
	prefix    string
	mode      mode
	lineStart bool
	held      []byte
	line      []byte
	lines     []string
	escState  int
	lastCR    bool
}

// New returns a detector using prefix, DefaultPrefix when empty.
func New(prefix string) *Detector {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Detector{prefix: prefix, lineStart: true}
}

// Prefix returns the active prefix.
func (d *Detector) Prefix() string { return d.prefix }

// SetPrefix switches the prefix, e.g. to FallbackPrefix when the shell has
// no lifecycle integration. An in-progress capture is kept.
func (d *Detector) SetPrefix(p string) {
	if p != "" {
		d.prefix = p
	}
}

// Capturing reports whether an instruction is being typed.
func (d *Detector) Capturing() bool {
	return d.mode == capturing || d.mode == afterLine
}

// LineStart marks the beginning of a fresh input line, e.g. on a new prompt.
func (d *Detector) LineStart() {
	if d.mode == passthrough {
		d.lineStart = true
	}
}

// Feed processes one chunk of input. atPrompt tells whether the shell is
// waiting at its prompt; outside of it every byte is forwarded unchanged and
// nothing is ever captured.
func (d *Detector) Feed(data []byte, atPrompt bool) Result {
	var r Result
	for i := 0; i < len(data); i++ {
		d.feedByte(data[i], atPrompt, &r)
	}
	// A paste ends with its chunk; a pending continuation becomes one
	// instruction.
	if d.mode == afterLine {
		d.finish(&r)
	}
	return r
}

func (d *Detector) feedByte(b byte, atPrompt bool, r *Result) {
	switch d.mode {
	case capturing:
		d.captureByte(b, r)
		return
	case afterLine:
		if b == '\n' && d.lastCR {
			d.lastCR = false
			return
		}
		d.lastCR = false
		if b == d.prefix[0] {
			d.mode = holding
			d.held = append(d.held[:0], b)
			d.checkHeld(r)
			return
		}
		d.finish(r)
		d.feedByte(b, atPrompt, r)
		return
	case holding:
		d.held = append(d.held, b)
		d.checkHeld(r)
		return
	}

	if !atPrompt || !d.lineStart {
		d.forward(b, r)
		return
	}
	if b == d.prefix[0] || b == escapeByte {
		d.mode = holding
		d.held = append(d.held[:0], b)
		d.checkHeld(r)
		return
	}
	d.forward(b, r)
}

// checkHeld decides what the held bytes are once they either complete or
// stop matching a prefix (or an escaped prefix).
func (d *Detector) checkHeld(r *Result) {
	held := string(d.held)
	continuing := len(d.lines) > 0

	if held == d.prefix {
		d.held = d.held[:0]
		d.mode = capturing
		d.line = d.line[:0]
		r.Echo = append(r.Echo, d.prefix...)
		return
	}
	if strings.HasPrefix(d.prefix, held) {
		return
	}
	if !continuing && held[0] == escapeByte {
		rest := held[1:]
		if rest == d.prefix {
			d.held = d.held[:0]
			d.mode = passthrough
			d.lineStart = false
			r.Forward = append(r.Forward, d.prefix...)
			return
		}
		if strings.HasPrefix(d.prefix, rest) {
			return
		}
	}

	// Not a prefix: replay held bytes as ordinary input.
	bytes := append([]byte(nil), d.held...)
	d.held = d.held[:0]
	d.mode = passthrough
	if continuing {
		d.finish(r)
	}
	for _, b := range bytes {
		d.forward(b, r)
	}
}

func (d *Detector) captureByte(b byte, r *Result) {
	if d.escState > 0 {
		// Swallow cursor keys and other escape sequences while capturing.
		switch {
		case d.escState == 1 && (b == '[' || b == 'O'):
			d.escState = 2
		case d.escState == 2 && (b < 0x40 || b > 0x7e):
		default:
			d.escState = 0
		}
		return
	}

	switch b {
	case '\r', '\n':
		d.lastCR = b == '\r'
		d.lines = append(d.lines, strings.TrimSpace(string(d.line)))
		d.line = d.line[:0]
		d.mode = afterLine
		r.Echo = append(r.Echo, '\r', '\n')
	case ctrlC:
		d.reset()
		r.Echo = append(r.Echo, "^C\r\n"...)
		r.Forward = append(r.Forward, ctrlC)
	case del, backspace:
		if len(d.line) == 0 {
			// Deleting the prefix leaves capture mode.
			for range d.prefix {
				r.Echo = append(r.Echo, "\b \b"...)
			}
			if len(d.lines) > 0 {
				d.mode = afterLine
				return
			}
			d.reset()
			return
		}
		_, size := utf8.DecodeLastRune(d.line)
		d.line = d.line[:len(d.line)-size]
		r.Echo = append(r.Echo, "\b \b"...)
	case ctrlU:
		for n := utf8.RuneCount(d.line); n > 0; n-- {
			r.Echo = append(r.Echo, "\b \b"...)
		}
		d.line = d.line[:0]
	case ctrlW:
		trimmed := strings.TrimRight(string(d.line), " ")
		cut := strings.LastIndexByte(trimmed, ' ') + 1
		for n := utf8.RuneCountInString(string(d.line[cut:])); n > 0; n-- {
			r.Echo = append(r.Echo, "\b \b"...)
		}
		d.line = d.line[:cut]
	case esc:
		d.escState = 1
	default:
		if b < 0x20 {
			return
		}
		d.line = append(d.line, b)
		r.Echo = append(r.Echo, b)
	}
}

func (d *Detector) forward(b byte, r *Result) {
	r.Forward = append(r.Forward, b)
	switch b {
	case '\r', '\n', ctrlC, ctrlU:
		d.lineStart = true
	default:
		d.lineStart = false
	}
}

// finish emits the accumulated lines as one instruction.
func (d *Detector) finish(r *Result) {
	var parts []string
	for _, l := range d.lines {
		if l != "" {
			parts = append(parts, l)
		}
	}
	if len(parts) > 0 {
		r.Instructions = append(r.Instructions, strings.Join(parts, "\n"))
	}
	d.reset()
}

func (d *Detector) reset() {
	d.mode = passthrough
	d.lines = nil
	d.line = d.line[:0]
	d.held = d.held[:0]
	d.escState = 0
	d.lastCR = false
	d.lineStart = true
}
