// Package lifecycle tracks shell prompt/command boundaries from OSC 133
// semantic markers embedded in PTY output.
package lifecycle

import (
	"bytes"
	"net/url"
	"strconv"
)

// MaxParamLen bounds the buffered OSC body. Longer sequences are dropped.
const MaxParamLen = 256

const (
	esc = 0x1b
	bel = 0x07
)

// TerminalState is the shell state as reported by its markers.
type TerminalState int

const (
	Idle TerminalState = iota
	Prompt
	Input
	Executing
)

func (s TerminalState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prompt:
		return "prompt"
	case Input:
		return "input"
	case Executing:
		return "executing"
	}
	return "unknown"
}

// AtPrompt reports whether the shell is between a prompt start and the
// execution of the next command.
func (s TerminalState) AtPrompt() bool {
	return s == Prompt || s == Input
}

// EventKind identifies a lifecycle event.
type EventKind int

const (
	PromptStart  EventKind = iota // 133;A
	InputReady                    // 133;B
	CommandStart                  // 133;C
	CommandEnd                    // 133;D[;code]
	CwdChanged                    // OSC 7
)

func (k EventKind) String() string {
	switch k {
	case PromptStart:
		return "prompt_start"
	case InputReady:
		return "input_ready"
	case CommandStart:
		return "command_start"
	case CommandEnd:
		return "command_end"
	case CwdChanged:
		return "cwd_changed"
	}
	return "unknown"
}

// Event is a recognised marker.
type Event struct {
	Kind     EventKind
	ExitCode int
	HasCode  bool
	Path     string
}

type parseState int

const (
	ground parseState = iota
	escape
	osc
	oscEscape
	oscDiscard
)

// Parser is an incremental byte parser. It never modifies the stream it
// observes; callers pass every chunk to the terminal unchanged. Events depend
// only on the byte sequence, not on how it was split into chunks.
type Parser struct {
	state       parseState
	buf         []byte
	term        TerminalState
	markersSeen bool
	malformed   int
}

// NewParser returns a parser in the ground state with the shell Idle.
func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, 64)}
}

// State returns the current terminal state.
func (p *Parser) State() TerminalState { return p.term }

// MarkersSeen reports whether any OSC 133 marker has been recognised.
func (p *Parser) MarkersSeen() bool { return p.markersSeen }

// Malformed returns the number of dropped malformed sequences.
func (p *Parser) Malformed() int { return p.malformed }

// Feed parses a chunk and returns the events it completed, in order.
func (p *Parser) Feed(data []byte) []Event {
	var events []Event
	for _, b := range data {
		if ev, ok := p.feedByte(b); ok {
			events = append(events, ev)
		}
	}
	return events
}

func (p *Parser) feedByte(b byte) (Event, bool) {
	switch p.state {
	case ground:
		if b == esc {
			p.state = escape
		}
	case escape:
		if b == ']' {
			p.state = osc
			p.buf = p.buf[:0]
		} else if b != esc {
			p.state = ground
		}
	case osc:
		switch b {
		case bel:
			p.state = ground
			return p.dispatch()
		case esc:
			p.state = oscEscape
		default:
			if len(p.buf) >= MaxParamLen {
				p.malformed++
				p.buf = p.buf[:0]
				p.state = oscDiscard
				return Event{}, false
			}
			p.buf = append(p.buf, b)
		}
	case oscEscape:
		// ESC \ is ST. Any other byte terminates the OSC and starts a new
		// escape sequence with that byte.
		ev, ok := p.dispatch()
		switch b {
		case '\\':
			p.state = ground
		case ']':
			p.state = osc
			p.buf = p.buf[:0]
		case esc:
			p.state = escape
		default:
			p.state = ground
		}
		return ev, ok
	case oscDiscard:
		switch b {
		case bel:
			p.state = ground
		case esc:
			p.state = escape
		}
	}
	return Event{}, false
}

func (p *Parser) dispatch() (Event, bool) {
	body := p.buf
	p.buf = p.buf[:0]

	switch {
	case bytes.HasPrefix(body, []byte("133;")):
		return p.dispatch133(body[4:])
	case bytes.HasPrefix(body, []byte("7;")):
		path, ok := parseCwd(string(body[2:]))
		if !ok {
			p.malformed++
			return Event{}, false
		}
		return Event{Kind: CwdChanged, Path: path}, true
	}
	return Event{}, false
}

func (p *Parser) dispatch133(param []byte) (Event, bool) {
	if len(param) == 0 {
		p.malformed++
		return Event{}, false
	}
	// Extra options after the marker letter (e.g. "A;cl=m") are tolerated.
	if len(param) > 1 && param[1] != ';' {
		p.malformed++
		return Event{}, false
	}

	var ev Event
	switch param[0] {
	case 'A':
		ev.Kind = PromptStart
		p.term = Prompt
	case 'B':
		ev.Kind = InputReady
		p.term = Input
	case 'C':
		ev.Kind = CommandStart
		p.term = Executing
	case 'D':
		ev.Kind = CommandEnd
		p.term = Idle
		if len(param) > 2 {
			code := param[2:]
			if i := bytes.IndexByte(code, ';'); i >= 0 {
				code = code[:i]
			}
			if n, err := strconv.Atoi(string(code)); err == nil {
				ev.ExitCode = n
				ev.HasCode = true
			}
		}
	default:
		p.malformed++
		return Event{}, false
	}
	p.markersSeen = true
	return ev, true
}

// parseCwd extracts the path from an OSC 7 "file://host/path" payload.
func parseCwd(s string) (string, bool) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme != "file" || u.Path == "" {
		return "", false
	}
	return u.Path, true
}
