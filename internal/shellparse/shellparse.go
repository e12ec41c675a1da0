// Package shellparse splits shell command lines into chained segments and
// tokens. It understands quoting well enough for risk analysis and does not
// attempt to be a full POSIX shell parser.
package shellparse

import (
	"path"
	"strings"
	"unicode"
)

// Operator is the control operator that ends a segment.
type Operator string

const (
	OpNone       Operator = ""
	OpPipe       Operator = "|"
	OpOr         Operator = "||"
	OpAnd        Operator = "&&"
	OpSeq        Operator = ";"
	OpBackground Operator = "&"
)

// Segment is one simple command of a chain and the operator following it.
type Segment struct {
	Text string
	Op   Operator
}

// Command is a parsed simple command.
type Command struct {
	Binary string   // basename of the executed program
	Args   []string // arguments after the binary
	Tokens []string // all tokens, wrappers included
}

// wrappers are prefix commands that exec their argument.
var wrappers = map[string]bool{
	"env":     true,
	"nice":    true,
	"time":    true,
	"command": true,
	"builtin": true,
	"nohup":   true,
	"exec":    true,
}

// Tokenize splits cmd on unquoted whitespace. Quotes are removed and a
// backslash outside single quotes escapes the next character.
func Tokenize(cmd string) []string {
	var (
		tokens   []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
		started  bool
	)
	for _, r := range cmd {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
			started = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			started = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			started = true
		case unicode.IsSpace(r) && !inSingle && !inDouble:
			if started {
				tokens = append(tokens, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// SplitChain splits cmd on |, ||, &&, &, ; and newlines outside quotes.
// The bodies of command substitutions ($(...) and backticks) and process
// substitutions (<(...) and >(...)) run as commands of their own; they are
// split recursively and appended after the top-level segments. Empty
// segments are dropped.
func SplitChain(cmd string) []Segment {
	segs, nested := splitTop(cmd)
	for _, body := range nested {
		segs = append(segs, SplitChain(body)...)
	}
	return segs
}

func splitTop(cmd string) (segs []Segment, nested []string) {
	var (
		start    int
		inSingle bool
		inDouble bool
		escaped  bool
	)
	push := func(end int, op Operator) {
		if text := strings.TrimSpace(cmd[start:end]); text != "" {
			segs = append(segs, Segment{Text: text, Op: op})
		} else if len(segs) > 0 && segs[len(segs)-1].Op == OpNone {
			segs[len(segs)-1].Op = op
		}
	}
	next := func(i int) byte {
		if i+1 < len(cmd) {
			return cmd[i+1]
		}
		return 0
	}
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case inSingle:
		case c == '`':
			end := closingBacktick(cmd, i+1)
			nested = append(nested, cmd[i+1:end])
			i = end
		case c == '$' && next(i) == '(':
			end := closingParen(cmd, i+1)
			if i+2 < len(cmd) && cmd[i+2] != '(' {
				nested = append(nested, cmd[i+2:end])
			}
			i = end
		case (c == '<' || c == '>') && next(i) == '(' && !inDouble:
			end := closingParen(cmd, i+1)
			nested = append(nested, cmd[i+2:end])
			i = end
		case c == '"':
			inDouble = !inDouble
		case inDouble:
		case c == '|':
			switch next(i) {
			case '|':
				push(i, OpOr)
				i++
			case '&':
				push(i, OpPipe)
				i++
			default:
				push(i, OpPipe)
			}
			start = i + 1
		case c == '&':
			switch {
			case next(i) == '&':
				push(i, OpAnd)
				i++
				start = i + 1
			case next(i) == '>', i > 0 && (cmd[i-1] == '>' || cmd[i-1] == '<'):
				// Redirection: &>file, 2>&1, <&3.
			default:
				push(i, OpBackground)
				start = i + 1
			}
		case c == ';' || c == '\n':
			push(i, OpSeq)
			start = i + 1
		}
	}
	push(len(cmd), OpNone)
	return segs, nested
}

// closingParen returns the index of the parenthesis closing the one at
// open, or len(s) when it is unterminated.
func closingParen(s string, open int) int {
	depth := 0
	inSingle, inDouble, escaped := false, false, false
	for i := open; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case inSingle || inDouble:
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(s)
}

func closingBacktick(s string, from int) int {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '`':
			return i
		}
	}
	return len(s)
}

// Parse tokenizes a simple command, skipping wrapper prefixes (env and its
// VAR=value assignments, nice, time, command, builtin) and leading
// assignments, and reports the basename of the program that runs.
func Parse(segment string) Command {
	tokens := Tokenize(segment)
	c := Command{Tokens: tokens}

	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if isAssignment(tok) {
			i++
			continue
		}
		base := path.Base(tok)
		if !wrappers[base] {
			break
		}
		i++
		// Wrapper options such as "nice -n 10" or "env -i".
		for i < len(tokens) && strings.HasPrefix(tokens[i], "-") {
			if base == "nice" && tokens[i] == "-n" {
				i++
			}
			i++
		}
	}
	if i >= len(tokens) {
		return c
	}
	c.Binary = path.Base(tokens[i])
	c.Args = tokens[i+1:]
	return c
}

// HasArg reports whether any argument equals one of names.
func (c Command) HasArg(names ...string) bool {
	for _, a := range c.Args {
		for _, n := range names {
			if a == n {
				return true
			}
		}
	}
	return false
}

// Subcommand returns the first non-flag argument.
func (c Command) Subcommand() string {
	for _, a := range c.Args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

// privilegeFlagsWithValue take a value in sudo/doas style escalators.
var privilegeFlagsWithValue = map[string]bool{
	"-u": true, "-g": true, "-U": true, "-C": true, "-h": true, "-p": true,
	"-r": true, "-t": true, "-D": true, "-R": true,
}

// Unwrap returns the command run by a privilege escalator such as
// "sudo -u root reboot". ok is false when c has no inner command.
func (c Command) Unwrap() (inner string, flags []string, ok bool) {
	return c.unwrapWith(privilegeFlagsWithValue)
}

// xargsFlagsWithValue take a separate value in xargs.
var xargsFlagsWithValue = map[string]bool{
	"-I": true, "-L": true, "-n": true, "-P": true, "-d": true, "-s": true,
	"-E": true, "-a": true, "--arg-file": true, "--delimiter": true,
	"--max-args": true, "--max-procs": true, "--max-lines": true,
	"--max-chars": true, "--eof": true, "--process-slot-var": true,
}

// XargsCommand returns the command xargs runs for each batch of input,
// e.g. "rm -rf" for "xargs -0 -n 10 rm -rf". ok is false when c is not
// xargs or names no command, in which case xargs runs echo.
func (c Command) XargsCommand() (inner string, ok bool) {
	if c.Binary != "xargs" {
		return "", false
	}
	inner, _, ok = c.unwrapWith(xargsFlagsWithValue)
	return inner, ok
}

func (c Command) unwrapWith(valueFlags map[string]bool) (inner string, flags []string, ok bool) {
	i := 0
	for i < len(c.Args) {
		a := c.Args[i]
		if a == "--" {
			i++
			break
		}
		if !strings.HasPrefix(a, "-") {
			break
		}
		flags = append(flags, a)
		if valueFlags[a] {
			i++
		}
		i++
	}
	if i >= len(c.Args) {
		return "", flags, false
	}
	return strings.Join(quoteAll(c.Args[i:]), " "), flags, true
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for _, r := range tok[:eq] {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func quoteAll(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		if t == "" || strings.ContainsAny(t, " \t'\"\\|&;") {
			out[i] = "'" + strings.ReplaceAll(t, "'", `'\''`) + "'"
		} else {
			out[i] = t
		}
	}
	return out
}
