// Package redact tokenises sensitive values in context sent to remote
// backends and restores them in proposed commands.
package redact

import (
	"fmt"
	"strings"
)

// Redactor applies one session's redaction. In local mode every method
// is a pass-through.
type Redactor struct {
	mode    Mode
	scanner *Scanner
	tokens  *TokenMap
}

// New builds a redactor. cfg may be nil.
func New(mode Mode, sessionID string, cfg *Config) (*Redactor, error) {
	sc, err := NewScanner(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact config: %w", err)
	}
	return &Redactor{mode: mode, scanner: sc, tokens: NewTokenMap(sessionID)}, nil
}

// Mode returns the redaction mode.
func (r *Redactor) Mode() Mode { return r.mode }

// Enabled reports whether values are tokenised.
func (r *Redactor) Enabled() bool { return r != nil && r.mode == ModeCloud }

// Tokens exposes the session token map.
func (r *Redactor) Tokens() *TokenMap { return r.tokens }

// Apply tokenises text.
func (r *Redactor) Apply(text string) string {
	if !r.Enabled() {
		return text
	}
	return redactWith(r.scanner, text, r.tokens)
}

// Restore replaces tokens in text with the original values.
func (r *Redactor) Restore(text string) string {
	if !r.Enabled() {
		return text
	}
	return Detoken(text, r.tokens)
}

// Leaks returns redacted values that appear literally in a backend
// response.
func (r *Redactor) Leaks(response string) []string {
	if !r.Enabled() {
		return nil
	}
	return CheckLeaks(response, r.tokens)
}

// Legend returns the token preamble, or "" when nothing was tokenised.
func (r *Redactor) Legend() string {
	if !r.Enabled() {
		return ""
	}
	return r.tokens.Legend()
}

// Redact tokenises text with the built-in rules.
func Redact(text string, tm *TokenMap) string {
	return redactWith(defaultScanner, text, tm)
}

func redactWith(sc *Scanner, text string, tm *TokenMap) string {
	for _, m := range sc.Scan(text) {
		tm.Token(m.Type, m.Value)
	}
	// Values already known from earlier turns are replaced too, even when
	// the scanner no longer recognises them in isolation.
	if tm.Len() == 0 {
		return text
	}
	pairs := tm.pairs()
	args := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		args = append(args, p[0], p[1])
	}
	return strings.NewReplacer(args...).Replace(text)
}

// Detoken replaces every token in text with its value.
func Detoken(text string, tm *TokenMap) string {
	if !strings.Contains(text, "<<") {
		return text
	}
	toks := tm.Tokens()
	args := make([]string, 0, 2*len(toks))
	for _, tok := range toks {
		v, _ := tm.Resolve(tok)
		args = append(args, tok, v)
	}
	return strings.NewReplacer(args...).Replace(text)
}

// CheckLeaks returns the sensitive values that appear literally in
// response.
func CheckLeaks(response string, tm *TokenMap) []string {
	var leaks []string
	for _, v := range tm.Values() {
		if strings.Contains(response, v) {
			leaks = append(leaks, v)
		}
	}
	return leaks
}

// LeakError reports a backend response that echoed redacted values.
type LeakError struct {
	Count int
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("backend response contains %d redacted value(s)", e.Count)
}
