package redact

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TokenMap is a bidirectional mapping between sensitive values and tokens
// for one session. Safe for concurrent use.
type TokenMap struct {
	mu        sync.RWMutex
	forward   map[string]string // value -> <<TYPE_N>>
	reverse   map[string]string // <<TYPE_N>> -> value
	counters  map[PatternType]int
	SessionID string
	CreatedAt time.Time
}

// NewTokenMap creates an empty map for a session.
func NewTokenMap(sessionID string) *TokenMap {
	return &TokenMap{
		forward:   make(map[string]string),
		reverse:   make(map[string]string),
		counters:  make(map[PatternType]int),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
}

// Token returns the token for value, allocating one on first use. The same
// value always maps to the same token.
func (tm *TokenMap) Token(typ PatternType, value string) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tok, ok := tm.forward[value]; ok {
		return tok
	}
	tm.counters[typ]++
	tok := fmt.Sprintf("<<%s_%d>>", typ, tm.counters[typ])
	tm.forward[value] = tok
	tm.reverse[tok] = value
	return tok
}

// Resolve returns the original value for a token.
func (tm *TokenMap) Resolve(token string) (string, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	v, ok := tm.reverse[token]
	return v, ok
}

// Len returns the number of mappings.
func (tm *TokenMap) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.forward)
}

// pairs returns value/token pairs, longest value first so replacement
// never substitutes inside a longer match.
func (tm *TokenMap) pairs() [][2]string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([][2]string, 0, len(tm.forward))
	for v, tok := range tm.forward {
		out = append(out, [2]string{v, tok})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i][0]) != len(out[j][0]) {
			return len(out[i][0]) > len(out[j][0])
		}
		return out[i][0] < out[j][0]
	})
	return out
}

// Values returns every sensitive value, longest first.
func (tm *TokenMap) Values() []string {
	p := tm.pairs()
	vals := make([]string, len(p))
	for i := range p {
		vals[i] = p[i][0]
	}
	return vals
}

// Tokens returns every token, sorted.
func (tm *TokenMap) Tokens() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	toks := make([]string, 0, len(tm.reverse))
	for t := range tm.reverse {
		toks = append(toks, t)
	}
	sort.Strings(toks)
	return toks
}

// Legend is the system-prompt preamble that tells the model how to treat
// tokens. It never contains the values themselves.
func (tm *TokenMap) Legend() string {
	toks := tm.Tokens()
	if len(toks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Sensitive values in this context are replaced with tokens such as <<PATH_1>> or <<IP_1>>.\n")
	b.WriteString("Use the tokens verbatim in commands; they are substituted before execution. Never guess the real values.\n")
	b.WriteString("Tokens: ")
	b.WriteString(strings.Join(toks, ", "))
	b.WriteString("\n")
	return b.String()
}

type tokenMapJSON struct {
	SessionID string            `json:"session_id"`
	CreatedAt time.Time         `json:"created_at"`
	Mappings  map[string]string `json:"mappings"` // token -> value
}

// MarshalJSON implements json.Marshaler.
func (tm *TokenMap) MarshalJSON() ([]byte, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return json.Marshal(tokenMapJSON{
		SessionID: tm.SessionID,
		CreatedAt: tm.CreatedAt,
		Mappings:  tm.reverse,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Counters are rebuilt so new
// tokens do not collide with restored ones.
func (tm *TokenMap) UnmarshalJSON(data []byte) error {
	var raw tokenMapJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.SessionID = raw.SessionID
	tm.CreatedAt = raw.CreatedAt
	tm.forward = make(map[string]string, len(raw.Mappings))
	tm.reverse = make(map[string]string, len(raw.Mappings))
	tm.counters = make(map[PatternType]int)
	for tok, val := range raw.Mappings {
		tm.forward[val] = tok
		tm.reverse[tok] = val
		if typ, n, ok := parseToken(tok); ok && n > tm.counters[typ] {
			tm.counters[typ] = n
		}
	}
	return nil
}

// parseToken splits "<<PATH_1>>" into PATH and 1.
func parseToken(tok string) (PatternType, int, bool) {
	s, ok := strings.CutPrefix(tok, "<<")
	if !ok {
		return "", 0, false
	}
	s, ok = strings.CutSuffix(s, ">>")
	if !ok {
		return "", 0, false
	}
	idx := strings.LastIndex(s, "_")
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return PatternType(s[:idx]), n, true
}
