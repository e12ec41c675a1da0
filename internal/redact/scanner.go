package redact

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of sensitive data. It becomes the
// token prefix, as in <<PATH_1>>.
type PatternType string

const (
	PatternPath    PatternType = "PATH"
	PatternIP      PatternType = "IP"
	PatternHost    PatternType = "HOST"
	PatternCred    PatternType = "CRED"
	PatternSecret  PatternType = "SECRET"
	PatternEmail   PatternType = "EMAIL"
	PatternUser    PatternType = "USER"
	PatternLiteral PatternType = "LITERAL"
)

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

// rule is one detector. When group is set, only that submatch is the
// sensitive value.
type rule struct {
	typ   PatternType
	re    *regexp.Regexp
	group int
	skip  func(s *Scanner, v string) bool
}

var builtinRules = []rule{
	// Provider keys before the generic credential rule so they keep their
	// own token type.
	{typ: PatternSecret, re: regexp.MustCompile(`\b(?:sk-ant-[A-Za-z0-9_-]{20,}|sk-[A-Za-z0-9_-]{20,}|gsk_[A-Za-z0-9]{20,}|gh[pousr]_[A-Za-z0-9]{30,}|(?:AKIA|ASIA)[A-Z0-9]{16})\b`)},
	{typ: PatternCred, re: regexp.MustCompile(`(?i)(?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*\S+`)},
	{typ: PatternPath, re: regexp.MustCompile(`/(?:home|var|etc|root|usr|tmp|opt|srv|mnt|Users)/\S+`), skip: (*Scanner).safePath},
	{typ: PatternIP, re: regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), skip: (*Scanner).safeIP},
	{typ: PatternEmail, re: regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)},
	{typ: PatternHost, re: regexp.MustCompile(`\b[a-zA-Z0-9][-a-zA-Z0-9]*\.[-a-zA-Z0-9]+\.[a-zA-Z]{2,}\b`), skip: (*Scanner).safeHost},
	// passwd(5) lines: "name:x:uid:gid:".
	{typ: PatternUser, re: regexp.MustCompile(`(?m)^([a-zA-Z_][a-zA-Z0-9_\-]*):x:\d+:\d+:`), group: 1, skip: func(_ *Scanner, v string) bool { return v == "root" }},
	{typ: PatternUser, re: regexp.MustCompile(`~([a-zA-Z_][a-zA-Z0-9_\-]+)`), group: 1},
}

var defaultSafeHosts = []string{
	"example.com", "example.org", "example.net",
	"github.com", "golang.org", "go.dev", "google.com",
	"ubuntu.com", "debian.org", "kernel.org", "python.org", "npmjs.org",
	"stackoverflow.com", "stackexchange.com", "wikipedia.org",
}

var defaultSafeIPs = []string{"127.0.0.1", "0.0.0.0", "255.255.255.255"}

// Scanner finds sensitive values. The zero value is not usable; build one
// with NewScanner.
type Scanner struct {
	rules     []rule
	literals  []string
	safeHosts map[string]bool
	safeIPs   map[string]bool
	safePaths []string
}

// NewScanner builds a scanner from the built-in rules plus cfg, which may
// be nil.
func NewScanner(cfg *Config) (*Scanner, error) {
	extra, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		rules:     append(extra, builtinRules...),
		safeHosts: make(map[string]bool),
		safeIPs:   make(map[string]bool),
	}
	for _, h := range defaultSafeHosts {
		s.safeHosts[h] = true
	}
	for _, ip := range defaultSafeIPs {
		s.safeIPs[ip] = true
	}
	if cfg != nil {
		for _, h := range cfg.SafeHosts {
			s.safeHosts[strings.ToLower(h)] = true
		}
		for _, ip := range cfg.SafeIPs {
			s.safeIPs[ip] = true
		}
		s.safePaths = append(s.safePaths, cfg.SafePaths...)
		for _, l := range cfg.Literals {
			if l != "" {
				s.literals = append(s.literals, l)
			}
		}
	}
	return s, nil
}

var defaultScanner, _ = NewScanner(nil)

// Scan runs the built-in rules over text.
func Scan(text string) []Match {
	return defaultScanner.Scan(text)
}

// Scan returns deduplicated matches sorted by position. Custom patterns
// and literals take precedence over built-in rules for the same value.
func (s *Scanner) Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match

	add := func(typ PatternType, value string, start int) {
		value = strings.TrimRight(value, ".,;:\"'`)}]")
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		matches = append(matches, Match{Type: typ, Value: value, Start: start, End: start + len(value)})
	}

	for _, lit := range s.literals {
		for off := 0; ; {
			i := strings.Index(text[off:], lit)
			if i < 0 {
				break
			}
			add(PatternLiteral, lit, off+i)
			off += i + len(lit)
		}
	}

	for _, r := range s.rules {
		for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
			lo, hi := loc[0], loc[1]
			if r.group > 0 {
				lo, hi = loc[2*r.group], loc[2*r.group+1]
				if lo < 0 {
					continue
				}
			}
			v := text[lo:hi]
			if r.skip != nil && r.skip(s, v) {
				continue
			}
			add(r.typ, v, lo)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}

func (s *Scanner) safeHost(v string) bool {
	lower := strings.ToLower(v)
	if isIPLike(v) {
		return true
	}
	for h := range s.safeHosts {
		if lower == h || strings.HasSuffix(lower, "."+h) {
			return true
		}
	}
	return false
}

func (s *Scanner) safeIP(v string) bool { return s.safeIPs[v] }

func (s *Scanner) safePath(v string) bool {
	for _, p := range s.safePaths {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

// isIPLike reports whether s is only digits and dots.
func isIPLike(s string) bool {
	for _, c := range s {
		if c != '.' && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
