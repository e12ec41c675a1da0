package denylist

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/shellgate/internal/shellparse"
)

// Patterns holds the raw pattern strings organized by category.
type Patterns struct {
	Commands []string `yaml:"commands"` // substring, case-insensitive
	Binaries []string `yaml:"binaries"` // program basename, glob allowed
	Files    []string `yaml:"files"`    // sensitive paths referenced by any argument
}

// Denylist matches commands that must never run, regardless of approval.
// It is safe for concurrent use.
type Denylist struct {
	mu  sync.RWMutex
	raw Patterns
}

// New creates a Denylist from raw patterns.
func New(p Patterns) *Denylist {
	return &Denylist{raw: Patterns{
		Commands: append([]string(nil), p.Commands...),
		Binaries: append([]string(nil), p.Binaries...),
		Files:    append([]string(nil), p.Files...),
	}}
}

// NewDefault creates a Denylist with the hardcoded default patterns.
func NewDefault() *Denylist {
	return New(DefaultPatterns)
}

// DefaultPath returns ~/.shellgate/denylist.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".shellgate", "denylist.yaml")
}

// Load reads a denylist from a YAML file. Falls back to defaults if file doesn't exist.
// Patterns in the file are added to the defaults; the defaults cannot be removed.
func Load(path string) (*Denylist, error) {
	if path == "" {
		path = DefaultPath()
		if path == "" {
			return NewDefault(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil
		}
		return nil, err
	}

	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	d := NewDefault()
	for _, c := range p.Commands {
		d.AddPattern("commands", c)
	}
	for _, b := range p.Binaries {
		d.AddPattern("binaries", b)
	}
	for _, f := range p.Files {
		d.AddPattern("files", f)
	}
	return d, nil
}

// IsBlocked checks a full command line, including every segment of a chain
// and the command wrapped by a privilege escalator. Returns (blocked, reason).
func (d *Denylist) IsBlocked(cmd string) (bool, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if isForkBomb(strings.ToLower(cmd)) {
		return true, "fork bomb detected"
	}

	return d.checkChain(cmd, 0)
}

// maxUnwrap bounds nested escalators ("sudo sudo sudo ...").
const maxUnwrap = 4

func (d *Denylist) checkSegment(text string, depth int) (bool, string) {
	c := shellparse.Parse(text)
	if c.Binary == "" {
		return false, ""
	}

	for _, pattern := range d.raw.Binaries {
		if ok, _ := path.Match(pattern, c.Binary); ok {
			return true, "binary blocked: " + c.Binary
		}
	}

	for _, tok := range c.Tokens {
		for _, pattern := range d.raw.Files {
			if matchFilePattern(tok, pattern) {
				return true, "sensitive file referenced: " + pattern
			}
		}
	}

	if blocked, reason := checkRules(c, strings.ToLower(text)); blocked {
		return true, reason
	}

	if isEscalator(c.Binary) && depth < maxUnwrap {
		inner, flags, ok := c.Unwrap()
		for _, f := range flags {
			if f == "-i" || f == "-s" {
				return true, "interactive root shell"
			}
		}
		if ok {
			ic := shellparse.Parse(inner)
			if ic.Binary == "su" || isShell(ic.Binary) && len(ic.Args) == 0 {
				return true, "interactive root shell"
			}
			if blocked, reason := d.checkChain(inner, depth+1); blocked {
				return true, reason
			}
		}
	}

	if inner, ok := c.XargsCommand(); ok && depth < maxUnwrap {
		if blocked, reason := d.checkChain(inner, depth+1); blocked {
			return true, reason
		}
	}

	// sh -c '<script>' runs its payload as a command line.
	if isShell(c.Binary) && depth < maxUnwrap {
		for i, a := range c.Args {
			if a == "-c" && i+1 < len(c.Args) {
				if blocked, reason := d.checkChain(c.Args[i+1], depth+1); blocked {
					return true, reason
				}
				break
			}
		}
	}
	return false, ""
}

func (d *Denylist) checkChain(cmd string, depth int) (bool, string) {
	for _, pattern := range d.raw.Commands {
		if pattern != "" && strings.Contains(strings.ToLower(cmd), strings.ToLower(pattern)) {
			return true, "command pattern blocked: " + pattern
		}
	}
	segs := shellparse.SplitChain(cmd)
	if isPipeToShell(segs) {
		return true, "pipe-to-shell execution detected"
	}
	for _, seg := range segs {
		if blocked, reason := d.checkSegment(seg.Text, depth); blocked {
			return true, reason
		}
	}
	return false, ""
}

// AddPattern adds a pattern to the denylist at runtime.
func (d *Denylist) AddPattern(category, pattern string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch category {
	case "commands":
		d.raw.Commands = append(d.raw.Commands, pattern)
	case "binaries":
		d.raw.Binaries = append(d.raw.Binaries, pattern)
	case "files":
		d.raw.Files = append(d.raw.Files, pattern)
	}
}

// ToMap returns the raw patterns as a map for serialization.
func (d *Denylist) ToMap() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]any{
		"commands": append([]string(nil), d.raw.Commands...),
		"binaries": append([]string(nil), d.raw.Binaries...),
		"files":    append([]string(nil), d.raw.Files...),
	}
}

// Marshal renders the patterns as YAML, the format Load reads.
func (d *Denylist) Marshal() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return yaml.Marshal(d.raw)
}

// normalizeHome rewrites $HOME, ${HOME} and the literal home directory to ~.
func normalizeHome(tok string) string {
	for _, v := range []string{"${HOME}", "$HOME"} {
		if tok == v || strings.HasPrefix(tok, v+"/") {
			return "~" + tok[len(v):]
		}
	}
	if home, err := os.UserHomeDir(); err == nil && home != "/" {
		if tok == home || strings.HasPrefix(tok, home+"/") {
			return "~" + tok[len(home):]
		}
	}
	return tok
}

func matchFilePattern(tok, pattern string) bool {
	tok = strings.TrimLeft(tok, "<>@")
	if i := strings.IndexByte(tok, '='); i >= 0 && strings.HasPrefix(tok, "-") {
		tok = tok[i+1:]
	}
	if tok == "" {
		return false
	}
	tok = path.Clean(normalizeHome(tok))

	if strings.HasPrefix(pattern, "**/") {
		ok, _ := path.Match(pattern[3:], path.Base(tok))
		return ok
	}
	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		return tok == dir || strings.HasPrefix(tok, dir+"/")
	}
	ok, _ := path.Match(pattern, tok)
	return ok
}

func isEscalator(bin string) bool {
	switch bin {
	case "sudo", "doas", "pkexec", "gksudo", "kdesudo", "run0":
		return true
	}
	return false
}

func isShell(bin string) bool {
	switch bin {
	case "sh", "bash", "zsh", "fish", "dash", "ksh":
		return true
	}
	return false
}

func isDownloader(bin string) bool {
	switch bin {
	case "curl", "wget", "http":
		return true
	}
	return false
}

func isForkBomb(lower string) bool {
	compact := strings.Join(strings.Fields(lower), "")
	return strings.Contains(compact, ":(){:|:&};:") ||
		(strings.Contains(lower, ":|:") && strings.Contains(lower, "};"))
}

// isPipeToShell detects a downloader whose output reaches a shell through a
// pipeline, like "curl ... | sh" or "wget -qO- ... | tee x | bash".
func isPipeToShell(segs []shellparse.Segment) bool {
	downloading := false
	for _, seg := range segs {
		c := shellparse.Parse(seg.Text)
		if isEscalator(c.Binary) {
			if inner, _, ok := c.Unwrap(); ok {
				c = shellparse.Parse(inner)
			}
		}
		if downloading && isShell(c.Binary) {
			return true
		}
		if isDownloader(c.Binary) {
			downloading = true
		}
		if seg.Op != shellparse.OpPipe {
			downloading = false
		}
	}
	return false
}
