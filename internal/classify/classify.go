// Package classify assigns a deterministic risk level to shell commands.
// Classification is pure: the same command always yields the same level.
package classify

import (
	"strings"

	"github.com/ppiankov/shellgate/internal/denylist"
	"github.com/ppiankov/shellgate/internal/model"
	"github.com/ppiankov/shellgate/internal/shellparse"
)

// UnknownCommandRisk is the level given to programs not found in any table.
const UnknownCommandRisk = model.Write

// argumentFloor is the minimum level of a command carrying a dangerous flag.
const argumentFloor = model.Destructive

// Classifier classifies commands against a deny set and the built-in tables.
type Classifier struct {
	deny *denylist.Denylist
}

// New returns a classifier backed by deny. A nil deny uses the defaults.
func New(deny *denylist.Denylist) *Classifier {
	if deny == nil {
		deny = denylist.NewDefault()
	}
	return &Classifier{deny: deny}
}

// Result explains a classification.
type Result struct {
	Command   string          `json:"command"`
	Risk      model.RiskLevel `json:"risk"`
	Reason    string          `json:"reason,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	Defaulted bool            `json:"defaulted,omitempty"`
}

// Classify returns the level of a command line: the deny set first, then
// the maximum over every segment of the chain (substitutions included),
// raised by any dangerous argument. It agrees with Propose and Explain.
func (c *Classifier) Classify(cmd string) model.RiskLevel {
	return c.Explain(cmd).Risk
}

// maxXargsDepth bounds nested "xargs xargs ..." unwrapping.
const maxXargsDepth = 4

func (c *Classifier) classifySegment(cmd string) (model.RiskLevel, bool) {
	return c.classifySimple(cmd, 0)
}

// classifySimple classifies one simple command. xargs takes the level of
// the command it runs.
func (c *Classifier) classifySimple(cmd string, depth int) (model.RiskLevel, bool) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return model.ReadOnly, false
	}
	if blocked, _ := c.deny.IsBlocked(cmd); blocked {
		return model.Denied, false
	}

	p := shellparse.Parse(cmd)
	if inner, ok := p.XargsCommand(); ok && depth < maxXargsDepth {
		level, defaulted := c.classifySimple(inner, depth+1)
		if level < model.Write && hasWriteRedirect(cmd) {
			level = model.Write
		}
		return level, defaulted
	}
	level, known := tableLevel(p)
	if !known {
		level = UnknownCommandRisk
	}
	if level < model.Write && hasWriteRedirect(cmd) {
		level = model.Write
	}
	return level, !known
}

func tableLevel(p shellparse.Command) (model.RiskLevel, bool) {
	bin := p.Binary
	switch {
	case bin == "":
		return model.ReadOnly, true
	case privilegeBinaries[bin]:
		return model.Privileged, true
	case networkBinaries[bin] || hasSubcommand(networkSubcommands, p):
		return model.Network, true
	case destructiveBinaries[bin] || hasSubcommand(destructiveSubcommands, p) || isForcedGit(p):
		return model.Destructive, true
	case writeBinaries[bin] || hasSubcommand(writeSubcommands, p) || isSedInPlace(p):
		return model.Write, true
	case buildBinaries[bin] || hasSubcommand(buildSubcommands, p):
		return model.BuildTest, true
	case bin == "git" && readOnlyGit[p.Subcommand()]:
		return model.ReadOnly, true
	case readOnlyBinaries[bin]:
		if bin == "find" && p.HasArg("-exec", "-execdir", "-delete", "-ok", "-okdir") {
			return model.Destructive, true
		}
		return model.ReadOnly, true
	}
	return UnknownCommandRisk, false
}

// hasSubcommand reports whether any argument of p is a listed subcommand of
// its binary. A nil set matches every invocation.
func hasSubcommand(table map[string]map[string]bool, p shellparse.Command) bool {
	subs, ok := table[p.Binary]
	if !ok {
		return false
	}
	if subs == nil {
		return true
	}
	for _, a := range p.Args {
		if subs[a] {
			return true
		}
	}
	return false
}

func isForcedGit(p shellparse.Command) bool {
	return p.Binary == "git" && p.HasArg("--force", "-f", "--force-with-lease")
}

func isSedInPlace(p shellparse.Command) bool {
	if p.Binary != "sed" {
		return false
	}
	for _, a := range p.Args {
		if strings.HasPrefix(a, "-i") || a == "--in-place" || strings.HasPrefix(a, "--in-place=") {
			return true
		}
	}
	return false
}

// hasWriteRedirect reports an unquoted output redirection to a file other
// than /dev/null or another descriptor.
func hasWriteRedirect(cmd string) bool {
	inSingle, inDouble, escaped := false, false, false
	for i := 0; i < len(cmd); i++ {
		ch := cmd[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && !inSingle:
			escaped = true
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case ch == '>' && !inSingle && !inDouble:
			rest := cmd[i+1:]
			rest = strings.TrimPrefix(rest, ">")
			if strings.HasPrefix(rest, "&") || strings.HasPrefix(rest, "(") {
				continue
			}
			target := strings.Fields(rest)
			if len(target) == 0 || target[0] == "/dev/null" || target[0] == "/dev/stdout" || target[0] == "/dev/stderr" {
				continue
			}
			return true
		}
	}
	return false
}

// AnalyzeChain classifies a compound command. The level is the maximum over
// its segments; a downloader piped into a shell is Denied.
func (c *Classifier) AnalyzeChain(cmd string) model.RiskLevel {
	r, _ := c.analyzeChain(cmd)
	return r
}

func (c *Classifier) analyzeChain(cmd string) (model.RiskLevel, bool) {
	if blocked, _ := c.deny.IsBlocked(cmd); blocked {
		return model.Denied, false
	}
	level := model.ReadOnly
	defaulted := false
	for _, seg := range shellparse.SplitChain(cmd) {
		r, d := c.classifySegment(seg.Text)
		if r > level {
			level = r
		}
		defaulted = defaulted || d
	}
	return level, defaulted
}

// ValidateArguments flags arguments that turn an otherwise benign program
// into an arbitrary-execution or exfiltration vector. It returns the floor
// the command must be raised to (ReadOnly when nothing was flagged) and the
// reasons found.
func ValidateArguments(cmd string) (model.RiskLevel, []string) {
	var reasons []string
	for _, seg := range shellparse.SplitChain(cmd) {
		p := shellparse.Parse(seg.Text)
		if reason := dangerousArgument(p); reason != "" {
			reasons = append(reasons, reason)
		}
	}
	if len(reasons) == 0 {
		return model.ReadOnly, nil
	}
	return argumentFloor, reasons
}

func dangerousArgument(p shellparse.Command) string {
	switch p.Binary {
	case "git":
		if p.HasArg("-c") {
			return "git -c can override security settings"
		}
	case "tar":
		for _, a := range p.Args {
			if a == "--checkpoint-action" || strings.HasPrefix(a, "--checkpoint-action=") || strings.HasPrefix(a, "--to-command") {
				return "tar --checkpoint-action can execute arbitrary commands"
			}
		}
	case "curl":
		if p.HasArg("-F", "--form") {
			return "curl -F/--form can exfiltrate files"
		}
	case "find":
		for _, a := range p.Args {
			switch a {
			case "-exec", "-execdir", "-delete", "-ok", "-okdir":
				return "find " + a + " can execute arbitrary commands or delete files"
			}
		}
	case "rsync":
		for _, a := range p.Args {
			if a == "-e" || a == "--rsh" || strings.HasPrefix(a, "--rsh=") {
				return "rsync -e/--rsh can execute arbitrary commands"
			}
		}
	case "xargs":
		if len(p.Args) == 0 {
			return "xargs executes arbitrary commands"
		}
	}
	return ""
}

// Explain classifies cmd and reports why.
func (c *Classifier) Explain(cmd string) Result {
	res := Result{Command: cmd}
	if blocked, reason := c.deny.IsBlocked(cmd); blocked {
		res.Risk = model.Denied
		res.Reason = reason
		return res
	}

	level, defaulted := c.analyzeChain(cmd)
	floor, warnings := ValidateArguments(cmd)
	res.Risk = model.MaxRisk(level, floor)
	res.Warnings = warnings
	res.Defaulted = defaulted
	if defaulted {
		res.Reason = "unrecognised program, treated as " + UnknownCommandRisk.String()
	}
	return res
}

// Propose builds the immutable record of a backend-suggested command.
func (c *Classifier) Propose(cmd, rationale string) model.ProposedCommand {
	res := c.Explain(cmd)
	warnings := res.Warnings
	if res.Risk == model.Denied && res.Reason != "" {
		warnings = append([]string{res.Reason}, warnings...)
	}
	return model.ProposedCommand{
		Command:   cmd,
		Risk:      res.Risk,
		Rationale: rationale,
		Warnings:  warnings,
	}
}
