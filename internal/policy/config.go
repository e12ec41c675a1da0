package policy

import (
	"fmt"
	"strings"

	"github.com/ppiankov/shellgate/internal/model"
)

// Rule is an explicit override evaluated in order (first match wins).
// Pattern: *x* for contains, *x for suffix, x* for prefix, exact otherwise.
// Matching is case-insensitive and against the full command text.
type Rule struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Decision string `yaml:"decision" json:"decision"`
	Reason   string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Config holds the risk policy parameters.
type Config struct {
	AutoApproveReadOnly     bool   `yaml:"auto_approve_read_only"`
	RequireYesForPrivileged bool   `yaml:"require_yes_for_privileged"`
	Rules                   []Rule `yaml:"rules"`
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() *Config {
	return &Config{
		AutoApproveReadOnly:     true,
		RequireYesForPrivileged: true,
	}
}

// Validate reports rules with an empty pattern or an unknown decision.
func (c *Config) Validate() error {
	for i, r := range c.Rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("policy rule %d: empty pattern", i+1)
		}
		switch r.Decision {
		case string(model.Allow), string(model.Deny), string(model.RequireApproval):
		default:
			return fmt.Errorf("policy rule %d: unknown decision %q", i+1, r.Decision)
		}
	}
	return nil
}

// matchRule checks if a rule applies to the given command.
func matchRule(rule Rule, command string) bool {
	pattern := strings.TrimSpace(rule.Pattern)
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}

	cmd := strings.ToLower(strings.TrimSpace(command))
	pattern = strings.ToLower(pattern)

	if len(pattern) > 1 && strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") {
		return strings.Contains(cmd, pattern[1:len(pattern)-1])
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(cmd, pattern[1:])
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(cmd, pattern[:len(pattern)-1])
	}
	return cmd == pattern
}

// parseDecision maps a string to a Decision. Fail-closed: unknown → Deny.
func parseDecision(s string) model.Decision {
	switch s {
	case "allow":
		return model.Allow
	case "require_approval":
		return model.RequireApproval
	default:
		return model.Deny
	}
}

// rulePolicyID generates a stable identifier for a rule.
func rulePolicyID(i int, rule Rule) string {
	p := strings.Trim(rule.Pattern, "* ")
	if p == "" {
		p = "all"
	}
	return fmt.Sprintf("rule.%d.%s", i+1, p)
}
