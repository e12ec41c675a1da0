package policy

import (
	"fmt"

	"github.com/ppiankov/shellgate/internal/model"
)

// Result is the risk policy outcome for one command.
type Result struct {
	Decision model.Decision `json:"decision"`
	Reason   string         `json:"reason"`
	PolicyID string         `json:"policy_id"`
	// Phrase is set when confirmation requires typing "yes" in full.
	Phrase bool `json:"phrase,omitempty"`
	// Grantable is set when a session grant may satisfy the confirmation.
	Grantable bool `json:"grantable,omitempty"`
}

// Evaluate applies the risk policy to an already classified command.
//
// Evaluation order (must not be changed):
//  1. Denied risk: hard block
//  2. Configured rules: first match wins; allow never covers Privileged
//  3. ReadOnly / BuildTest: auto-approve when enabled
//  4. Privileged: confirmation with the typed phrase
//  5. Everything else: confirmation, satisfiable by a session grant
func Evaluate(command string, risk model.RiskLevel, cfg *Config) Result {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if risk >= model.Denied {
		return Result{
			Decision: model.Deny,
			Reason:   "command is on the deny list",
			PolicyID: "risk.denied",
		}
	}

	for i, rule := range cfg.Rules {
		if !matchRule(rule, command) {
			continue
		}
		decision := parseDecision(rule.Decision)
		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("rule %q requires %s", rule.Pattern, decision)
		}
		id := rulePolicyID(i, rule)
		switch {
		case decision == model.Allow && risk > model.Network:
			return Result{
				Decision: model.RequireApproval,
				Reason:   fmt.Sprintf("%s; %s commands always need confirmation", reason, risk.Label()),
				PolicyID: id,
				Phrase:   cfg.RequireYesForPrivileged,
			}
		case decision == model.RequireApproval:
			return Result{
				Decision: decision,
				Reason:   reason,
				PolicyID: id,
				Phrase:   risk == model.Privileged && cfg.RequireYesForPrivileged,
			}
		default:
			return Result{Decision: decision, Reason: reason, PolicyID: id}
		}
	}

	switch {
	case risk <= model.BuildTest && cfg.AutoApproveReadOnly:
		return Result{
			Decision: model.Allow,
			Reason:   fmt.Sprintf("%s commands are auto-approved", risk.Label()),
			PolicyID: "risk." + risk.String(),
		}
	case risk == model.Privileged:
		return Result{
			Decision: model.RequireApproval,
			Reason:   "privileged commands need explicit confirmation",
			PolicyID: "risk.privileged",
			Phrase:   cfg.RequireYesForPrivileged,
		}
	default:
		return Result{
			Decision:  model.RequireApproval,
			Reason:    fmt.Sprintf("%s commands need confirmation", risk.Label()),
			PolicyID:  "risk." + risk.String(),
			Grantable: true,
		}
	}
}
