// Package approval decides whether proposed commands may run.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ppiankov/shellgate/internal/audit"
	"github.com/ppiankov/shellgate/internal/judge"
	"github.com/ppiankov/shellgate/internal/model"
	"github.com/ppiankov/shellgate/internal/policy"
)

// Kind is the gate's verdict for one command.
type Kind int

const (
	Approve Kind = iota
	Reject
	NeedConfirm
)

func (k Kind) String() string {
	switch k {
	case Approve:
		return "approve"
	case Reject:
		return "reject"
	case NeedConfirm:
		return "need_confirm"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Verdict is the gate outcome for one proposed command.
type Verdict struct {
	Command  model.ProposedCommand `json:"command"`
	Kind     Kind                  `json:"-"`
	Method   string                `json:"method,omitempty"`
	Reason   string                `json:"reason,omitempty"`
	PolicyID string                `json:"policy_id,omitempty"`
	// Phrase is set when only the full word "yes" confirms.
	Phrase bool `json:"phrase,omitempty"`
}

// Err returns a *DeniedError for rejected verdicts and nil otherwise.
func (v Verdict) Err() error {
	if v.Kind != Reject {
		return nil
	}
	return &DeniedError{Command: v.Command.Command, Risk: v.Command.Risk, Method: v.Method, Reason: v.Reason}
}

// Batch is one turn's proposed plan.
type Batch struct {
	SessionID   string
	Turn        int
	Instruction string
	Cwd         string
	Commands    []model.ProposedCommand
}

// Classifier re-classifies commands rewritten by the hook.
type Classifier interface {
	Propose(cmd, rationale string) model.ProposedCommand
}

// Judge is the optional model-based security check.
type Judge interface {
	Evaluate(ctx context.Context, commands []string, instruction, cwd string) judge.Verdict
	Mode() judge.Mode
}

// Gate is the decision function over deny list, hook, judge, policy and
// session grants. It never executes anything.
type Gate struct {
	mu         sync.RWMutex
	policy     *policy.Config
	classifier Classifier
	grants     *GrantStore
	hook       *Hook
	judge      Judge
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGrants enables session grants.
func WithGrants(s *GrantStore) GateOption { return func(g *Gate) { g.grants = s } }

// WithHook enables the external pre-execution hook. A hook with an empty
// command is ignored.
func WithHook(h *Hook) GateOption {
	return func(g *Gate) {
		if h != nil && strings.TrimSpace(h.Command) != "" {
			g.hook = h
		}
	}
}

// WithJudge enables the security judge.
func WithJudge(j Judge) GateOption { return func(g *Gate) { g.judge = j } }

// WithClassifier sets the classifier used for hook-modified commands.
func WithClassifier(c Classifier) GateOption { return func(g *Gate) { g.classifier = c } }

// NewGate creates a Gate. A nil policy uses the defaults.
func NewGate(cfg *policy.Config, opts ...GateOption) *Gate {
	if cfg == nil {
		cfg = policy.DefaultConfig()
	}
	g := &Gate{policy: cfg}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetPolicy swaps the policy; used on hot reload.
func (g *Gate) SetPolicy(cfg *policy.Config) {
	if cfg == nil {
		cfg = policy.DefaultConfig()
	}
	g.mu.Lock()
	g.policy = cfg
	g.mu.Unlock()
}

// Policy returns the current policy.
func (g *Gate) Policy() *policy.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// Grants returns the grant store, or nil.
func (g *Gate) Grants() *GrantStore { return g.grants }

// Evaluate returns one verdict per command, in order.
//
// Evaluation order (must not be changed):
//  1. Denied risk: reject, nothing else evaluated
//  2. External hook: deny, or modify and re-classify
//  3. Security judge: warn or block, for commands above BuildTest
//  4. Risk policy and session grants
func (g *Gate) Evaluate(ctx context.Context, b Batch) []Verdict {
	cfg := g.Policy()
	out := make([]Verdict, len(b.Commands))

	for i, pc := range b.Commands {
		out[i] = Verdict{Command: pc}
		if pc.Risk >= model.Denied {
			out[i] = reject(pc, audit.MethodDenylist, denyReason(pc))
			continue
		}
		if g.hook != nil {
			out[i] = g.runHook(ctx, b, pc)
		}
	}

	if g.judge != nil {
		g.runJudge(ctx, b, out)
	}

	for i := range out {
		if out[i].Kind == Reject {
			continue
		}
		pc := out[i].Command
		r := policy.Evaluate(pc.Command, pc.Risk, cfg)
		v := Verdict{Command: pc, Reason: r.Reason, PolicyID: r.PolicyID}
		switch r.Decision {
		case model.Deny:
			v.Kind = Reject
			v.Method = audit.MethodPolicyRule
		case model.Allow:
			v.Kind = Approve
			v.Method = audit.MethodAuto
			if strings.HasPrefix(r.PolicyID, "rule.") {
				v.Method = audit.MethodPolicyRule
			}
		default:
			if r.Grantable && g.grants != nil && g.grants.Check(b.SessionID, pc.Risk) {
				v.Kind = Approve
				v.Method = audit.MethodGrant
				v.Reason = "covered by session grant"
			} else {
				v.Kind = NeedConfirm
				v.Phrase = r.Phrase
			}
		}
		out[i] = v
	}
	return out
}

func (g *Gate) runHook(ctx context.Context, b Batch, pc model.ProposedCommand) Verdict {
	resp := g.hook.Run(ctx, HookRequest{
		Command:   pc.Command,
		Risk:      pc.Risk.String(),
		SessionID: b.SessionID,
		Turn:      b.Turn,
	})
	switch resp.Decision {
	case HookDeny:
		reason := resp.Reason
		if reason == "" {
			reason = "denied by hook"
		}
		return reject(pc, audit.MethodHook, reason)
	case HookModify:
		if g.classifier == nil {
			return reject(pc, audit.MethodHook, "hook modified the command but no classifier is configured")
		}
		modified := g.classifier.Propose(resp.Command, pc.Rationale)
		modified = withWarning(modified, fmt.Sprintf("rewritten by hook from %q", pc.Command))
		if modified.Risk >= model.Denied {
			return reject(modified, audit.MethodHook, "modified command is denied: "+denyReason(modified))
		}
		return Verdict{Command: modified}
	}
	return Verdict{Command: pc}
}

func (g *Gate) runJudge(ctx context.Context, b Batch, out []Verdict) {
	var idx []int
	var cmds []string
	for i, v := range out {
		if v.Kind != Reject && v.Command.Risk > model.BuildTest {
			idx = append(idx, i)
			cmds = append(cmds, v.Command.Command)
		}
	}
	if len(idx) == 0 {
		return
	}

	jv := g.judge.Evaluate(ctx, cmds, b.Instruction, b.Cwd)
	var reason string
	switch {
	case jv.Err != nil:
		reason = jv.Err.Error()
	case !jv.Safe:
		reason = jv.Reasoning
	default:
		return
	}

	for _, i := range idx {
		if g.judge.Mode() == judge.ModeBlock {
			out[i] = reject(out[i].Command, audit.MethodJudge, "security judge: "+reason)
			continue
		}
		out[i].Command = withWarning(out[i].Command, "security judge: "+reason)
	}
}

// withWarning copies the warning slice so the caller's record stays intact.
func withWarning(pc model.ProposedCommand, w string) model.ProposedCommand {
	pc.Warnings = append(append([]string(nil), pc.Warnings...), w)
	return pc
}

func reject(pc model.ProposedCommand, method, reason string) Verdict {
	return Verdict{Command: pc, Kind: Reject, Method: method, Reason: reason}
}

func denyReason(pc model.ProposedCommand) string {
	if len(pc.Warnings) > 0 {
		return pc.Warnings[0]
	}
	return "command is on the deny list"
}

// Resolve applies a confirmation answer. Phrase verdicts need "yes";
// others accept "y" or "yes". Anything else is a user denial.
func Resolve(v Verdict, answer string) Verdict {
	if v.Kind != NeedConfirm {
		return v
	}
	a := strings.ToLower(strings.TrimSpace(answer))
	ok := a == "yes" || (!v.Phrase && a == "y")
	if ok {
		v.Kind = Approve
		v.Method = audit.MethodUser
		v.Reason = "confirmed by user"
		return v
	}
	v.Kind = Reject
	v.Method = audit.MethodUser
	v.Reason = "denied by user"
	return v
}

// Expire turns an unanswered confirmation into a denial.
func Expire(v Verdict) Verdict {
	if v.Kind != NeedConfirm {
		return v
	}
	return reject(v.Command, audit.MethodTimeout, "confirmation timed out")
}

// Interrupted turns an unanswered confirmation into a denial by the user's
// interrupt.
func Interrupted(v Verdict) Verdict {
	if v.Kind != NeedConfirm {
		return v
	}
	return reject(v.Command, audit.MethodInterrupt, "interrupted by user")
}

// NonInteractive resolves a confirmation without a user: approved when the
// risk is at most max and no phrase is required, denied otherwise.
// Privileged commands are never auto-approved.
func NonInteractive(v Verdict, max model.RiskLevel) Verdict {
	if v.Kind != NeedConfirm {
		return v
	}
	if v.Command.Risk <= max && v.Command.Risk < model.Privileged && !v.Phrase {
		v.Kind = Approve
		v.Method = audit.MethodNonInteract
		v.Reason = fmt.Sprintf("auto-approved up to %s", max)
		return v
	}
	return reject(v.Command, audit.MethodNonInteract,
		fmt.Sprintf("%s commands need interactive confirmation", v.Command.Risk.Label()))
}

// Prompt renders the confirmation question for v.
func Prompt(v Verdict) string {
	if v.Phrase {
		return fmt.Sprintf("[%s] %s (type 'yes' to run): ", v.Command.Risk.Label(), v.Command.Command)
	}
	return fmt.Sprintf("[%s] %s: run? [y/N]: ", v.Command.Risk.Label(), v.Command.Command)
}
