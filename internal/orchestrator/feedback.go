package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/audit"
	"github.com/ppiankov/shellgate/internal/backend"
)

// Fed-back texts for steps that did not run.
const (
	SkippedContent   = "Not run: an earlier step of this plan was denied."
	NotAttemptedText = "Not run: an earlier step of this plan failed."
	CancelledContent = "Not run: the plan was cancelled by the user."
	invalidToolInput = `Invalid arguments: expected {"command": "..."}.`
)

// DeniedContent is the fed-back text for a rejected step.
func DeniedContent(v approval.Verdict) string {
	return fmt.Sprintf("Command denied (%s): %s. Suggest a safer alternative.", v.Method, v.Reason)
}

// ToolMessages answers every tool call of a turn. contents is indexed like
// proposals; proposals taken from plain text are folded into one user
// message.
func ToolMessages(calls []backend.ToolCall, proposals []backend.Proposal, contents []string) []backend.Message {
	byCall := make(map[string]string, len(calls))
	var loose []string
	for i, p := range proposals {
		if p.CallID != "" {
			byCall[p.CallID] = contents[i]
		} else {
			loose = append(loose, contents[i])
		}
	}
	var msgs []backend.Message
	for _, c := range calls {
		content, ok := byCall[c.ID]
		if !ok {
			content = invalidToolInput
		}
		msgs = append(msgs, backend.Message{Role: backend.RoleTool, ToolCallID: c.ID, Content: content})
	}
	if len(loose) > 0 {
		msgs = append(msgs, backend.Message{Role: backend.RoleUser, Content: strings.Join(loose, "\n")})
	}
	return msgs
}

// DenialStreak counts consecutive turns with at least one rejection, and
// whether every rejection in the streak came from policy rather than from
// a person or a confirmer.
type DenialStreak struct {
	N          int
	PolicyOnly bool
}

// Add records one turn's rejections and returns the streak length.
func (s *DenialStreak) Add(denied []approval.Verdict) int {
	if len(denied) == 0 {
		s.N = 0
		return 0
	}
	if s.N == 0 {
		s.PolicyOnly = true
	}
	s.N++
	for _, v := range denied {
		if !IsPolicyBlock(v.Method) {
			s.PolicyOnly = false
		}
	}
	return s.N
}

// Reset ends the streak.
func (s *DenialStreak) Reset() { *s = DenialStreak{} }

// IsPolicyBlock reports whether a rejection method is a policy decision.
func IsPolicyBlock(method string) bool {
	switch method {
	case audit.MethodDenylist, audit.MethodPolicyRule, audit.MethodHook, audit.MethodJudge:
		return true
	}
	return false
}
