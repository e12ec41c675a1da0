package audit

// Entry is one line in the hash-chained JSONL audit log.
// All fields are plain values or slices (no map[string]any) so json.Marshal
// field order is deterministic and hashing reproducible.
type Entry struct {
	Timestamp  string   `json:"ts"`
	SessionID  string   `json:"session_id"`
	Turn       int      `json:"turn"`
	Type       string   `json:"type"`
	Command    string   `json:"command,omitempty"`
	Commands   []string `json:"commands,omitempty"`
	Risk       string   `json:"risk,omitempty"`
	Risks      []string `json:"risks,omitempty"`
	Decision   string   `json:"decision,omitempty"`
	Method     string   `json:"method,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	Depth      int      `json:"depth,omitempty"`
	PolicyHash string   `json:"policy_hash,omitempty"`
	PrevHash   string   `json:"prev_hash"`
}

// Approval methods recorded with approved/denied entries.
const (
	MethodAuto        = "auto"
	MethodUser        = "user"
	MethodGrant       = "session_grant"
	MethodPolicyRule  = "policy_rule"
	MethodHook        = "hook"
	MethodJudge       = "judge"
	MethodDenylist    = "denylist"
	MethodTimeout     = "timeout"
	MethodInterrupt   = "interrupt"
	MethodNonInteract = "non_interactive"
)

// ExitCode returns a pointer for Entry.ExitCode.
func ExitCode(code int) *int { return &code }
