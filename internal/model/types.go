package model

import (
	"fmt"
	"strings"
)

// RiskLevel is the totally ordered risk classification of a shell command.
type RiskLevel int

const (
	ReadOnly RiskLevel = iota
	BuildTest
	Write
	Destructive
	Network
	Privileged
	Denied
)

var riskNames = [...]string{
	ReadOnly:    "read_only",
	BuildTest:   "build_test",
	Write:       "write",
	Destructive: "destructive",
	Network:     "network",
	Privileged:  "privileged",
	Denied:      "denied",
}

var riskLabels = [...]string{
	ReadOnly:    "read-only",
	BuildTest:   "build/test",
	Write:       "write",
	Destructive: "destructive",
	Network:     "network",
	Privileged:  "PRIVILEGED",
	Denied:      "DENIED",
}

// String returns the snake_case name used in audit records and config.
func (r RiskLevel) String() string {
	if r < ReadOnly || r > Denied {
		return fmt.Sprintf("risk(%d)", int(r))
	}
	return riskNames[r]
}

// Label returns the short display label shown to the user.
func (r RiskLevel) Label() string {
	if r < ReadOnly || r > Denied {
		return r.String()
	}
	return riskLabels[r]
}

// ParseRiskLevel accepts either the snake_case name or the display label.
func ParseRiskLevel(s string) (RiskLevel, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for i, n := range riskNames {
		if s == n || s == strings.ToLower(riskLabels[i]) {
			return RiskLevel(i), nil
		}
	}
	switch s {
	case "readonly", "read":
		return ReadOnly, nil
	case "build", "test":
		return BuildTest, nil
	}
	return ReadOnly, fmt.Errorf("unknown risk level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// MaxRisk returns the highest level of the given levels, ReadOnly when empty.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	max := ReadOnly
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}

// ProposedCommand is a command suggested by the backend after classification.
// It is not modified once classified.
type ProposedCommand struct {
	Command   string    `json:"command"`
	Risk      RiskLevel `json:"risk"`
	Rationale string    `json:"rationale,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// Decision is the policy enforcement outcome.
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	RequireApproval Decision = "require_approval"
)

// AgentState is the orchestrator's finite-state-machine state.
type AgentState int

const (
	Idle AgentState = iota
	Streaming
	Approving
	Executing
)

func (s AgentState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Approving:
		return "approving"
	case Executing:
		return "executing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventType names an audit record.
type EventType string

const (
	EventProposed  EventType = "proposed"
	EventApproved  EventType = "approved"
	EventDenied    EventType = "denied"
	EventBlocked   EventType = "blocked"
	EventExecuted  EventType = "executed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)
