package backend

import (
	"encoding/json"
	"strings"
)

// Proposal is a command the model asked to run.
type Proposal struct {
	Command   string `json:"command"`
	Rationale string `json:"rationale,omitempty"`
	// CallID links the proposal to its tool call, empty for text plans.
	CallID string `json:"call_id,omitempty"`
}

// Plan is the JSON plan format accepted in plain text responses.
type Plan struct {
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

// PlanStep is one step of a Plan.
type PlanStep struct {
	Cmd string `json:"cmd"`
	Why string `json:"why"`
}

// ExtractCommands returns proposals in priority order: shell tool calls,
// else a JSON plan in the text, else fenced shell code blocks.
func ExtractCommands(text string, calls []ToolCall) []Proposal {
	var out []Proposal
	for _, c := range calls {
		if c.Name != ShellTool.Name {
			continue
		}
		var in struct {
			Command string `json:"command"`
			Why     string `json:"why"`
		}
		if err := json.Unmarshal([]byte(c.Input), &in); err != nil {
			continue
		}
		if cmd := strings.TrimSpace(in.Command); cmd != "" {
			out = append(out, Proposal{Command: cmd, Rationale: in.Why, CallID: c.ID})
		}
	}
	if len(out) > 0 {
		return out
	}
	if p, ok := ParsePlan(text); ok {
		for _, s := range p.Steps {
			if cmd := strings.TrimSpace(s.Cmd); cmd != "" {
				out = append(out, Proposal{Command: cmd, Rationale: s.Why})
			}
		}
		return out
	}
	for _, cmd := range fencedCommands(text) {
		out = append(out, Proposal{Command: cmd})
	}
	return out
}

// ParsePlan decodes a {"goal","steps"} plan, tolerating markdown fences.
func ParsePlan(text string) (Plan, bool) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return Plan{}, false
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil || len(p.Steps) == 0 {
		return Plan{}, false
	}
	return p, true
}

var shellFenceLangs = map[string]bool{
	"": true, "sh": true, "bash": true, "shell": true, "zsh": true, "console": true, "fish": true,
}

// fencedCommands returns one command per non-empty, non-comment line of
// shell-tagged fenced blocks. A leading "$ " prompt is dropped.
func fencedCommands(text string) []string {
	var out []string
	lines := strings.Split(text, "\n")
	inBlock := false
	take := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inBlock {
				inBlock = false
				continue
			}
			inBlock = true
			take = shellFenceLangs[strings.ToLower(strings.TrimSpace(trimmed[3:]))]
			continue
		}
		if !inBlock || !take || trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		out = append(out, strings.TrimPrefix(trimmed, "$ "))
	}
	return out
}
