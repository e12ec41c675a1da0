package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/model"
)

// maxEvaluateCommands bounds one evaluate call.
const maxEvaluateCommands = 64

// ClassifyInput defines parameters for the shellgate_classify tool.
type ClassifyInput struct {
	Command string `json:"command" jsonschema:"shell command to classify"`
}

// ClassifyOutput is the classification of one command.
type ClassifyOutput struct {
	Command   string   `json:"command"`
	Risk      string   `json:"risk"`
	Label     string   `json:"label"`
	Denied    bool     `json:"denied,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Defaulted bool     `json:"defaulted,omitempty"`
}

// EvaluateInput defines parameters for the shellgate_evaluate tool.
type EvaluateInput struct {
	Commands  []string `json:"commands" jsonschema:"commands of one plan, in execution order"`
	SessionID string   `json:"session_id,omitempty" jsonschema:"session whose grants apply"`
}

// EvaluateOutput holds one verdict per command.
type EvaluateOutput struct {
	Verdicts []VerdictItem `json:"verdicts"`
}

// VerdictItem is the gate outcome for one command.
type VerdictItem struct {
	Command  string   `json:"command"`
	Risk     string   `json:"risk"`
	Verdict  string   `json:"verdict"`
	Method   string   `json:"method,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	PolicyID string   `json:"policy_id,omitempty"`
	Phrase   bool     `json:"phrase,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleClassify(ctx context.Context, req *mcpsdk.CallToolRequest, input ClassifyInput) (*mcpsdk.CallToolResult, ClassifyOutput, error) {
	cmd := strings.TrimSpace(input.Command)
	if cmd == "" {
		return nil, ClassifyOutput{}, fmt.Errorf("command is required")
	}
	c, _ := s.current()
	res := c.Explain(cmd)
	out := ClassifyOutput{
		Command:   cmd,
		Risk:      res.Risk.String(),
		Label:     res.Risk.Label(),
		Reason:    res.Reason,
		Warnings:  res.Warnings,
		Defaulted: res.Defaulted,
	}
	if res.Risk == model.Denied {
		out.Denied = true
		s.log.Info("mcp classify denied", zap.String("command", cmd), zap.String("reason", res.Reason))
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleEvaluate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	if len(input.Commands) == 0 {
		return nil, EvaluateOutput{}, fmt.Errorf("commands is required")
	}
	if len(input.Commands) > maxEvaluateCommands {
		return nil, EvaluateOutput{}, fmt.Errorf("too many commands: %d (max %d)", len(input.Commands), maxEvaluateCommands)
	}
	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}

	c, gate := s.current()
	cmds := make([]model.ProposedCommand, len(input.Commands))
	for i, cmd := range input.Commands {
		cmds[i] = c.Propose(strings.TrimSpace(cmd), "")
	}
	verdicts := gate.Evaluate(ctx, approval.Batch{SessionID: sessionID, Turn: 1, Commands: cmds})

	out := EvaluateOutput{Verdicts: make([]VerdictItem, len(verdicts))}
	rejected := false
	for i, v := range verdicts {
		out.Verdicts[i] = VerdictItem{
			Command:  v.Command.Command,
			Risk:     v.Command.Risk.String(),
			Verdict:  v.Kind.String(),
			Method:   v.Method,
			Reason:   v.Reason,
			PolicyID: v.PolicyID,
			Phrase:   v.Phrase,
			Warnings: v.Command.Warnings,
		}
		if v.Kind == approval.Reject {
			rejected = true
		}
	}
	if rejected {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}
