package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/ppiankov/shellgate/internal/model"
)

// Message types written by JSON.
const (
	TypePlan            = "plan"
	TypeOutput          = "output"
	TypeApprovalRequest = "approval_request"
	TypeStepComplete    = "step_complete"
	TypeSteer           = "steer"
	TypeStart           = "start"
	TypeText            = "text"
	TypeDenied          = "denied"
	TypeInfo            = "info"
	TypeError           = "error"
	TypeDone            = "done"
)

// PlanCommand is one command of a plan message.
type PlanCommand struct {
	Command   string   `json:"command"`
	Risk      string   `json:"risk"`
	Rationale string   `json:"rationale,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Message is one JSON line. Fields not used by a type are omitted.
type Message struct {
	Type     string        `json:"type"`
	Turn     *int          `json:"turn,omitempty"`
	Commands []PlanCommand `json:"commands,omitempty"`
	Command  string        `json:"command,omitempty"`
	Risk     string        `json:"risk,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
	Text     string        `json:"text,omitempty"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Status   string        `json:"status,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Summary  *Summary      `json:"summary,omitempty"`
}

// JSON writes one Message per event.
type JSON struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSON creates a JSON-lines emitter.
func NewJSON(w io.Writer) *JSON {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSON{enc: enc}
}

func (j *JSON) emit(m Message) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(m)
}

func intPtr(n int) *int { return &n }

// Start implements Emitter.
func (j *JSON) Start(instruction string) {
	j.emit(Message{Type: TypeStart, Text: instruction})
}

// Thinking is silent in JSON mode.
func (j *JSON) Thinking(int) {}

// Text implements Emitter.
func (j *JSON) Text(text string) {
	if text == "" {
		return
	}
	j.emit(Message{Type: TypeText, Text: text})
}

// Plan implements Emitter.
func (j *JSON) Plan(turn int, cmds []model.ProposedCommand) {
	out := make([]PlanCommand, len(cmds))
	for i, c := range cmds {
		out[i] = PlanCommand{Command: c.Command, Risk: c.Risk.String(), Rationale: c.Rationale, Warnings: c.Warnings}
	}
	j.emit(Message{Type: TypePlan, Turn: intPtr(turn), Commands: out})
}

// ApprovalRequest implements Emitter.
func (j *JSON) ApprovalRequest(cmd model.ProposedCommand, prompt string) {
	j.emit(Message{Type: TypeApprovalRequest, Command: cmd.Command, Risk: cmd.Risk.String(), Prompt: prompt})
}

// Step is silent in JSON mode; step_complete carries the result.
func (j *JSON) Step(int, string) {}

// Output implements Emitter.
func (j *JSON) Output(command, text string) {
	j.emit(Message{Type: TypeOutput, Command: command, Text: text})
}

// StepComplete implements Emitter.
func (j *JSON) StepComplete(command string, exitCode int, status string) {
	j.emit(Message{Type: TypeStepComplete, Command: command, ExitCode: intPtr(exitCode), Status: status})
}

// Denied implements Emitter.
func (j *JSON) Denied(command, reason string) {
	j.emit(Message{Type: TypeDenied, Command: command, Reason: reason})
}

// Steer implements Emitter.
func (j *JSON) Steer(text string) {
	j.emit(Message{Type: TypeSteer, Text: text})
}

// Info implements Emitter.
func (j *JSON) Info(msg string) {
	j.emit(Message{Type: TypeInfo, Text: msg})
}

// Error implements Emitter.
func (j *JSON) Error(msg string) {
	j.emit(Message{Type: TypeError, Text: msg})
}

// Done implements Emitter.
func (j *JSON) Done(s Summary) {
	j.emit(Message{Type: TypeDone, Summary: &s})
}

var _ Emitter = (*JSON)(nil)

// Input is a control message read from stdin in machine mode.
type Input struct {
	Type string `json:"type"` // approve, deny or steer
	Text string `json:"text,omitempty"`
}

// Input types.
const (
	InputApprove = "approve"
	InputDeny    = "deny"
	InputSteer   = "steer"
)

// ParseInput decodes one stdin line. Unknown types are rejected.
func ParseInput(line []byte) (Input, error) {
	var in Input
	if err := json.Unmarshal(line, &in); err != nil {
		return Input{}, err
	}
	switch in.Type {
	case InputApprove, InputDeny, InputSteer:
		return in, nil
	}
	return Input{}, &UnknownInputError{Type: in.Type}
}

// UnknownInputError reports an unsupported control message.
type UnknownInputError struct{ Type string }

func (e *UnknownInputError) Error() string {
	return "unknown input type " + `"` + e.Type + `"`
}
