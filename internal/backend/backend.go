// Package backend streams model responses from a language-model provider.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// EventKind identifies a StreamEvent.
type EventKind int

const (
	Thinking EventKind = iota
	Text
	ToolUse
	Usage
	Done
	Error
)

func (k EventKind) String() string {
	switch k {
	case Thinking:
		return "thinking"
	case Text:
		return "text"
	case ToolUse:
		return "tool_use"
	case Usage:
		return "usage"
	case Done:
		return "done"
	case Error:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// ToolCall is a complete tool invocation; Input is the raw JSON arguments.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

// TokenUsage reports token counts for a turn.
type TokenUsage struct {
	In  int `json:"in"`
	Out int `json:"out"`
}

// StreamEvent is one item of a response stream. The channel carrying
// events is closed after Done or Error.
type StreamEvent struct {
	Kind    EventKind
	Text    string
	ToolUse ToolCall
	Usage   TokenUsage
	Err     error
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation entry.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool describes a callable tool with a JSON Schema for its input.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ShellTool is the only tool offered to the model.
var ShellTool = Tool{
	Name:        "shell",
	Description: "Propose one shell command to run in the user's terminal. Every command is classified and may need the user's approval.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "the exact shell command"},
			"why":     map[string]any{"type": "string", "description": "one line reason"},
		},
		"required": []string{"command"},
	},
}

// Request is one turn's input.
type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

// Backend streams a response for a request. Cancelling ctx ends the stream.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Completer performs one non-streaming request.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// ErrUnavailable matches every *UnavailableError through errors.Is.
var ErrUnavailable = errors.New("backend unavailable")

// UnavailableError means the backend failed before producing any event.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) true.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Collect drains a stream and returns the concatenated text, the tool
// calls and the first error. Used by non-interactive callers.
func Collect(ch <-chan StreamEvent) (string, []ToolCall, error) {
	var text []byte
	var calls []ToolCall
	var err error
	for ev := range ch {
		switch ev.Kind {
		case Text:
			text = append(text, ev.Text...)
		case ToolUse:
			calls = append(calls, ev.ToolUse)
		case Error:
			if err == nil {
				err = ev.Err
			}
		}
	}
	return string(text), calls, err
}
