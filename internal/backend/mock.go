package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one scripted item of a mock turn. Exactly one field is set.
type Step struct {
	Thinking string        `yaml:"thinking,omitempty" json:"thinking,omitempty"`
	Text     string        `yaml:"text,omitempty" json:"text,omitempty"`
	Command  string        `yaml:"command,omitempty" json:"command,omitempty"`
	Why      string        `yaml:"why,omitempty" json:"why,omitempty"`
	Error    string        `yaml:"error,omitempty" json:"error,omitempty"`
	Delay    time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// Turn is the scripted response to one request.
type Turn struct {
	Steps []Step `yaml:"steps" json:"steps"`
	// Unavailable makes Stream fail before producing any event.
	Unavailable bool `yaml:"unavailable,omitempty" json:"unavailable,omitempty"`
}

// Mock replays scripted turns in order. After the script runs out every
// request gets a plain "done" text turn.
type Mock struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	requests []Request
	complete []string
}

// NewMock creates a mock with the given turns.
func NewMock(turns ...Turn) *Mock {
	return &Mock{turns: turns}
}

// LoadMockScript reads turns from a YAML file (a list of turns).
func LoadMockScript(path string) (*Mock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mock script: %w", err)
	}
	var turns []Turn
	if err := yaml.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("parse mock script: %w", err)
	}
	return NewMock(turns...), nil
}

// Commands builds a turn that explains and proposes commands via the
// shell tool.
func Commands(text string, cmds ...string) Turn {
	t := Turn{}
	if text != "" {
		t.Steps = append(t.Steps, Step{Text: text})
	}
	for _, c := range cmds {
		t.Steps = append(t.Steps, Step{Command: c})
	}
	return t
}

// Reply builds a text-only turn.
func Reply(text string) Turn { return Turn{Steps: []Step{{Text: text}}} }

// Name implements Backend.
func (m *Mock) Name() string { return "mock" }

// Requests returns a copy of every request received.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Stream implements Backend.
func (m *Mock) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	turn := Reply("done")
	if m.next < len(m.turns) {
		turn = m.turns[m.next]
		m.next++
	}
	n := len(m.requests)
	m.mu.Unlock()

	if turn.Unavailable {
		return nil, &UnavailableError{Backend: m.Name(), Err: errors.New("scripted outage")}
	}

	ch := make(chan StreamEvent, len(turn.Steps)+2)
	go func() {
		defer close(ch)
		send := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for i, s := range turn.Steps {
			switch {
			case s.Delay > 0:
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			case s.Thinking != "":
				if !send(StreamEvent{Kind: Thinking, Text: s.Thinking}) {
					return
				}
			case s.Text != "":
				if !send(StreamEvent{Kind: Text, Text: s.Text}) {
					return
				}
			case s.Command != "":
				input, _ := json.Marshal(map[string]string{"command": s.Command, "why": s.Why})
				call := ToolCall{ID: fmt.Sprintf("call_%d_%d", n, i), Name: ShellTool.Name, Input: string(input)}
				if !send(StreamEvent{Kind: ToolUse, ToolUse: call}) {
					return
				}
			case s.Error != "":
				send(StreamEvent{Kind: Error, Err: errors.New(s.Error)})
				return
			}
		}
		send(StreamEvent{Kind: Done})
	}()
	return ch, nil
}

// CompleteWith scripts replies for Complete, consumed in order.
func (m *Mock) CompleteWith(replies ...string) *Mock {
	m.mu.Lock()
	m.complete = append(m.complete, replies...)
	m.mu.Unlock()
	return m
}

// Complete implements Completer.
func (m *Mock) Complete(_ context.Context, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.complete) == 0 {
		return `{"safe": true, "reasoning": "mock"}`, nil
	}
	r := m.complete[0]
	m.complete = m.complete[1:]
	return r, nil
}
