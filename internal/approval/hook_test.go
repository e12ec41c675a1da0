package approval

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestHookDecisions(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		decision string
		command  string
		reason   string
	}{
		{"allow", `cat >/dev/null; echo '{"decision":"allow"}'`, HookAllow, "", ""},
		{"deny", `echo '{"decision":"deny","reason":"change freeze"}'`, HookDeny, "", "change freeze"},
		{"modify", `echo '{"decision":"modify","command":"ls -la"}'`, HookModify, "ls -la", ""},
		{"modify without command", `echo '{"decision":"modify"}'`, HookDeny, "", "hook failed: modify without a command"},
		{"unknown decision", `echo '{"decision":"maybe"}'`, HookDeny, "", `hook failed: unknown decision "maybe"`},
		{"bad json", `echo nope`, HookDeny, "", ""},
		{"non-zero exit", `echo broken >&2; exit 3`, HookDeny, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Hook{Command: tt.script, Timeout: 5 * time.Second}
			resp := h.Run(context.Background(), HookRequest{Command: "rm x", Risk: "destructive", SessionID: "s-1", Turn: 1})
			if resp.Decision != tt.decision {
				t.Fatalf("decision = %q, want %q (reason %q)", resp.Decision, tt.decision, resp.Reason)
			}
			if resp.Command != tt.command {
				t.Errorf("command = %q, want %q", resp.Command, tt.command)
			}
			if tt.reason != "" && resp.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", resp.Reason, tt.reason)
			}
		})
	}
}

func TestHookReceivesRequestOnStdin(t *testing.T) {
	// Echo the command back as a modification to prove stdin carried it.
	script := `read line; case "$line" in *'"command":"git push"'*'"session_id":"s-9"'*) echo '{"decision":"allow"}';; *) echo '{"decision":"deny","reason":"wrong input"}';; esac`
	h := &Hook{Command: script}
	resp := h.Run(context.Background(), HookRequest{Command: "git push", Risk: "network", SessionID: "s-9", Turn: 2})
	if resp.Decision != HookAllow {
		t.Fatalf("expected allow, got %+v", resp)
	}
}

func TestHookTimeoutDenies(t *testing.T) {
	h := &Hook{Command: "exec sleep 5", Timeout: 100 * time.Millisecond}
	start := time.Now()
	resp := h.Run(context.Background(), HookRequest{Command: "ls"})
	if resp.Decision != HookDeny {
		t.Fatalf("expected deny on timeout, got %+v", resp)
	}
	if !strings.Contains(resp.Reason, "timed out") {
		t.Errorf("reason = %q", resp.Reason)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("hook did not honour its timeout")
	}
}
