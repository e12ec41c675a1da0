package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultHookTimeout bounds one hook invocation.
const DefaultHookTimeout = 5 * time.Second

// HookRequest is written to the hook's stdin.
type HookRequest struct {
	Command   string `json:"command"`
	Risk      string `json:"risk"`
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`
}

// HookResponse is read from the hook's stdout.
type HookResponse struct {
	Decision string `json:"decision"`
	Command  string `json:"command,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Hook decisions.
const (
	HookAllow  = "allow"
	HookDeny   = "deny"
	HookModify = "modify"
)

// Hook is an external pre-execution program run through sh -c.
type Hook struct {
	Command string
	Timeout time.Duration
}

// Run invokes the hook. Any failure (timeout, non-zero exit, bad JSON,
// unknown decision) comes back as a deny response with the cause.
func (h *Hook) Run(ctx context.Context, req HookRequest) HookResponse {
	resp, err := h.run(ctx, req)
	if err != nil {
		return HookResponse{Decision: HookDeny, Reason: "hook failed: " + err.Error()}
	}
	return resp
}

func (h *Hook) run(ctx context.Context, req HookRequest) (HookResponse, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return HookResponse{}, err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return HookResponse{}, fmt.Errorf("timed out after %s", timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return HookResponse{}, fmt.Errorf("%w: %s", err, msg)
		}
		return HookResponse{}, err
	}

	var resp HookResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return HookResponse{}, fmt.Errorf("invalid response: %w", err)
	}
	switch resp.Decision {
	case HookAllow, HookDeny:
	case HookModify:
		if strings.TrimSpace(resp.Command) == "" {
			return HookResponse{}, fmt.Errorf("modify without a command")
		}
	default:
		return HookResponse{}, fmt.Errorf("unknown decision %q", resp.Decision)
	}
	return resp, nil
}
