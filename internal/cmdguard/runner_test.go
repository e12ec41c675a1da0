package cmdguard

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/shellgate/internal/denylist"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	r := &Runner{}
	res, err := r.Run(context.Background(), "echo hello; echo oops >&2; exit 3")
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "oops") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRunBlockedByChecker(t *testing.T) {
	r := &Runner{Checker: denylist.NewDefault()}
	_, err := r.Run(context.Background(), "rm -rf /")
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Command != "rm -rf /" {
		t.Fatalf("expected BlockedError, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	r := &Runner{Timeout: 100 * time.Millisecond}
	start := time.Now()
	res, err := r.Run(context.Background(), "sleep 5 | cat")
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.ExitCode == 0 {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("process group not killed on timeout")
	}
}

func TestRunTruncatesOutput(t *testing.T) {
	r := &Runner{MaxOutput: 10}
	res, err := r.Run(context.Background(), "printf '0123456789abcdef'")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "0123456789" || !res.Truncated {
		t.Fatalf("got %q truncated=%v", res.Output, res.Truncated)
	}
}

func TestRunRedactsAndStripsSecrets(t *testing.T) {
	r := &Runner{Env: []string{"PATH=/usr/bin:/bin", "OPENAI_API_KEY=sk-abcdefghijklmnopqrstuvwxyz", "SAFE=1"}}
	res, err := r.Run(context.Background(), `echo "key=${OPENAI_API_KEY:-unset} safe=$SAFE depth=$SHELLGATE_DEPTH"; echo sk-zyxwvutsrqponmlkjihgfedcba`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "key=unset") || !strings.Contains(res.Output, "safe=1") {
		t.Errorf("env not sanitized: %q", res.Output)
	}
	if strings.Contains(res.Output, "depth=\n") || strings.Contains(res.Output, "zyxwv") {
		t.Errorf("expected depth set and secret redacted: %q", res.Output)
	}
	if res.Redacted == 0 {
		t.Error("expected a redaction count")
	}
}

type recordingIsolator struct{ called bool }

func (r *recordingIsolator) Wrap(cmd *exec.Cmd) error {
	r.called = true
	cmd.Env = append(cmd.Env, "ISOLATED=yes")
	return nil
}

type failingIsolator struct{}

func (failingIsolator) Wrap(*exec.Cmd) error { return errors.New("no sandbox") }

func TestRunIsolator(t *testing.T) {
	iso := &recordingIsolator{}
	r := &Runner{Isolator: iso}
	res, err := r.Run(context.Background(), "echo $ISOLATED")
	if err != nil {
		t.Fatal(err)
	}
	if !iso.called || strings.TrimSpace(res.Output) != "yes" {
		t.Fatalf("isolator not applied: %q", res.Output)
	}

	_, err = (&Runner{Isolator: failingIsolator{}}).Run(context.Background(), "true")
	if err == nil || !strings.Contains(err.Error(), "no sandbox") {
		t.Fatalf("expected isolation error, got %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res, err := (&Runner{}).Run(ctx, "sleep 5")
	if err != nil {
		t.Fatal(err)
	}
	if res.TimedOut || res.ExitCode == 0 {
		t.Fatalf("cancel should fail without timeout flag: %+v", res)
	}
}
