package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ppiankov/shellgate/internal/model"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONMessages(t *testing.T) {
	var buf bytes.Buffer
	j := NewJSON(&buf)
	j.Plan(0, []model.ProposedCommand{{Command: "ls", Risk: model.ReadOnly, Rationale: "look"}, {Command: "rm x", Risk: model.Destructive}})
	j.ApprovalRequest(model.ProposedCommand{Command: "rm x", Risk: model.Destructive}, "run? ")
	j.Output("ls", "a\nb\n")
	j.StepComplete("ls", 0, "succeeded")
	j.Steer("use the other dir")
	j.Thinking(1)
	j.Step(0, "ls")
	j.Done(Summary{Ran: 1, Turns: 1})

	lines := decodeLines(t, buf.Bytes())
	var types []string
	for _, l := range lines {
		types = append(types, l["type"].(string))
	}
	if got := strings.Join(types, ","); got != "plan,approval_request,output,step_complete,steer,done" {
		t.Fatalf("types = %s", got)
	}

	plan := lines[0]
	if plan["turn"].(float64) != 0 {
		t.Errorf("turn 0 must be present: %v", plan)
	}
	cmds := plan["commands"].([]any)
	if cmds[1].(map[string]any)["risk"] != "destructive" {
		t.Errorf("risk = %v", cmds[1])
	}
	if lines[3]["exit_code"].(float64) != 0 || lines[3]["status"] != "succeeded" {
		t.Errorf("step_complete = %v", lines[3])
	}
}

func TestHumanPlain(t *testing.T) {
	var buf bytes.Buffer
	h := NewHuman(&buf, HumanOptions{})
	h.Plan(0, []model.ProposedCommand{{Command: "sudo reboot", Risk: model.Denied, Warnings: []string{"system control"}}})
	h.Denied("sudo reboot", "deny list")
	h.Done(Summary{Ran: 1, Failed: 1, Skipped: 2, Turns: 3, Incomplete: true, Reason: "step failed"})

	out := buf.String()
	for _, want := range []string{"[shellgate] plan (turn 1, 1 step(s)):", "[DENIED] sudo reboot", "! system control", "DENIED: sudo reboot (deny list)", "stopped: step failed", "1 ran, 1 failed, 2 skipped"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("plain output must not contain ANSI codes")
	}
}

func TestHumanColorAndCRLF(t *testing.T) {
	var buf bytes.Buffer
	h := NewHuman(&buf, HumanOptions{Color: true, Depth: 2})
	h.SetCRLF(true)
	h.Info("one\ntwo")
	out := buf.String()
	if !strings.Contains(out, "[shellgate:d2]") || !strings.Contains(out, "\033[") {
		t.Errorf("expected coloured depth prefix: %q", out)
	}
	if strings.Count(out, "\r\n") != 2 {
		t.Errorf("expected CRLF line endings: %q", out)
	}
}

func TestHumanTruncate(t *testing.T) {
	h := NewHuman(nil, HumanOptions{Width: 40})
	long := strings.Repeat("x", 100)
	if got := h.truncate(long); len(got) >= 40 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
	if got := h.truncate("ls"); got != "ls" {
		t.Fatalf("short string changed: %q", got)
	}
}

func TestParseInput(t *testing.T) {
	in, err := ParseInput([]byte(`{"type":"steer","text":"try /tmp"}`))
	if err != nil || in.Type != InputSteer || in.Text != "try /tmp" {
		t.Fatalf("got %+v, %v", in, err)
	}
	_, err = ParseInput([]byte(`{"type":"launch"}`))
	var ue *UnknownInputError
	if !errors.As(err, &ue) || ue.Type != "launch" {
		t.Fatalf("expected UnknownInputError, got %v", err)
	}
	if _, err := ParseInput([]byte(`nope`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("json") != FormatJSON || ParseFormat("text") != FormatHuman || ParseFormat("") != FormatAuto {
		t.Fatal("unexpected format mapping")
	}
}
