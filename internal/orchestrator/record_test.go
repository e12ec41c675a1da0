package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/audit"
	"github.com/ppiankov/shellgate/internal/model"
)

func recorded(t *testing.T, fn func(r *Recorder)) []audit.Entry {
	t.Helper()
	sink := &memSink{}
	logger := audit.NewLogger(sink)
	fn(&Recorder{SessionID: "s", Audit: logger})
	logger.Close()
	return sink.all()
}

func TestRecorderVerdictTypes(t *testing.T) {
	cmd := model.ProposedCommand{Command: "rm -rf /", Risk: model.Denied}
	entries := recorded(t, func(r *Recorder) {
		r.Verdict(1, approval.Verdict{Command: cmd, Kind: approval.Reject, Method: audit.MethodDenylist, Reason: "deny-listed"})
		r.Verdict(1, approval.Verdict{Command: cmd, Kind: approval.Reject, Method: audit.MethodUser, Reason: "denied by user"})
		r.Verdict(2, approval.Verdict{Command: model.ProposedCommand{Command: "ls"}, Kind: approval.Approve, Method: audit.MethodAuto})
	})

	want := []struct{ typ, decision string }{
		{string(model.EventBlocked), string(model.Deny)},
		{string(model.EventDenied), string(model.Deny)},
		{string(model.EventApproved), string(model.Allow)},
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %+v", entries)
	}
	for i, w := range want {
		if entries[i].Type != w.typ || entries[i].Decision != w.decision {
			t.Errorf("entry %d = %s/%s, want %s/%s", i, entries[i].Type, entries[i].Decision, w.typ, w.decision)
		}
	}
	if entries[0].Risk != model.Denied.String() || entries[0].Reason != "deny-listed" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
}

func TestRecorderExecuted(t *testing.T) {
	entries := recorded(t, func(r *Recorder) {
		r.Executed(1, "true", model.ReadOnly, 0, true, 5*time.Millisecond)
		r.Executed(1, "false", model.ReadOnly, 2, true, time.Millisecond)
		r.Executed(1, "make", model.BuildTest, 0, false, time.Second)
	})
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}

	if entries[0].Type != string(model.EventExecuted) || entries[0].ExitCode == nil || *entries[0].ExitCode != 0 {
		t.Errorf("success = %+v", entries[0])
	}
	if entries[1].Type != string(model.EventFailed) || *entries[1].ExitCode != 2 {
		t.Errorf("failure = %+v", entries[1])
	}
	if entries[2].Type != string(model.EventExecuted) || entries[2].ExitCode != nil || entries[2].DurationMS != 1000 {
		t.Errorf("unknown code = %+v", entries[2])
	}
}

func TestRecorderProposedAndCancelled(t *testing.T) {
	entries := recorded(t, func(r *Recorder) {
		r.Proposed(3, []model.ProposedCommand{
			{Command: "ls", Risk: model.ReadOnly},
			{Command: "rm x", Risk: model.Destructive},
		}, "inspect then clean")
		r.Cancelled(3, "sleep 100", model.ReadOnly, audit.MethodInterrupt, "stopped by user", time.Second)
		r.Failed(3, "nope", model.ReadOnly, "exec: not found", 0)
	})
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}

	p := entries[0]
	if p.Type != string(model.EventProposed) || p.Turn != 3 || len(p.Commands) != 2 || p.Risks[1] != model.Destructive.String() {
		t.Errorf("proposed = %+v", p)
	}
	if p.Rationale != "inspect then clean" {
		t.Errorf("rationale = %q", p.Rationale)
	}
	c := entries[1]
	if c.Type != string(model.EventCancelled) || c.Method != audit.MethodInterrupt || c.Command != "sleep 100" {
		t.Errorf("cancelled = %+v", c)
	}
	f := entries[2]
	if f.Type != string(model.EventFailed) || f.Reason != "exec: not found" || f.ExitCode != nil {
		t.Errorf("failed = %+v", f)
	}
}

func TestRecorderWithoutSinks(t *testing.T) {
	r := &Recorder{}
	r.Proposed(1, []model.ProposedCommand{{Command: "ls"}}, "")
	r.Verdict(1, approval.Verdict{Kind: approval.Reject, Method: audit.MethodUser})
	r.Executed(1, "ls", model.ReadOnly, 1, true, 0)
	r.Cancelled(1, "ls", model.ReadOnly, audit.MethodTimeout, "timeout", 0)
	r.AuditFailure(audit.Entry{Type: "executed"}, errors.New("disk full"))
}
