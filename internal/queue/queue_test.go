package queue

import (
	"testing"
	"time"

	"github.com/ppiankov/shellgate/internal/lifecycle"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := New()
	q.now = clk.now
	return q, clk
}

var (
	evA   = lifecycle.Event{Kind: lifecycle.PromptStart}
	evB   = lifecycle.Event{Kind: lifecycle.InputReady}
	evC   = lifecycle.Event{Kind: lifecycle.CommandStart}
	evD0  = lifecycle.Event{Kind: lifecycle.CommandEnd, ExitCode: 0, HasCode: true}
	evD1  = lifecycle.Event{Kind: lifecycle.CommandEnd, ExitCode: 1, HasCode: true}
	evDNo = lifecycle.Event{Kind: lifecycle.CommandEnd}
)

// runCycle feeds C, D;code, A, B and returns the actions for D and B.
func runCycle(q *Queue, end lifecycle.Event) (Action, Action) {
	q.HandleEvent(evC)
	done := q.HandleEvent(end)
	q.HandleEvent(evA)
	next := q.HandleEvent(evB)
	return done, next
}

func TestSequentialDispatch(t *testing.T) {
	q, clk := newTestQueue(t)
	q.Enqueue("one", "two", "three")

	if a := q.Ready(lifecycle.Prompt); a.Kind != None {
		t.Fatalf("expected no dispatch before input ready, got %s", a.Kind)
	}
	a := q.Ready(lifecycle.Input)
	if a.Kind != Dispatch || a.Command != "one" {
		t.Fatalf("expected dispatch of one, got %+v", a)
	}

	// A second B before the command completes must not dispatch.
	if a := q.HandleEvent(evB); a.Kind != None {
		t.Fatalf("dispatched while a command is in flight: %+v", a)
	}

	q.HandleEvent(evC)
	clk.t = clk.t.Add(2 * time.Second)
	done := q.HandleEvent(evD0)
	if done.Kind != Advance || done.Completed.Command != "one" || done.Completed.Duration != 2*time.Second {
		t.Fatalf("unexpected completion %+v", done)
	}
	q.HandleEvent(evA)
	if a := q.HandleEvent(evB); a.Kind != Dispatch || a.Command != "two" {
		t.Fatalf("expected dispatch of two, got %+v", a)
	}

	done, next := runCycle(q, evD0)
	if done.Kind != Advance || next.Command != "three" {
		t.Fatalf("unexpected %+v / %+v", done, next)
	}
	done, next = runCycle(q, evD0)
	if done.Kind != AllDone || next.Kind != None {
		t.Fatalf("expected all done, got %+v / %+v", done, next)
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
	if len(q.Completed()) != 3 {
		t.Errorf("completed = %d, want 3", len(q.Completed()))
	}
}

func TestFailureDrainsRemaining(t *testing.T) {
	const n, k = 5, 3
	cmds := []string{"c1", "c2", "c3", "c4", "c5"}

	q, _ := newTestQueue(t)
	q.Enqueue(cmds...)
	q.Ready(lifecycle.Input)

	var last Action
	for i := 1; i <= k; i++ {
		end := evD0
		if i == k {
			end = evD1
		}
		last, _ = runCycle(q, end)
	}

	if last.Kind != Fail {
		t.Fatalf("expected failure, got %s", last.Kind)
	}
	if last.Completed.Command != "c3" || last.Completed.ExitCode != 1 {
		t.Errorf("failed entry = %+v", last.Completed)
	}
	if len(last.Skipped) != n-k {
		t.Errorf("skipped = %d, want %d", len(last.Skipped), n-k)
	}
	for _, s := range last.Skipped {
		if s.Status != Skipped {
			t.Errorf("skipped entry status = %s", s.Status)
		}
	}
	if !q.Empty() {
		t.Error("queue must be empty after failure")
	}
	if got := len(q.Completed()); got != k {
		t.Errorf("completed = %d, want %d", got, k)
	}
	// Nothing more is ever dispatched.
	if a := q.HandleEvent(evB); a.Kind != None {
		t.Errorf("dispatch after failure: %+v", a)
	}
}

func TestStaleCommandEndIgnored(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue("ls")
	q.Ready(lifecycle.Input)

	// D from the previous cycle arrives before our C.
	if a := q.HandleEvent(evD1); a.Kind != None {
		t.Fatalf("stale D completed the entry: %+v", a)
	}
	done, _ := runCycle(q, evD0)
	if done.Kind != AllDone {
		t.Fatalf("expected all done, got %s", done.Kind)
	}
}

func TestMissingExitCodeCountsAsSuccess(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue("a", "b")
	q.Ready(lifecycle.Input)
	done, next := runCycle(q, evDNo)
	if done.Kind != Advance || next.Command != "b" {
		t.Fatalf("unexpected %+v / %+v", done, next)
	}
}

func TestClear(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue("a", "b", "c")
	q.Ready(lifecycle.Input)
	q.HandleEvent(evC)

	dropped := q.Clear()
	if len(dropped) != 3 {
		t.Fatalf("dropped = %d, want 3", len(dropped))
	}
	if dropped[0].Status != Cancelled {
		t.Errorf("in-flight status = %s, want cancelled", dropped[0].Status)
	}
	if !q.Empty() || q.Current() != nil {
		t.Error("expected empty queue after Clear")
	}
	if a := q.HandleEvent(evD0); a.Kind != None {
		t.Errorf("event after clear produced %+v", a)
	}
}

func TestFailInFlight(t *testing.T) {
	q, clk := newTestQueue(t)
	q.Enqueue("sleep 100", "echo after")
	q.Ready(lifecycle.Input)
	q.HandleEvent(evC)

	clk.t = clk.t.Add(time.Minute)
	if !q.Expired(30 * time.Second) {
		t.Fatal("expected expiry")
	}
	if q.Expired(0) {
		t.Error("zero timeout must never expire")
	}

	e, skipped := q.Fail(Cancelled)
	if e == nil || e.Command != "sleep 100" || e.Status != Cancelled {
		t.Fatalf("failed entry = %+v", e)
	}
	if len(skipped) != 1 || skipped[0].Command != "echo after" {
		t.Errorf("skipped = %+v", skipped)
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
}

func TestForceDispatchAndComplete(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue("a", "b")

	if a := q.ForceDispatch(); a.Kind != Dispatch || a.Command != "a" {
		t.Fatalf("unexpected %+v", a)
	}
	if a := q.Complete(0, true); a.Kind != Advance {
		t.Fatalf("unexpected %+v", a)
	}
	q.ForceDispatch()
	if a := q.Complete(2, true); a.Kind != Fail || a.Completed.ExitCode != 2 {
		t.Fatalf("unexpected %+v", a)
	}
}

func TestReset(t *testing.T) {
	q, _ := newTestQueue(t)
	q.Enqueue("a")
	q.Ready(lifecycle.Input)
	runCycle(q, evD0)
	q.Reset()
	if len(q.Completed()) != 0 || !q.Empty() {
		t.Error("expected reset queue")
	}
}
