// Package queue sequences approved commands into the shell one at a time,
// driven by shell lifecycle events.
package queue

import (
	"time"

	"github.com/ppiankov/shellgate/internal/lifecycle"
)

// Status of a queue entry.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Skipped   Status = "skipped"
	Cancelled Status = "cancelled"
)

// Entry is one command in the queue.
type Entry struct {
	Command  string
	Status   Status
	ExitCode int
	HasCode  bool
	Started  time.Time
	Duration time.Duration
}

// ActionKind tells the caller what to do after an event.
type ActionKind int

const (
	None     ActionKind = iota
	Dispatch            // write Command + "\n" to the PTY
	Advance             // an entry completed, more remain
	AllDone             // the last entry completed successfully
	Fail                // an entry failed; the rest were skipped
)

func (k ActionKind) String() string {
	switch k {
	case None:
		return "none"
	case Dispatch:
		return "dispatch"
	case Advance:
		return "advance"
	case AllDone:
		return "all_done"
	case Fail:
		return "failed"
	}
	return "unknown"
}

// Action is the result of feeding the queue an event.
type Action struct {
	Kind      ActionKind
	Command   string  // Dispatch: the command to write
	Completed *Entry  // Advance/AllDone/Fail: the entry that finished
	Skipped   []Entry // Fail: entries never attempted
}

// Queue holds an ordered plan. At most one entry is in flight, and the next
// entry is dispatched only after the shell reports it is ready for input.
type Queue struct {
	pending   []Entry
	current   *Entry
	executing bool
	completed []Entry
	now       func() time.Time
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{now: time.Now}
}

// Enqueue appends commands in order.
func (q *Queue) Enqueue(cmds ...string) {
	for _, c := range cmds {
		q.pending = append(q.pending, Entry{Command: c, Status: Pending})
	}
}

// Len returns the number of entries not yet finished, in-flight included.
func (q *Queue) Len() int {
	n := len(q.pending)
	if q.current != nil {
		n++
	}
	return n
}

// Empty reports whether nothing is pending or in flight.
func (q *Queue) Empty() bool { return q.Len() == 0 }

// Current returns the in-flight entry, or nil.
func (q *Queue) Current() *Entry { return q.current }

// Executing reports whether the in-flight entry has started running.
func (q *Queue) Executing() bool { return q.current != nil && q.executing }

// Completed returns the entries that finished, in order.
func (q *Queue) Completed() []Entry {
	return append([]Entry(nil), q.completed...)
}

// Ready dispatches the head entry when nothing is in flight and the shell is
// at its input position. It is used for the first command of a plan, when
// the shell already sits at a prompt.
func (q *Queue) Ready(state lifecycle.TerminalState) Action {
	if state != lifecycle.Input {
		return Action{}
	}
	return q.dispatch()
}

// ForceDispatch sends the head entry without waiting for a marker. It is
// used when the shell has no lifecycle integration.
func (q *Queue) ForceDispatch() Action {
	return q.dispatch()
}

func (q *Queue) dispatch() Action {
	if q.current != nil || len(q.pending) == 0 {
		return Action{}
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	e.Status = Running
	e.Started = q.now()
	q.current = &e
	q.executing = false
	return Action{Kind: Dispatch, Command: e.Command}
}

// HandleEvent advances the queue on a lifecycle event.
func (q *Queue) HandleEvent(ev lifecycle.Event) Action {
	switch ev.Kind {
	case lifecycle.CommandStart:
		if q.current != nil && !q.executing {
			q.executing = true
			q.current.Started = q.now()
		}
	case lifecycle.CommandEnd:
		if q.current == nil {
			return Action{}
		}
		// A D marker before our command started belongs to the previous
		// prompt cycle.
		if !q.executing {
			return Action{}
		}
		return q.finish(ev.ExitCode, ev.HasCode)
	case lifecycle.InputReady:
		return q.dispatch()
	}
	return Action{}
}

// Complete finishes the in-flight entry without a lifecycle marker, used
// by shells without integration.
func (q *Queue) Complete(exitCode int, hasCode bool) Action {
	if q.current == nil {
		return Action{}
	}
	return q.finish(exitCode, hasCode)
}

func (q *Queue) finish(exitCode int, hasCode bool) Action {
	e := q.current
	q.current = nil
	q.executing = false
	e.ExitCode = exitCode
	e.HasCode = hasCode
	e.Duration = q.now().Sub(e.Started)

	if hasCode && exitCode != 0 {
		e.Status = Failed
		q.completed = append(q.completed, *e)
		return Action{Kind: Fail, Completed: e, Skipped: q.drain(Skipped)}
	}

	e.Status = Succeeded
	q.completed = append(q.completed, *e)
	if len(q.pending) == 0 {
		return Action{Kind: AllDone, Completed: e}
	}
	return Action{Kind: Advance, Completed: e}
}

// Fail marks the in-flight entry failed (timeout or interrupt) and drops
// the rest. The returned entry is nil when nothing was in flight.
func (q *Queue) Fail(status Status) (*Entry, []Entry) {
	e := q.current
	q.current = nil
	q.executing = false
	if e != nil {
		e.Status = status
		e.Duration = q.now().Sub(e.Started)
		q.completed = append(q.completed, *e)
	}
	return e, q.drain(Skipped)
}

// Clear drops every pending entry and the in-flight one without recording
// them as completed.
func (q *Queue) Clear() []Entry {
	var dropped []Entry
	if q.current != nil {
		e := *q.current
		e.Status = Cancelled
		dropped = append(dropped, e)
	}
	q.current = nil
	q.executing = false
	return append(dropped, q.drain(Skipped)...)
}

// Reset clears the queue and the completion history for a new plan.
func (q *Queue) Reset() {
	q.Clear()
	q.completed = nil
}

// Expired reports whether the in-flight entry has been running longer than
// timeout. A zero timeout never expires.
func (q *Queue) Expired(timeout time.Duration) bool {
	if timeout <= 0 || q.current == nil {
		return false
	}
	return q.now().Sub(q.current.Started) > timeout
}

func (q *Queue) drain(status Status) []Entry {
	if len(q.pending) == 0 {
		return nil
	}
	out := make([]Entry, len(q.pending))
	for i, e := range q.pending {
		e.Status = status
		out[i] = e
	}
	q.pending = nil
	return out
}
