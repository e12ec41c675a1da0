package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/audit"
	"github.com/ppiankov/shellgate/internal/backend"
	"github.com/ppiankov/shellgate/internal/cmdguard"
	"github.com/ppiankov/shellgate/internal/model"
	"github.com/ppiankov/shellgate/internal/output"
	"github.com/ppiankov/shellgate/internal/queue"
)

// plan is one turn's proposed commands on their way through the gate and
// the queue. contents collects the fed-back text per proposal.
type plan struct {
	calls     []backend.ToolCall
	proposals []backend.Proposal
	verdicts  []approval.Verdict
	contents  []string

	next    int   // next verdict to resolve
	running []int // proposal indexes handed to the queue, in order
	done    int   // entries of running that finished

	pending   *approval.Verdict
	denied    []approval.Verdict
	stop      string // set when a denial ends the whole plan
	cancelled bool   // the user interrupted the running command

	out       []byte
	truncated bool
}

func (p *plan) capture(data []byte, max int) {
	room := max - len(p.out)
	if room <= 0 {
		p.truncated = p.truncated || len(data) > 0
		return
	}
	if len(data) > room {
		data = data[:room]
		p.truncated = true
	}
	p.out = append(p.out, data...)
}

var (
	markCommandStart = []byte("\x1b]133;C")
	markCommandEnd   = []byte("\x1b]133;D")
)

// commandOutput returns what command printed. With markers the capture is
// cut to the bytes between its start and end markers; without them the
// shell's echo of the command line is dropped.
func commandOutput(buf []byte, command string) string {
	i := bytes.LastIndex(buf, markCommandStart)
	if i < 0 {
		out := StripTerminal(buf)
		if first, rest, ok := strings.Cut(out, "\n"); ok && strings.TrimSpace(first) == command {
			return rest
		}
		return out
	}
	buf = buf[i:]
	if j := bytes.Index(buf, markCommandEnd); j >= 0 {
		buf = buf[:j]
	}
	return StripTerminal(buf)
}

func (o *Orchestrator) setState(s model.AgentState) {
	if o.state != s {
		o.log.Debug("agent state", zap.Stringer("from", o.state), zap.Stringer("to", s))
	}
	o.state = s
}

// startInstruction begins a new plan from an instruction typed at the
// prompt or sent as a steer message while idle.
func (o *Orchestrator) startInstruction(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.applyReload()
	o.instruction = text
	o.turn = 0
	o.sum = output.Summary{}
	o.streak.Reset()
	o.steers = nil
	o.planTimer.Arm(o.opts.PlanTimeout)
	o.emit.Start(text)
	o.conv.Add(backend.Message{Role: backend.RoleUser, Content: text})
	o.startTurn()
}

func (o *Orchestrator) contextSnapshot() Snapshot {
	if !o.cwdSeen {
		if r, ok := o.shell.(cwdReporter); ok {
			if cwd, err := r.Cwd(); err == nil {
				o.snapshot.Cwd = cwd
			}
		}
	}
	s := o.snapshot
	s.Terminal = o.history.Lines()
	return s
}

// startTurn sends the conversation to the backend.
func (o *Orchestrator) startTurn() {
	if o.turn >= o.opts.MaxTurns {
		o.sum.Incomplete = true
		o.idle(fmt.Sprintf("stopped after %d turns without a final answer", o.opts.MaxTurns))
		return
	}
	o.turn++
	o.sum.Turns = o.turn
	o.applyReload()
	if len(o.steers) > 0 {
		o.conv.Add(backend.Message{Role: backend.RoleUser, Content: strings.Join(o.steers, "\n")})
		o.steers = nil
	}

	req := BuildRequest(o.contextSnapshot(), o.conv.Messages(), o.opts.Redactor)
	ctx, cancel := context.WithCancel(o.ctx)
	ch, err := o.opts.Backend.Stream(ctx, req)
	if err != nil {
		cancel()
		o.rec.Metrics.ObserveBackendError(o.opts.Backend.Name())
		o.log.Warn("backend request failed", zap.Error(err))
		o.idle(err.Error())
		return
	}
	o.stream, o.cancelStream = ch, cancel
	o.text.Reset()
	o.calls = nil
	o.setState(model.Streaming)
	o.emit.Thinking(o.turn)
}

// onStreamEvent consumes one backend event.
func (o *Orchestrator) onStreamEvent(ev backend.StreamEvent, ok bool) {
	if !ok {
		o.stream = nil
		o.endTurn()
		return
	}
	switch ev.Kind {
	case backend.Text:
		o.text.WriteString(ev.Text)
	case backend.ToolUse:
		o.calls = append(o.calls, ev.ToolUse)
	case backend.Usage:
		o.log.Debug("token usage", zap.Int("in", ev.Usage.In), zap.Int("out", ev.Usage.Out))
	case backend.Done:
		o.stream = nil
		o.endTurn()
	case backend.Error:
		o.stream = nil
		o.rec.Metrics.ObserveBackendError(o.opts.Backend.Name())
		reason := "backend stream failed"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		o.log.Warn("backend stream failed", zap.String("reason", reason))
		o.idle(reason)
	}
}

// endTurn turns a finished response into either the final answer or a
// plan for the gate.
func (o *Orchestrator) endTurn() {
	if o.cancelStream != nil {
		o.cancelStream()
		o.cancelStream = nil
	}
	raw, calls := o.text.String(), o.calls
	o.text.Reset()
	o.calls = nil

	text, props, err := RestoreProposals(o.opts.Redactor, raw, backend.ExtractCommands(raw, calls))
	if err != nil {
		o.log.Warn("backend response rejected", zap.Error(err))
		o.idle(err.Error())
		return
	}
	o.conv.Add(backend.Message{Role: backend.RoleAssistant, Content: text, ToolCalls: calls})
	if text != "" {
		o.emit.Text(text)
	}
	if len(props) == 0 {
		if len(calls) > 0 {
			// Every tool call was malformed: say so and let the model retry.
			o.conv.Add(ToolMessages(calls, nil, nil)...)
			o.startTurn()
			return
		}
		if len(o.steers) > 0 {
			// Input typed during the turn still needs an answer.
			o.startTurn()
			return
		}
		o.idle("")
		return
	}

	cmds := make([]model.ProposedCommand, len(props))
	var rationale []string
	for i, p := range props {
		cmds[i] = o.proposer.Propose(p.Command, p.Rationale)
		if p.Rationale != "" {
			rationale = append(rationale, p.Rationale)
		}
	}
	o.rec.Proposed(o.turn, cmds, strings.Join(rationale, "; "))
	o.emit.Plan(o.turn, cmds)

	o.plan = &plan{calls: calls, proposals: props, contents: make([]string, len(props))}
	o.setState(model.Approving)

	ctx, cancel := context.WithCancel(o.ctx)
	ch := make(chan []approval.Verdict, 1)
	o.evaluated, o.cancelEval = ch, cancel
	gate := o.opts.Gate
	b := approval.Batch{
		SessionID:   o.opts.SessionID,
		Turn:        o.turn,
		Instruction: o.instruction,
		Cwd:         o.snapshot.Cwd,
		Commands:    cmds,
	}
	go func() { ch <- gate.Evaluate(ctx, b) }()
}

func (o *Orchestrator) onEvaluated(verdicts []approval.Verdict) {
	o.evaluated = nil
	if o.cancelEval != nil {
		o.cancelEval()
		o.cancelEval = nil
	}
	if o.plan == nil {
		return
	}
	o.plan.verdicts = verdicts
	o.advancePlan()
}

// advancePlan walks the verdicts in order. Approved commands are queued as
// a run; a confirmation or a rejection waits until that run has finished.
func (o *Orchestrator) advancePlan() {
	p := o.plan
	for p.next < len(p.verdicts) {
		v := p.verdicts[p.next]
		if v.Kind == approval.Approve {
			o.rec.Verdict(o.turn, v)
			p.running = append(p.running, p.next)
			o.queue.Enqueue(v.Command.Command)
			p.next++
			continue
		}
		if !o.queue.Empty() {
			break
		}
		if v.Kind == approval.NeedConfirm {
			o.askConfirm(v)
			return
		}
		o.reject(v)
		return
	}
	if !o.queue.Empty() {
		o.execute()
		return
	}
	o.finishPlan()
}

func (o *Orchestrator) askConfirm(v approval.Verdict) {
	o.plan.pending = &v
	o.answer = o.answer[:0]
	o.setState(model.Approving)
	o.emit.ApprovalRequest(v.Command, approval.Prompt(v))
	o.approvalTimer.Arm(o.opts.ApprovalTimeout)
}

func (o *Orchestrator) onAnswer(answer string) {
	if o.plan == nil || o.plan.pending == nil {
		return
	}
	o.resolved(approval.Resolve(*o.plan.pending, answer))
}

func (o *Orchestrator) onApprovalTimeout() {
	if o.plan == nil || o.plan.pending == nil {
		return
	}
	o.resolved(approval.Expire(*o.plan.pending))
}

func (o *Orchestrator) resolved(v approval.Verdict) {
	p := o.plan
	p.pending = nil
	o.approvalTimer.Stop()
	if v.Kind == approval.Approve {
		p.verdicts[p.next] = v
		o.advancePlan()
		return
	}
	o.reject(v)
}

// reject records a denial and skips the rest of the plan. Policy blocks
// are fed back to the backend; a person's denial ends the plan.
func (o *Orchestrator) reject(v approval.Verdict) {
	p := o.plan
	o.rec.Verdict(o.turn, v)
	o.sum.Denied++
	o.emit.Denied(v.Command.Command, v.Reason)
	p.contents[p.next] = DeniedContent(v)
	p.denied = append(p.denied, v)
	o.skipRest(SkippedContent)
	if !IsPolicyBlock(v.Method) {
		p.stop = "denied: " + v.Reason
	}
	o.finishPlan()
}

// skipRest marks every step without an outcome as not run.
func (o *Orchestrator) skipRest(text string) {
	p := o.plan
	if p == nil {
		return
	}
	for i, c := range p.contents {
		if c == "" {
			p.contents[i] = text
			o.sum.Skipped++
		}
	}
	p.next = len(p.verdicts)
}

// execute hands the queued run to the shell once it is at its prompt.
func (o *Orchestrator) execute() {
	o.setState(model.Executing)
	if o.fallback {
		if o.idleGuess {
			o.onQueueAction(o.queue.ForceDispatch())
		}
		return
	}
	o.onQueueAction(o.queue.Ready(o.parser.State()))
}

func (o *Orchestrator) onQueueAction(act queue.Action) {
	p := o.plan
	if p == nil {
		return
	}
	switch act.Kind {
	case queue.Dispatch:
		p.out, p.truncated = nil, false
		o.emit.Step(p.running[p.done], act.Command)
		o.writeShell([]byte(act.Command + "\n"))
		o.commandTimer.Arm(o.opts.CommandTimeout)
		if o.fallback {
			o.idleGuess = false
			o.idleTimer.Arm(o.opts.IdlePromptGuess)
		}
	case queue.Advance:
		if o.completed(act.Completed) && o.fallback && o.idleGuess {
			o.onQueueAction(o.queue.ForceDispatch())
		}
	case queue.AllDone:
		if o.completed(act.Completed) {
			o.advancePlan()
		}
	case queue.Fail:
		if o.completed(act.Completed) {
			o.skipRest(NotAttemptedText)
			o.finishPlan()
		}
	}
}

// completed records a finished queue entry. It returns false when the
// user had interrupted the command and the plan was ended.
func (o *Orchestrator) completed(e *queue.Entry) bool {
	p := o.plan
	o.commandTimer.Stop()
	idx := p.running[p.done]
	p.done++
	pc := p.verdicts[idx].Command
	out := commandOutput(p.out, pc.Command)
	clean, _ := cmdguard.ScanOutput(out)
	code := e.ExitCode
	if !e.HasCode {
		code = -1
	}

	if p.cancelled {
		o.rec.Cancelled(o.turn, pc.Command, pc.Risk, audit.MethodInterrupt, "interrupted by user", e.Duration)
		o.sum.Failed++
		o.emit.StepComplete(pc.Command, code, string(queue.Cancelled))
		p.contents[idx] = Observation(pc.Command, clean, e.ExitCode, e.HasCode, p.truncated) + "[interrupted by the user]\n"
		o.queue.Clear()
		o.idle("interrupted")
		return false
	}

	o.rec.Executed(o.turn, pc.Command, pc.Risk, e.ExitCode, e.HasCode, e.Duration)
	if e.Status == queue.Failed {
		o.sum.Failed++
	} else {
		o.sum.Ran++
	}
	o.emit.Output(pc.Command, clean)
	o.emit.StepComplete(pc.Command, code, string(e.Status))
	p.contents[idx] = Observation(pc.Command, clean, e.ExitCode, e.HasCode, p.truncated)
	return true
}

// onCommandTimeout interrupts a command that ran too long and fails the
// plan from there.
func (o *Orchestrator) onCommandTimeout() {
	p := o.plan
	if p == nil || o.queue.Current() == nil {
		return
	}
	o.interruptShell()
	e, _ := o.queue.Fail(queue.Failed)
	idx := p.running[p.done]
	p.done++
	pc := p.verdicts[idx].Command
	o.rec.Cancelled(o.turn, pc.Command, pc.Risk, audit.MethodTimeout, "command timed out", e.Duration)
	o.sum.Failed++
	o.emit.StepComplete(pc.Command, -1, "timed_out")
	out := commandOutput(p.out, pc.Command)
	clean, _ := cmdguard.ScanOutput(out)
	p.contents[idx] = Observation(pc.Command, clean, 0, false, p.truncated) + "[command timed out]\n"
	o.skipRest(NotAttemptedText)
	o.finishPlan()
}

func (o *Orchestrator) onPlanTimeout() {
	if o.state == model.Idle {
		return
	}
	o.forceStop(audit.MethodTimeout, "plan timeout")
}

// finishPlan feeds every step's outcome back and starts the next turn,
// unless a denial or the denial limit ends the session's work.
func (o *Orchestrator) finishPlan() {
	p := o.plan
	o.conv.Add(ToolMessages(p.calls, p.proposals, p.contents)...)
	o.plan = nil
	o.queue.Reset()

	if n := o.streak.Add(p.denied); n >= o.opts.MaxConsecutiveDenials {
		o.idle(fmt.Sprintf("%d consecutive denials", n))
		return
	}
	if p.stop != "" {
		o.idle(p.stop)
		return
	}
	o.startTurn()
}

// forceStop ends whatever is in progress immediately. A running command
// gets one cancelled record; the queue is cleared.
func (o *Orchestrator) forceStop(method, reason string) {
	if p := o.plan; p != nil {
		if cur := o.queue.Current(); cur != nil {
			o.interruptShell()
			idx := p.running[p.done]
			p.done++
			pc := p.verdicts[idx].Command
			o.rec.Cancelled(o.turn, pc.Command, pc.Risk, method, reason, time.Since(cur.Started))
			o.sum.Failed++
			o.emit.StepComplete(pc.Command, -1, string(queue.Cancelled))
			p.contents[idx] = "Cancelled: " + reason + "."
		}
		if p.pending != nil {
			v := approval.Interrupted(*p.pending)
			if method == audit.MethodTimeout {
				v = approval.Expire(*p.pending)
			}
			p.pending = nil
			o.rec.Verdict(o.turn, v)
			o.sum.Denied++
			p.contents[p.next] = DeniedContent(v)
		}
		o.queue.Clear()
	}
	o.idle(reason)
}

// idle returns to Idle, reporting reason and the progress summary. Steps
// without an outcome are fed back as cancelled so the conversation stays
// well formed.
func (o *Orchestrator) idle(reason string) {
	o.approvalTimer.Stop()
	o.commandTimer.Stop()
	o.planTimer.Stop()
	if o.cancelStream != nil {
		o.cancelStream()
		o.cancelStream = nil
	}
	o.stream = nil
	if o.cancelEval != nil {
		o.cancelEval()
		o.cancelEval = nil
	}
	o.evaluated = nil
	if p := o.plan; p != nil {
		o.skipRest(CancelledContent)
		o.conv.Add(ToolMessages(p.calls, p.proposals, p.contents)...)
		o.plan = nil
	}
	o.queue.Reset()
	o.answer = o.answer[:0]
	o.setState(model.Idle)

	o.sum.Reason = reason
	if reason != "" {
		o.emit.Error(reason)
	}
	o.emit.Done(o.sum)
	o.detector.LineStart()
	o.applyReload()
}
