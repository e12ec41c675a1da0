// Package batch runs an instruction to completion without a terminal:
// approved commands run through sh -c and the final answer goes to stdout.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/audit"
	"github.com/ppiankov/shellgate/internal/backend"
	"github.com/ppiankov/shellgate/internal/cmdguard"
	"github.com/ppiankov/shellgate/internal/model"
	"github.com/ppiankov/shellgate/internal/orchestrator"
	"github.com/ppiankov/shellgate/internal/output"
	"github.com/ppiankov/shellgate/internal/redact"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitPolicyBlock = 77
)

const (
	defaultMaxTurns   = 10
	defaultMaxDenials = 3
)

// Executor runs one approved command. *cmdguard.Runner is the production
// implementation.
type Executor interface {
	Run(ctx context.Context, command string) (*cmdguard.Result, error)
}

// Proposer classifies a command suggested by the backend.
type Proposer interface {
	Propose(cmd, rationale string) model.ProposedCommand
}

// Options wires a batch run. Backend, Proposer, Gate and Executor are
// required.
type Options struct {
	SessionID string
	Backend   backend.Backend
	Proposer  Proposer
	Gate      *approval.Gate
	Executor  Executor
	Recorder  *orchestrator.Recorder
	Emitter   output.Emitter
	Redactor  *redact.Redactor
	Log       *zap.Logger
	// Answer receives the final plain-text answer.
	Answer io.Writer

	Snapshot orchestrator.Snapshot
	// AutoApproveMax is the highest risk approved without a user.
	AutoApproveMax        model.RiskLevel
	MaxTurns              int
	MaxConversation       int
	MaxConsecutiveDenials int
	PlanTimeout           time.Duration
}

// Result is the outcome of a run.
type Result struct {
	ExitCode int
	Answer   string
	Summary  output.Summary
}

// Agent executes batch runs.
type Agent struct {
	opts Options
	rec  *orchestrator.Recorder
	emit output.Emitter
	log  *zap.Logger
}

// New validates opts and fills defaults.
func New(opts Options) (*Agent, error) {
	switch {
	case opts.Backend == nil:
		return nil, errors.New("batch: backend is required")
	case opts.Proposer == nil:
		return nil, errors.New("batch: classifier is required")
	case opts.Gate == nil:
		return nil, errors.New("batch: approval gate is required")
	case opts.Executor == nil:
		return nil, errors.New("batch: executor is required")
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	if opts.MaxConsecutiveDenials <= 0 {
		opts.MaxConsecutiveDenials = defaultMaxDenials
	}
	if opts.Answer == nil {
		opts.Answer = io.Discard
	}
	a := &Agent{opts: opts, rec: opts.Recorder, emit: opts.Emitter, log: opts.Log}
	if a.rec == nil {
		a.rec = &orchestrator.Recorder{SessionID: opts.SessionID}
	}
	if a.emit == nil {
		a.emit = output.NewJSON(io.Discard)
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	a.opts.Snapshot.Batch = true
	return a, nil
}

// Run drives the instruction until the backend answers without proposing
// commands, or a limit is hit.
func (a *Agent) Run(ctx context.Context, instruction string) Result {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		a.emit.Error("empty instruction")
		return Result{ExitCode: ExitFailure, Summary: output.Summary{Reason: "empty instruction"}}
	}
	if a.opts.PlanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.PlanTimeout)
		defer cancel()
	}

	a.emit.Start(instruction)
	conv := orchestrator.NewConversation(a.opts.MaxConversation)
	conv.Add(backend.Message{Role: backend.RoleUser, Content: instruction})

	var sum output.Summary
	var streak orchestrator.DenialStreak

	for turn := 1; turn <= a.opts.MaxTurns; turn++ {
		sum.Turns = turn
		a.emit.Thinking(turn)

		text, calls, err := a.stream(ctx, conv)
		if err != nil {
			return a.fail(ctx, sum, err)
		}

		text, proposals, err := orchestrator.RestoreProposals(a.opts.Redactor, text, backend.ExtractCommands(text, calls))
		if err != nil {
			a.log.Warn("backend response rejected", zap.Error(err))
			return a.fail(ctx, sum, err)
		}
		conv.Add(backend.Message{Role: backend.RoleAssistant, Content: text, ToolCalls: calls})
		if len(proposals) == 0 {
			sum.Reason = ""
			a.emit.Done(sum)
			if text != "" {
				fmt.Fprintln(a.opts.Answer, strings.TrimRight(text, "\n"))
			}
			return Result{ExitCode: ExitOK, Answer: text, Summary: sum}
		}
		if text != "" {
			a.emit.Text(text)
		}

		results, denied, err := a.step(ctx, turn, instruction, proposals, &sum)
		if err != nil {
			return a.fail(ctx, sum, err)
		}
		conv.Add(orchestrator.ToolMessages(calls, proposals, results)...)

		if streak.Add(denied) >= a.opts.MaxConsecutiveDenials {
			sum.Reason = fmt.Sprintf("%d consecutive denials", streak.N)
			a.emit.Error(sum.Reason)
			a.emit.Done(sum)
			code := ExitFailure
			if streak.PolicyOnly {
				code = ExitPolicyBlock
			}
			return Result{ExitCode: code, Summary: sum}
		}
	}

	sum.Incomplete = true
	sum.Reason = fmt.Sprintf("stopped after %d turns without a final answer", a.opts.MaxTurns)
	a.emit.Done(sum)
	return Result{ExitCode: ExitFailure, Summary: sum}
}

func (a *Agent) fail(ctx context.Context, sum output.Summary, err error) Result {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		sum.Reason = "plan timeout"
	case ctx.Err() != nil:
		sum.Reason = "interrupted"
	default:
		sum.Reason = err.Error()
	}
	a.emit.Error(sum.Reason)
	a.emit.Done(sum)
	return Result{ExitCode: ExitFailure, Summary: sum}
}

// stream runs one backend turn. Cancellation mid-stream is an error even
// when the backend closed its channel quietly.
func (a *Agent) stream(ctx context.Context, conv *orchestrator.Conversation) (string, []backend.ToolCall, error) {
	req := orchestrator.BuildRequest(a.opts.Snapshot, conv.Messages(), a.opts.Redactor)
	ch, err := a.opts.Backend.Stream(ctx, req)
	if err != nil {
		a.rec.Metrics.ObserveBackendError(a.opts.Backend.Name())
		return "", nil, err
	}
	text, calls, err := backend.Collect(ch)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		a.rec.Metrics.ObserveBackendError(a.opts.Backend.Name())
		return "", nil, err
	}
	return text, calls, nil
}

// step classifies, gates and runs one turn's proposals. Denying a step
// skips it and every later step.
func (a *Agent) step(ctx context.Context, turn int, instruction string, proposals []backend.Proposal, sum *output.Summary) ([]string, []approval.Verdict, error) {
	cmds := make([]model.ProposedCommand, len(proposals))
	rationale := make([]string, 0, len(proposals))
	for i, p := range proposals {
		cmds[i] = a.opts.Proposer.Propose(p.Command, p.Rationale)
		if p.Rationale != "" {
			rationale = append(rationale, p.Rationale)
		}
	}
	a.rec.Proposed(turn, cmds, strings.Join(rationale, "; "))
	a.emit.Plan(turn, cmds)

	verdicts := a.opts.Gate.Evaluate(ctx, approval.Batch{
		SessionID:   a.opts.SessionID,
		Turn:        turn,
		Instruction: instruction,
		Cwd:         a.opts.Snapshot.Cwd,
		Commands:    cmds,
	})

	results := make([]string, len(verdicts))
	var denied []approval.Verdict
	stopped := false
	for i, v := range verdicts {
		if stopped {
			sum.Skipped++
			results[i] = orchestrator.SkippedContent
			continue
		}
		v = approval.NonInteractive(v, a.opts.AutoApproveMax)
		a.rec.Verdict(turn, v)
		if v.Kind != approval.Approve {
			denied = append(denied, v)
			sum.Denied++
			a.emit.Denied(v.Command.Command, v.Reason)
			results[i] = orchestrator.DeniedContent(v)
			stopped = true
			continue
		}

		a.emit.Step(i, v.Command.Command)
		content, blocked, err := a.execute(ctx, turn, v.Command, sum)
		if err != nil {
			return nil, nil, err
		}
		if blocked != nil {
			denied = append(denied, *blocked)
			results[i] = orchestrator.DeniedContent(*blocked)
			stopped = true
			continue
		}
		results[i] = content
	}
	return results, denied, nil
}

// execute runs one approved command. A runner-level block is returned as a
// rejected verdict; err is set only when the run must stop.
func (a *Agent) execute(ctx context.Context, turn int, pc model.ProposedCommand, sum *output.Summary) (string, *approval.Verdict, error) {
	start := time.Now()
	res, err := a.opts.Executor.Run(ctx, pc.Command)
	var blockedErr *cmdguard.BlockedError
	switch {
	case errors.As(err, &blockedErr):
		v := approval.Verdict{Command: pc, Kind: approval.Reject, Method: audit.MethodDenylist, Reason: blockedErr.Reason}
		a.rec.Verdict(turn, v)
		sum.Denied++
		a.emit.Denied(pc.Command, blockedErr.Reason)
		return "", &v, nil
	case err != nil:
		a.rec.Failed(turn, pc.Command, pc.Risk, err.Error(), time.Since(start))
		sum.Failed++
		a.emit.StepComplete(pc.Command, -1, string(statusFailed))
		return orchestrator.ToolResultPrefix + "failed to start: " + err.Error() + "\n", nil, nil
	}

	if ctx.Err() != nil && !res.TimedOut {
		a.rec.Cancelled(turn, pc.Command, pc.Risk, audit.MethodInterrupt, "interrupted", res.Duration)
		return "", nil, ctx.Err()
	}

	a.rec.Executed(turn, pc.Command, pc.Risk, res.ExitCode, true, res.Duration)
	status := statusSucceeded
	switch {
	case res.TimedOut:
		status = statusTimedOut
		sum.Failed++
	case res.ExitCode != 0:
		status = statusFailed
		sum.Failed++
	default:
		sum.Ran++
	}
	clean := orchestrator.StripTerminal([]byte(res.Output))
	a.emit.Output(pc.Command, clean)
	a.emit.StepComplete(pc.Command, res.ExitCode, string(status))

	obs := orchestrator.Observation(pc.Command, clean, res.ExitCode, true, res.Truncated)
	if res.TimedOut {
		obs += "[command timed out]\n"
	}
	return obs, nil, nil
}

type stepStatus string

const (
	statusSucceeded stepStatus = "succeeded"
	statusFailed    stepStatus = "failed"
	statusTimedOut  stepStatus = "timed_out"
)
