package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/alert"
	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/audit"
	"github.com/ppiankov/shellgate/internal/metrics"
	"github.com/ppiankov/shellgate/internal/model"
)

// Recorder writes every agent decision to the audit log, the metrics and
// the alert webhooks. All fields are optional.
type Recorder struct {
	SessionID string
	Audit     *audit.Logger
	Metrics   *metrics.Metrics
	Alerts    *alert.Dispatcher
	Log       *zap.Logger
}

func (r *Recorder) record(e audit.Entry) {
	if r.Audit != nil {
		r.Audit.Record(e)
	}
}

func (r *Recorder) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

// Proposed records a turn's plan.
func (r *Recorder) Proposed(turn int, cmds []model.ProposedCommand, rationale string) {
	e := audit.Entry{Turn: turn, Type: string(model.EventProposed), Rationale: rationale}
	for _, c := range cmds {
		e.Commands = append(e.Commands, c.Command)
		e.Risks = append(e.Risks, c.Risk.String())
		r.Metrics.ObserveProposed(c.Risk.String())
	}
	r.record(e)
	r.log().Info("plan proposed", zap.Int("turn", turn), zap.Int("commands", len(cmds)))
}

// Verdict records a final gate outcome. Deny-list rejections are blocked
// records; every other rejection is a denial.
func (r *Recorder) Verdict(turn int, v approval.Verdict) {
	e := audit.Entry{
		Turn:    turn,
		Command: v.Command.Command,
		Risk:    v.Command.Risk.String(),
		Method:  v.Method,
		Reason:  v.Reason,
	}
	switch {
	case v.Kind == approval.Approve:
		e.Type = string(model.EventApproved)
		e.Decision = string(model.Allow)
	case v.Method == audit.MethodDenylist:
		e.Type = string(model.EventBlocked)
		e.Decision = string(model.Deny)
	default:
		e.Type = string(model.EventDenied)
		e.Decision = string(model.Deny)
	}
	r.record(e)
	r.Metrics.ObserveDecision(e.Decision, v.Method)

	if v.Kind == approval.Reject {
		typ := alert.EventDenied
		if e.Type == string(model.EventBlocked) {
			typ = alert.EventBlocked
		}
		ev := alert.NewEvent(r.SessionID, typ)
		ev.Command = e.Command
		ev.Risk = e.Risk
		ev.Method = e.Method
		ev.Reason = e.Reason
		r.Alerts.Dispatch(ev)
		r.log().Info("command rejected",
			zap.String("command", e.Command), zap.String("method", v.Method), zap.String("reason", v.Reason))
	}
}

// Executed records a finished command. A missing exit code is recorded as
// executed with no code, the way the queue treats it.
func (r *Recorder) Executed(turn int, cmd string, risk model.RiskLevel, exitCode int, hasCode bool, d time.Duration) {
	e := audit.Entry{
		Turn:       turn,
		Command:    cmd,
		Risk:       risk.String(),
		DurationMS: d.Milliseconds(),
		Type:       string(model.EventExecuted),
	}
	status := "succeeded"
	if hasCode {
		e.ExitCode = audit.ExitCode(exitCode)
	}
	if hasCode && exitCode != 0 {
		e.Type = string(model.EventFailed)
		status = "failed"
	}
	r.record(e)
	r.Metrics.ObserveCommand(status, d)
	if e.Type == string(model.EventFailed) {
		r.failedAlert(e)
	}
}

// Failed records a command that could not be started.
func (r *Recorder) Failed(turn int, cmd string, risk model.RiskLevel, reason string, d time.Duration) {
	e := audit.Entry{
		Turn:       turn,
		Type:       string(model.EventFailed),
		Command:    cmd,
		Risk:       risk.String(),
		Reason:     reason,
		DurationMS: d.Milliseconds(),
	}
	r.record(e)
	r.Metrics.ObserveCommand("failed", d)
	r.failedAlert(e)
	r.log().Warn("command failed to start", zap.String("command", cmd), zap.String("reason", reason))
}

func (r *Recorder) failedAlert(e audit.Entry) {
	ev := alert.NewEvent(r.SessionID, alert.EventFailed)
	ev.Command = e.Command
	ev.Risk = e.Risk
	ev.Reason = e.Reason
	ev.ExitCode = e.ExitCode
	r.Alerts.Dispatch(ev)
}

// Cancelled records a command stopped by the user or a timeout.
func (r *Recorder) Cancelled(turn int, cmd string, risk model.RiskLevel, method, reason string, d time.Duration) {
	r.record(audit.Entry{
		Turn:       turn,
		Type:       string(model.EventCancelled),
		Command:    cmd,
		Risk:       risk.String(),
		Method:     method,
		Reason:     reason,
		DurationMS: d.Milliseconds(),
	})
	r.Metrics.ObserveCommand("cancelled", d)
	ev := alert.NewEvent(r.SessionID, alert.EventCancelled)
	ev.Command = cmd
	ev.Method = method
	ev.Reason = reason
	r.Alerts.Dispatch(ev)
	r.log().Info("command cancelled", zap.String("command", cmd), zap.String("reason", reason))
}

// AuditFailure reports an audit write that did not persist. Wire it as the
// audit logger's failure handler.
func (r *Recorder) AuditFailure(e audit.Entry, err error) {
	r.Metrics.ObserveAuditFailure()
	ev := alert.NewEvent(r.SessionID, alert.EventAuditWriteFailed)
	ev.Command = e.Command
	ev.Reason = err.Error()
	r.Alerts.Dispatch(ev)
	r.log().Error("audit write failed", zap.String("type", e.Type), zap.Error(err))
}
