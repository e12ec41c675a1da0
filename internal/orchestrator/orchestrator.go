// Package orchestrator drives the interactive agent. One goroutine owns all
// session state and multiplexes shell output, keystrokes, window resizes,
// the backend stream and the timers in a single select loop; every case
// handles exactly one event and returns to the loop.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/audit"
	"github.com/ppiankov/shellgate/internal/backend"
	"github.com/ppiankov/shellgate/internal/instruction"
	"github.com/ppiankov/shellgate/internal/lifecycle"
	"github.com/ppiankov/shellgate/internal/model"
	"github.com/ppiankov/shellgate/internal/output"
	"github.com/ppiankov/shellgate/internal/policy"
	"github.com/ppiankov/shellgate/internal/queue"
	"github.com/ppiankov/shellgate/internal/redact"
)

const (
	ctrlC = 0x03

	defaultMaxTurns         = 10
	defaultMaxDenials       = 3
	defaultMaxTerminalLines = 50
	defaultMaxOutput        = 100_000
	defaultInterruptWindow  = time.Second
	defaultIdleGuess        = 400 * time.Millisecond
	defaultApprovalTimeout  = 5 * time.Minute
	shellDrainTimeout       = 200 * time.Millisecond
)

// Shell is the PTY-backed child. *ptysession.Session implements it.
type Shell interface {
	Write(p []byte) error
	Interrupt() error
	Resize(rows, cols uint16) error
	Output() <-chan []byte
	Done() <-chan struct{}
}

// cwdReporter is implemented by shells that can report their working
// directory without OSC 7.
type cwdReporter interface {
	Cwd() (string, error)
}

// Proposer classifies a command suggested by the backend.
type Proposer interface {
	Propose(cmd, rationale string) model.ProposedCommand
}

// WindowSize is a terminal resize.
type WindowSize struct {
	Rows uint16
	Cols uint16
}

// Reload carries reloaded policy state. Nil fields keep the current value.
type Reload struct {
	Proposer Proposer
	Policy   *policy.Config
}

// Options wires a session. Shell, Backend, Proposer and Gate are required.
type Options struct {
	SessionID string
	Shell     Shell
	Backend   backend.Backend
	Proposer  Proposer
	Gate      *approval.Gate
	Recorder  *Recorder
	Emitter   output.Emitter
	Redactor  *redact.Redactor
	Log       *zap.Logger

	// Terminal receives shell output and locally echoed input.
	Terminal io.Writer
	// Input carries raw keystrokes, or JSON control lines when Machine is set.
	Input <-chan []byte
	// Interrupts carries interrupts that do not arrive as keystrokes, such
	// as SIGINT when stdin is not in raw mode.
	Interrupts <-chan struct{}
	Resize     <-chan WindowSize
	Reloads    <-chan Reload
	Machine    bool

	Snapshot Snapshot
	Prefix   string
	// Integrated is set when the shell sourced the marker hooks. Without
	// it, or when no marker arrives within IntegrationTimeout, the session
	// falls back to the long prefix and idle-based prompt guessing.
	Integrated         bool
	IntegrationTimeout time.Duration
	IdlePromptGuess    time.Duration

	MaxTurns              int
	MaxConsecutiveDenials int
	MaxConversation       int
	MaxTerminalLines      int
	MaxOutputBytes        int
	ApprovalTimeout       time.Duration
	CommandTimeout        time.Duration
	PlanTimeout           time.Duration
	DoubleInterruptWindow time.Duration
}

// Orchestrator is one interactive agent session. Run must be called once.
type Orchestrator struct {
	opts     Options
	shell    Shell
	proposer Proposer
	rec      *Recorder
	emit     output.Emitter
	log      *zap.Logger
	term     io.Writer

	state    model.AgentState
	parser   *lifecycle.Parser
	detector *instruction.Detector
	queue    *queue.Queue
	history  *History
	conv     *Conversation
	snapshot Snapshot
	fallback bool
	cwdSeen  bool

	ctx           context.Context
	instruction   string
	turn          int
	sum           output.Summary
	streak        DenialStreak
	steers        []string
	pendingReload *Reload

	// Streaming.
	stream       <-chan backend.StreamEvent
	cancelStream context.CancelFunc
	text         bytes.Buffer
	calls        []backend.ToolCall

	// Approving and executing.
	plan       *plan
	evaluated  chan []approval.Verdict
	cancelEval context.CancelFunc
	answer     []byte
	inputLine  []byte

	lastInterrupt time.Time
	idleGuess     bool

	approvalTimer    timer
	commandTimer     timer
	planTimer        timer
	idleTimer        timer
	integrationTimer timer
}

// New validates opts and fills defaults.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Shell == nil:
		return nil, errors.New("orchestrator: shell is required")
	case opts.Backend == nil:
		return nil, errors.New("orchestrator: backend is required")
	case opts.Proposer == nil:
		return nil, errors.New("orchestrator: classifier is required")
	case opts.Gate == nil:
		return nil, errors.New("orchestrator: approval gate is required")
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	if opts.MaxConsecutiveDenials <= 0 {
		opts.MaxConsecutiveDenials = defaultMaxDenials
	}
	if opts.MaxTerminalLines <= 0 {
		opts.MaxTerminalLines = defaultMaxTerminalLines
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutput
	}
	if opts.DoubleInterruptWindow <= 0 {
		opts.DoubleInterruptWindow = defaultInterruptWindow
	}
	if opts.IdlePromptGuess <= 0 {
		opts.IdlePromptGuess = defaultIdleGuess
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = defaultApprovalTimeout
	}
	o := &Orchestrator{
		opts:     opts,
		shell:    opts.Shell,
		proposer: opts.Proposer,
		rec:      opts.Recorder,
		emit:     opts.Emitter,
		log:      opts.Log,
		term:     opts.Terminal,
		parser:   lifecycle.NewParser(),
		detector: instruction.New(opts.Prefix),
		queue:    queue.New(),
		history:  NewHistory(opts.MaxTerminalLines),
		conv:     NewConversation(opts.MaxConversation),
		snapshot: opts.Snapshot,
	}
	if o.rec == nil {
		o.rec = &Recorder{SessionID: opts.SessionID}
	}
	if o.emit == nil {
		o.emit = output.NewJSON(io.Discard)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.term == nil {
		o.term = io.Discard
	}
	return o, nil
}

// Run processes events until the shell exits or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	if !o.opts.Integrated {
		o.enterFallback("shell integration disabled")
	} else if o.opts.IntegrationTimeout > 0 {
		o.integrationTimer.Arm(o.opts.IntegrationTimeout)
	}
	defer o.stopAll()

	shellOut := o.shell.Output()
	input := o.opts.Input
	for {
		select {
		case <-ctx.Done():
			if o.state != model.Idle {
				o.forceStop(audit.MethodInterrupt, "session cancelled")
			}
			return ctx.Err()

		case data, ok := <-shellOut:
			if !ok {
				shellOut = nil
				continue
			}
			o.onShellOutput(data)

		case <-o.shell.Done():
			o.drainOutput(shellOut)
			if o.state != model.Idle {
				o.forceStop(audit.MethodInterrupt, "shell exited")
			}
			return nil

		case data, ok := <-input:
			if !ok {
				input = nil
				continue
			}
			o.onInput(data)

		case <-o.opts.Interrupts:
			o.onInterrupt()

		case sz := <-o.opts.Resize:
			o.snapshot.Rows, o.snapshot.Cols = int(sz.Rows), int(sz.Cols)
			if err := o.shell.Resize(sz.Rows, sz.Cols); err != nil {
				o.log.Debug("resize failed", zap.Error(err))
			}

		case r := <-o.opts.Reloads:
			o.queueReload(r)

		case ev, ok := <-o.stream:
			o.onStreamEvent(ev, ok)

		case verdicts := <-o.evaluated:
			o.onEvaluated(verdicts)

		case <-o.approvalTimer.C():
			o.approvalTimer.Stop()
			o.onApprovalTimeout()

		case <-o.commandTimer.C():
			o.commandTimer.Stop()
			o.onCommandTimeout()

		case <-o.planTimer.C():
			o.planTimer.Stop()
			o.onPlanTimeout()

		case <-o.idleTimer.C():
			o.idleTimer.Stop()
			o.onIdle()

		case <-o.integrationTimer.C():
			o.integrationTimer.Stop()
			if !o.parser.MarkersSeen() {
				o.enterFallback("no shell integration markers seen")
			}
		}
	}
}

// drainOutput writes what the shell printed before it exited. It stops when
// the output channel closes or after shellDrainTimeout.
func (o *Orchestrator) drainOutput(out <-chan []byte) {
	if out == nil {
		return
	}
	deadline := time.NewTimer(shellDrainTimeout)
	defer deadline.Stop()
	for {
		select {
		case data, ok := <-out:
			if !ok {
				return
			}
			o.onShellOutput(data)
		case <-deadline.C:
			return
		}
	}
}

// onShellOutput passes output through to the terminal and feeds the
// lifecycle parser, the context history and the command capture.
func (o *Orchestrator) onShellOutput(data []byte) {
	if _, err := o.term.Write(data); err != nil {
		o.log.Debug("terminal write failed", zap.Error(err))
	}
	o.history.Feed(data)
	if o.plan != nil && o.queue.Current() != nil {
		o.plan.capture(data, o.opts.MaxOutputBytes)
	}
	if o.fallback {
		o.idleGuess = false
		o.idleTimer.Arm(o.opts.IdlePromptGuess)
	}
	for _, ev := range o.parser.Feed(data) {
		o.onLifecycle(ev)
	}
}

func (o *Orchestrator) onLifecycle(ev lifecycle.Event) {
	o.log.Debug("lifecycle marker",
		zap.Stringer("kind", ev.Kind), zap.Int("exit_code", ev.ExitCode), zap.String("path", ev.Path))
	switch ev.Kind {
	case lifecycle.PromptStart, lifecycle.InputReady:
		o.detector.LineStart()
	case lifecycle.CwdChanged:
		o.snapshot.Cwd = ev.Path
		o.cwdSeen = true
	}
	if o.plan != nil {
		o.onQueueAction(o.queue.HandleEvent(ev))
	}
}

// onIdle fires when a shell without markers has been quiet long enough to
// be guessed back at its prompt.
func (o *Orchestrator) onIdle() {
	if !o.fallback {
		return
	}
	o.idleGuess = true
	o.detector.LineStart()
	if o.plan == nil {
		return
	}
	if o.queue.Current() != nil {
		o.onQueueAction(o.queue.Complete(0, false))
		return
	}
	if !o.queue.Empty() {
		o.onQueueAction(o.queue.ForceDispatch())
	}
}

func (o *Orchestrator) enterFallback(reason string) {
	if o.fallback {
		return
	}
	o.fallback = true
	o.idleGuess = true
	o.detector.SetPrefix(instruction.FallbackPrefix)
	o.log.Info("prompt detection falls back to idle guessing", zap.String("reason", reason))
	o.emit.Info("shell integration unavailable: instructions start with " + instruction.FallbackPrefix)
}

func (o *Orchestrator) atPrompt() bool {
	if o.fallback {
		return o.idleGuess
	}
	return o.parser.State().AtPrompt()
}

// onInput routes one chunk of user input by agent state.
func (o *Orchestrator) onInput(data []byte) {
	if o.opts.Machine {
		o.onControlInput(data)
		return
	}
	switch o.state {
	case model.Idle:
		res := o.detector.Feed(data, o.atPrompt())
		o.writeShell(res.Forward)
		if len(res.Echo) > 0 {
			o.term.Write(res.Echo)
		}
		for i, text := range res.Instructions {
			if i == 0 {
				o.startInstruction(text)
				continue
			}
			o.steer(text)
		}
	case model.Approving:
		o.onAnswerKeys(data)
	default:
		// Ctrl-C is the agent's; everything else goes on to the shell.
		i := bytes.IndexByte(data, ctrlC)
		if i < 0 {
			o.forwardBusy(data)
			return
		}
		o.forwardBusy(data[:i])
		o.onInterrupt()
		if rest := data[i+1:]; len(rest) > 0 {
			o.onInput(rest)
		}
	}
}

// forwardBusy passes keystrokes on while a turn streams or a plan runs.
// During a turn the shell sits at its prompt, so instructions typed there
// are still captured and become steers for the next turn.
func (o *Orchestrator) forwardBusy(data []byte) {
	if len(data) == 0 {
		return
	}
	switch o.state {
	case model.Executing:
		o.writeShell(o.detector.Feed(data, false).Forward)
	case model.Streaming:
		res := o.detector.Feed(data, o.atPrompt())
		o.writeShell(res.Forward)
		if len(res.Echo) > 0 {
			o.term.Write(res.Echo)
		}
		for _, text := range res.Instructions {
			o.steer(text)
		}
	}
}

// onAnswerKeys edits the confirmation answer line.
func (o *Orchestrator) onAnswerKeys(data []byte) {
	for i, b := range data {
		switch {
		case b == ctrlC:
			o.answer = o.answer[:0]
			o.onInterrupt()
			return
		case b == '\r' || b == '\n':
			if o.plan == nil || o.plan.pending == nil {
				continue
			}
			answer := string(o.answer)
			o.answer = o.answer[:0]
			o.term.Write([]byte("\r\n"))
			o.onAnswer(answer)
			if rest := data[i+1:]; len(rest) > 0 && o.state == model.Idle {
				o.onInput(rest)
			}
			return
		case b == 0x7f || b == 0x08:
			if len(o.answer) > 0 {
				o.answer = o.answer[:len(o.answer)-1]
				o.term.Write([]byte("\b \b"))
			}
		case b >= 0x20 && b < 0x7f:
			if o.plan != nil && o.plan.pending != nil {
				o.answer = append(o.answer, b)
				o.term.Write([]byte{b})
			}
		}
	}
}

// onControlInput handles JSON control lines in machine mode.
func (o *Orchestrator) onControlInput(data []byte) {
	o.inputLine = append(o.inputLine, data...)
	for {
		i := bytes.IndexByte(o.inputLine, '\n')
		if i < 0 {
			return
		}
		line := bytes.TrimSpace(o.inputLine[:i])
		o.inputLine = o.inputLine[i+1:]
		if len(line) == 0 {
			continue
		}
		in, err := output.ParseInput(line)
		if err != nil {
			o.emit.Error("invalid input: " + err.Error())
			continue
		}
		switch in.Type {
		case output.InputApprove, output.InputDeny:
			if o.plan == nil || o.plan.pending == nil {
				o.emit.Error("no approval pending")
				continue
			}
			answer := "no"
			if in.Type == output.InputApprove {
				answer = "yes"
			}
			o.onAnswer(answer)
		case output.InputSteer:
			if o.state == model.Idle {
				o.startInstruction(in.Text)
				continue
			}
			o.steer(in.Text)
		}
	}
}

// steer queues text for the next backend turn.
func (o *Orchestrator) steer(text string) {
	if text == "" {
		return
	}
	o.steers = append(o.steers, text)
	o.emit.Steer(text)
}

// onInterrupt cancels the active operation. A second interrupt within the
// window forces the session back to idle.
func (o *Orchestrator) onInterrupt() {
	now := time.Now()
	double := !o.lastInterrupt.IsZero() && now.Sub(o.lastInterrupt) <= o.opts.DoubleInterruptWindow
	o.lastInterrupt = now
	if double {
		if o.state == model.Idle {
			o.interruptShell()
			return
		}
		o.forceStop(audit.MethodInterrupt, "stopped by user")
		return
	}

	switch o.state {
	case model.Idle:
		o.interruptShell()
	case model.Streaming:
		o.idle("interrupted")
	case model.Approving:
		if o.plan != nil && o.plan.pending != nil {
			o.resolved(approval.Interrupted(*o.plan.pending))
			return
		}
		o.idle("interrupted")
	case model.Executing:
		o.plan.cancelled = true
		o.interruptShell()
		o.emit.Info("interrupt sent; press Ctrl-C again to stop immediately")
	}
}

func (o *Orchestrator) interruptShell() {
	if err := o.shell.Interrupt(); err != nil {
		o.log.Debug("interrupt failed", zap.Error(err))
	}
}

func (o *Orchestrator) writeShell(p []byte) {
	if len(p) == 0 {
		return
	}
	if err := o.shell.Write(p); err != nil {
		o.log.Warn("shell write failed", zap.Error(err))
	}
}

// queueReload keeps the newest reload and applies it when no plan runs.
func (o *Orchestrator) queueReload(r Reload) {
	if o.pendingReload == nil {
		o.pendingReload = &Reload{}
	}
	if r.Proposer != nil {
		o.pendingReload.Proposer = r.Proposer
	}
	if r.Policy != nil {
		o.pendingReload.Policy = r.Policy
	}
	if o.state == model.Idle {
		o.applyReload()
	}
}

func (o *Orchestrator) applyReload() {
	r := o.pendingReload
	if r == nil {
		return
	}
	o.pendingReload = nil
	if r.Proposer != nil {
		o.proposer = r.Proposer
	}
	if r.Policy != nil {
		o.opts.Gate.SetPolicy(r.Policy)
	}
	o.log.Info("policy reloaded")
}

func (o *Orchestrator) stopAll() {
	o.approvalTimer.Stop()
	o.commandTimer.Stop()
	o.planTimer.Stop()
	o.idleTimer.Stop()
	o.integrationTimer.Stop()
	if o.cancelStream != nil {
		o.cancelStream()
	}
	if o.cancelEval != nil {
		o.cancelEval()
	}
}

// timer is a stoppable one-shot whose channel is nil while disarmed, so a
// select case on it never fires.
type timer struct {
	t *time.Timer
}

func (t *timer) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

// Arm (re)starts the timer. A non-positive d disarms it.
func (t *timer) Arm(d time.Duration) {
	t.Stop()
	if d > 0 {
		t.t = time.NewTimer(d)
	}
}

func (t *timer) Stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
