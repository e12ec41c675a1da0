package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ppiankov/shellgate/internal/classify"
	"github.com/ppiankov/shellgate/internal/config"
	"github.com/ppiankov/shellgate/internal/depth"
	"github.com/ppiankov/shellgate/internal/orchestrator"
	"github.com/ppiankov/shellgate/internal/output"
	"github.com/ppiankov/shellgate/internal/ptysession"
)

const alertFlushTimeout = 5 * time.Second

func runSession(cmd *cobra.Command, args []string) error {
	l, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := l.cfg
	d, err := depth.Check(cfg.Security.MaxAgentDepth)
	if err != nil {
		return withCode(exitFatal, err)
	}

	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := newSessionID()
	log = log.With(zap.String("session_id", sessionID))

	b, endpoint, err := buildBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	dl, err := loadDenylist(cfg)
	if err != nil {
		return err
	}
	grants, err := openGrants(cfg)
	if err != nil {
		return err
	}
	gate, err := buildGate(cfg, b, grants, d)
	if err != nil {
		return err
	}
	redactor, err := newRedactor(cfg, endpoint, sessionID)
	if err != nil {
		return err
	}
	rec, closeRec, err := newRecorder(l, sessionID, d, log)
	if err != nil {
		return err
	}
	defer closeRec()

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	machine := output.ParseFormat(flagOutput) == output.FormatJSON || !output.IsTTY(os.Stdout)

	var rows, cols uint16
	if interactive {
		if w, h, err := term.GetSize(stdinFd); err == nil {
			cols, rows = uint16(w), uint16(h)
		}
	}

	shellCmd := cfg.Shell.Command
	if flagShell != "" {
		shellCmd = flagShell
	}
	sess, err := ptysession.Spawn(ptysession.Config{
		Shell:       shellCmd,
		Dir:         cwd,
		Rows:        rows,
		Cols:        cols,
		Integration: cfg.Shell.Integration && !flagNoIntegration,
	})
	if err != nil {
		return withCode(exitFatal, err)
	}
	defer sess.Close()
	log.Info("session started",
		zap.String("shell", sess.Shell()),
		zap.Int("pid", sess.Pid()),
		zap.Bool("integrated", sess.Integrated()),
		zap.Int("depth", d))

	// Machine mode keeps the terminal cooked: JSON events go to stdout,
	// shell output to stderr, and stdin carries JSON control lines.
	var (
		terminal io.Writer = os.Stdout
		emit     output.Emitter
	)
	if machine {
		terminal = os.Stderr
		emit = output.NewJSON(os.Stdout)
	} else {
		h := output.NewHuman(os.Stderr, output.HumanOptions{Color: output.IsTTY(os.Stderr), Depth: d, Width: output.TermWidth(os.Stdout)})
		emit = h
		if interactive {
			restore, err := makeRaw(stdinFd)
			if err != nil {
				return err
			}
			defer restore()
			defer func() {
				if r := recover(); r != nil {
					restore()
					panic(r)
				}
			}()
			h.SetCRLF(true)
		}
	}

	input := make(chan []byte, 16)
	go readInput(ctx, os.Stdin, input)

	interrupts := make(chan struct{}, 1)
	resize := make(chan orchestrator.WindowSize, 1)
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGWINCH)
	defer signal.Stop(sigs)
	go forwardSignals(ctx, cancel, sigs, interrupts, resize, stdinFd, interactive)

	reloads := make(chan orchestrator.Reload, 1)
	if w, err := config.NewWatcher(watchPaths(l)...); err != nil {
		log.Warn("hot reload disabled", zap.Error(err))
	} else {
		w.SetErrorf(func(format string, args ...any) { log.Warn(fmt.Sprintf(format, args...)) })
		go func() { _ = w.Run(ctx) }()
		go watchSession(ctx, w, l.path, reloads, log)
	}

	snap := orchestrator.NewSnapshot(cwd, sess.Shell())
	snap.Depth = d
	snap.MaxDepth = cfg.Security.MaxAgentDepth
	if rows > 0 && cols > 0 {
		snap.Rows, snap.Cols = int(rows), int(cols)
	}
	if cfg.Context.IncludeEnv {
		snap.Env = orchestrator.CollectEnv(sharedEnv, os.Getenv)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		SessionID:             sessionID,
		Shell:                 sess,
		Backend:               b,
		Proposer:              classify.New(dl),
		Gate:                  gate,
		Recorder:              rec,
		Emitter:               emit,
		Redactor:              redactor,
		Log:                   log,
		Terminal:              terminal,
		Input:                 input,
		Interrupts:            interrupts,
		Resize:                resize,
		Reloads:               reloads,
		Machine:               machine,
		Snapshot:              snap,
		Integrated:            sess.Integrated(),
		IntegrationTimeout:    cfg.Shell.IntegrationTimeout,
		IdlePromptGuess:       cfg.Shell.IdlePromptGuess,
		MaxTurns:              cfg.Agent.MaxTurns,
		MaxConsecutiveDenials: cfg.Agent.MaxConsecutiveDenials,
		MaxConversation:       cfg.Context.MaxConversationTurns,
		MaxTerminalLines:      cfg.Context.MaxTerminalLines,
		MaxOutputBytes:        cfg.Execution.MaxOutputBytes,
		ApprovalTimeout:       cfg.Approval.Timeout,
		CommandTimeout:        cfg.Execution.CommandTimeout,
		PlanTimeout:           cfg.Execution.PlanTimeout,
		DoubleInterruptWindow: cfg.Agent.DoubleInterruptWindow,
	})
	if err != nil {
		return err
	}

	err = orch.Run(ctx)
	log.Info("session ended", zap.Int("shell_exit", sess.ExitCode()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// makeRaw puts fd into raw mode. The returned func restores it and is safe
// to call more than once.
func makeRaw(fd int) (func(), error) {
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("set raw mode: %w", err)
	}
	done := false
	return func() {
		if done {
			return
		}
		done = true
		_ = term.Restore(fd, old)
	}, nil
}

// readInput copies r into ch until EOF or ctx is done, then closes ch.
func readInput(ctx context.Context, r io.Reader, ch chan<- []byte) {
	defer close(ch)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case ch <- data:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func forwardSignals(ctx context.Context, cancel context.CancelFunc, sigs <-chan os.Signal, interrupts chan<- struct{}, resize chan orchestrator.WindowSize, fd int, tty bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGINT:
				select {
				case interrupts <- struct{}{}:
				default:
				}
			case syscall.SIGWINCH:
				if !tty {
					continue
				}
				w, h, err := term.GetSize(fd)
				if err != nil {
					continue
				}
				sz := orchestrator.WindowSize{Rows: uint16(h), Cols: uint16(w)}
				// Keep only the latest size.
				select {
				case <-resize:
				default:
				}
				select {
				case resize <- sz:
				default:
				}
			default:
				cancel()
				return
			}
		}
	}
}

// watchSession turns file changes into reloads. A broken file keeps the
// current policy.
func watchSession(ctx context.Context, w *config.Watcher, path string, reloads chan<- orchestrator.Reload, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case files := <-w.Changes():
			c, cfg, err := reloadPolicy(path)
			if err != nil {
				log.Warn("reload failed, keeping current policy", zap.Strings("files", files), zap.Error(err))
				continue
			}
			log.Info("policy reloaded", zap.Strings("files", files))
			select {
			case reloads <- orchestrator.Reload{Proposer: c, Policy: cfg.PolicyConfig()}:
			case <-ctx.Done():
				return
			}
		}
	}
}
