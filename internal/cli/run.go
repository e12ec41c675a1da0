package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/batch"
	"github.com/ppiankov/shellgate/internal/classify"
	"github.com/ppiankov/shellgate/internal/cmdguard"
	"github.com/ppiankov/shellgate/internal/depth"
	"github.com/ppiankov/shellgate/internal/orchestrator"
	"github.com/ppiankov/shellgate/internal/output"
)

// maxStdinInstruction bounds an instruction read from stdin.
const maxStdinInstruction = 1 << 20

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Run one instruction without a terminal",
	Long: `Runs an instruction to completion without a PTY. Approved commands run
through sh -c; commands above batch.auto_approve_max are denied. The final
answer is printed on stdout, progress on stderr.

The instruction is read from stdin when no argument is given.

Exit codes: 0 done, 1 failure, 77 stopped by policy.`,
	RunE: runBatch,
}

func runBatch(cmd *cobra.Command, args []string) error {
	l, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := l.cfg
	d, err := depth.Check(cfg.Security.MaxAgentDepth)
	if err != nil {
		return withCode(exitFatal, err)
	}

	instr, err := readInstruction(args, os.Stdin)
	if err != nil {
		return withCode(exitFatal, err)
	}

	log := newLogger(cfg)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := newSessionID()
	log = log.With(zap.String("session_id", sessionID), zap.Bool("batch", true))

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
	snap := orchestrator.NewSnapshot(cwd, "sh")
	snap.Depth = d
	snap.MaxDepth = cfg.Security.MaxAgentDepth
	if cfg.Context.IncludeEnv {
		snap.Env = orchestrator.CollectEnv(sharedEnv, os.Getenv)
	}

	agent, err := batch.New(batch.Options{
		SessionID: sessionID,
		Backend:   b,
		Proposer:  classify.New(dl),
		Gate:      gate,
		Executor: &cmdguard.Runner{
			Checker:   dl,
			Timeout:   cfg.Execution.CommandTimeout,
			MaxOutput: cfg.Execution.MaxOutputBytes,
			Dir:       cwd,
		},
		Recorder:              rec,
		Emitter:               output.New(output.ParseFormat(flagOutput), os.Stderr, os.Stdout, d),
		Redactor:              redactor,
		Log:                   log,
		Answer:                os.Stdout,
		Snapshot:              snap,
		AutoApproveMax:        cfg.Batch.AutoApproveMax,
		MaxTurns:              cfg.Agent.MaxTurns,
		MaxConversation:       cfg.Context.MaxConversationTurns,
		MaxConsecutiveDenials: cfg.Agent.MaxConsecutiveDenials,
		PlanTimeout:           cfg.Execution.PlanTimeout,
	})
	if err != nil {
		return err
	}

	res := agent.Run(ctx, instr)
	log.Info("batch finished", zap.Int("exit_code", res.ExitCode), zap.Int("turns", res.Summary.Turns))
	if res.ExitCode != batch.ExitOK {
		return withCode(res.ExitCode, nil)
	}
	return nil
}

// readInstruction joins args, or reads stdin when there are none and stdin
// is not a terminal.
func readInstruction(args []string, stdin *os.File) (string, error) {
	if len(args) > 0 {
		if s := strings.TrimSpace(strings.Join(args, " ")); s != "" {
			return s, nil
		}
		return "", errors.New("empty instruction")
	}
	if output.IsTTY(stdin) {
		return "", errors.New("no instruction: pass it as an argument or on stdin")
	}
	data, err := io.ReadAll(io.LimitReader(stdin, maxStdinInstruction))
	if err != nil {
		return "", fmt.Errorf("read instruction: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "", errors.New("empty instruction")
	}
	return s, nil
}
