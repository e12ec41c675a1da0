package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/alert"
	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/audit"
	"github.com/ppiankov/shellgate/internal/backend"
	"github.com/ppiankov/shellgate/internal/classify"
	"github.com/ppiankov/shellgate/internal/config"
	"github.com/ppiankov/shellgate/internal/denylist"
	"github.com/ppiankov/shellgate/internal/judge"
	"github.com/ppiankov/shellgate/internal/logging"
	"github.com/ppiankov/shellgate/internal/orchestrator"
	"github.com/ppiankov/shellgate/internal/redact"
)

// sharedEnv lists the variables offered to the model when
// context.include_env is set.
var sharedEnv = []string{"HOME", "USER", "LANG", "TERM", "EDITOR", "PAGER", "VIRTUAL_ENV", "GOPATH", "KUBECONFIG"}

// loaded is the configuration of one invocation.
type loaded struct {
	cfg  *config.Config
	path string
	hash string
}

func loadConfig() (*loaded, error) {
	path := config.ResolvePath(flagConfig, os.Getenv)
	cfg, hash, err := config.LoadWithHash(path)
	if err != nil {
		return nil, err
	}
	if flagDebug || flagDebugOSC {
		cfg.Log.Level = "debug"
	}
	return &loaded{cfg: cfg, path: path, hash: hash}, nil
}

func newLogger(cfg *config.Config) *zap.Logger {
	log, err := logging.NewOrNop(logging.Config{Level: cfg.Log.Level, Path: cfg.LogPath()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: diagnostic log disabled: %v\n", err)
	}
	return log
}

func newSessionID() string {
	return "sg-" + uuid.NewString()
}

func denylistPath(cfg *config.Config) string {
	return config.ExpandHome(cfg.Security.DenylistPath)
}

func loadDenylist(cfg *config.Config) (*denylist.Denylist, error) {
	dl, err := denylist.Load(denylistPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return dl, nil
}

func openGrants(cfg *config.Config) (*approval.GrantStore, error) {
	dir := approval.DefaultGrantDir()
	if cfg.Security.GrantsDir != "" {
		dir = config.ExpandHome(cfg.Security.GrantsDir)
	}
	return approval.NewGrantStore(dir)
}

// buildBackend returns the configured backend, wrapped in a fallback when
// one is set, plus the endpoint used to pick the redaction mode.
func buildBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (backend.Backend, string, error) {
	name := cfg.Backend.Default
	if flagBackend != "" {
		name = flagBackend
	}
	primary, endpoint, err := newBackend(ctx, name, cfg)
	if err != nil {
		return nil, "", err
	}
	fb := cfg.Backend.Fallback
	if fb == "" || fb == name {
		return primary, endpoint, nil
	}
	secondary, _, err := newBackend(ctx, fb, cfg)
	if err != nil {
		return nil, "", err
	}
	b := backend.NewFallback(primary, secondary)
	if f, ok := b.(*backend.Fallback); ok {
		f.OnFallback = func(err error) {
			log.Warn("primary backend unavailable, using fallback",
				zap.String("primary", name), zap.String("fallback", fb), zap.Error(err))
		}
	}
	return b, endpoint, nil
}

func newBackend(ctx context.Context, name string, cfg *config.Config) (backend.Backend, string, error) {
	switch name {
	case "mock":
		if cfg.Backend.Mock.Script == "" {
			return backend.NewMock(), "", nil
		}
		m, err := backend.LoadMockScript(config.ExpandHome(cfg.Backend.Mock.Script))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		return m, "", nil
	case "openai", "":
		oc := cfg.Backend.OpenAI
		s, err := backend.Resolve(ctx,
			backend.Settings{APIURL: flagAPIURL, Model: flagModel},
			backend.Settings{APIURL: oc.APIURL, Model: oc.Model, APIKey: oc.APIKey, APIKeyCmd: oc.APIKeyCmd},
			os.Getenv)
		if err != nil {
			return nil, "", err
		}
		return backend.NewOpenAI(backend.OpenAIConfig{
			APIURL:    s.APIURL,
			APIKey:    s.APIKey,
			Model:     s.Model,
			MaxTokens: oc.MaxTokens,
			RetryMax:  oc.RetryMax,
		}), s.APIURL, nil
	}
	return nil, "", fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, name)
}

// buildGate wires the deny list, hook, judge, policy and grants. The judge
// reuses the backend when it can complete prompts.
func buildGate(cfg *config.Config, b backend.Backend, grants *approval.GrantStore, depth int) (*approval.Gate, error) {
	opts := []approval.GateOption{approval.WithGrants(grants)}
	if h := cfg.Approval.Hook; h.Command != "" {
		opts = append(opts, approval.WithHook(&approval.Hook{Command: h.Command, Timeout: h.Timeout}))
	}
	if cfg.Security.Judge.Enabled {
		c, ok := b.(backend.Completer)
		if !ok {
			return nil, fmt.Errorf("%w: backend %s cannot run the judge", config.ErrInvalid, b.Name())
		}
		mode, err := judge.ParseMode(cfg.Security.Judge.Mode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		opts = append(opts, approval.WithJudge(judge.New(c, judge.ResolveMode(mode, depth))))
	}
	return approval.NewGate(cfg.PolicyConfig(), opts...), nil
}

func newRedactor(cfg *config.Config, endpoint, sessionID string) (*redact.Redactor, error) {
	rc, err := redact.LoadConfig(config.ExpandHome(cfg.Context.RedactConfig))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	r, err := redact.New(redact.ResolveMode(endpoint, cfg.Context.Redact), sessionID, rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return r, nil
}

// newRecorder opens the audit log and alert webhooks. The returned func
// flushes and closes both.
func newRecorder(l *loaded, sessionID string, depth int, log *zap.Logger) (*orchestrator.Recorder, func(), error) {
	rec := &orchestrator.Recorder{SessionID: sessionID, Log: log}
	rec.Alerts = alert.NewDispatcher(l.cfg.Alerts, func(err error) {
		log.Warn("alert delivery failed", zap.Error(err))
	})

	var sink *audit.Log
	if l.cfg.Security.AuditEnabled {
		var err error
		sink, err = audit.Open(l.cfg.AuditPath())
		if err != nil {
			return nil, nil, err
		}
		rec.Audit = audit.NewLogger(sink,
			audit.WithDefaults(sessionID, l.hash, depth),
			audit.WithFailureHandler(rec.AuditFailure))
	} else {
		rec.Audit = audit.Discard()
	}

	closeFn := func() {
		rec.Audit.Close()
		if sink != nil {
			if err := sink.Close(); err != nil {
				log.Warn("close audit log", zap.Error(err))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), alertFlushTimeout)
		defer cancel()
		rec.Alerts.Close(ctx)
	}
	return rec, closeFn, nil
}

// reloadPolicy rebuilds the classifier and policy after a file change.
func reloadPolicy(path string) (*classify.Classifier, *config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	dl, err := loadDenylist(cfg)
	if err != nil {
		return nil, nil, err
	}
	return classify.New(dl), cfg, nil
}

// watchPaths returns the files whose changes trigger a reload.
func watchPaths(l *loaded) []string {
	dl := denylistPath(l.cfg)
	if dl == "" {
		dl = denylist.DefaultPath()
	}
	return []string{l.path, dl}
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}
