// Package config loads shellgate's YAML configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/shellgate/internal/alert"
	"github.com/ppiankov/shellgate/internal/model"
	"github.com/ppiankov/shellgate/internal/policy"
	"github.com/ppiankov/shellgate/internal/redact"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// ShellConfig controls the wrapped shell.
type ShellConfig struct {
	Command            string        `yaml:"command"`
	Integration        bool          `yaml:"integration"`
	IntegrationTimeout time.Duration `yaml:"integration_timeout"`
	IdlePromptGuess    time.Duration `yaml:"idle_prompt_guess"`
}

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	APIURL    string `yaml:"api_url"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIKeyCmd string `yaml:"api_key_cmd"`
	MaxTokens int    `yaml:"max_tokens"`
	RetryMax  int    `yaml:"retry_max"`
}

// MockConfig configures the scripted backend.
type MockConfig struct {
	Script string `yaml:"script"`
}

// BackendConfig selects the model backend.
type BackendConfig struct {
	Default  string       `yaml:"default"`  // openai or mock
	Fallback string       `yaml:"fallback"` // empty disables fallback
	OpenAI   OpenAIConfig `yaml:"openai"`
	Mock     MockConfig   `yaml:"mock"`
}

// ContextConfig bounds what is sent to the backend.
type ContextConfig struct {
	MaxTerminalLines     int  `yaml:"max_terminal_lines"`
	MaxConversationTurns int  `yaml:"max_conversation_turns"`
	IncludeEnv           bool `yaml:"include_env"`
	// Redact is auto, local or cloud. Auto redacts for non-local endpoints.
	Redact       string `yaml:"redact"`
	RedactConfig string `yaml:"redact_config"`
}

// JudgeConfig enables the model-based security review.
type JudgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // warn or block; empty picks by depth
}

// SecurityConfig holds the safety knobs.
type SecurityConfig struct {
	AutoApproveReadOnly     bool        `yaml:"auto_approve_read_only"`
	RequireYesForPrivileged bool        `yaml:"require_yes_for_privileged"`
	AuditEnabled            bool        `yaml:"audit_enabled"`
	AuditLogPath            string      `yaml:"audit_log_path"`
	MaxAgentDepth           int         `yaml:"max_agent_depth"`
	Judge                   JudgeConfig `yaml:"judge"`
	DenylistPath            string      `yaml:"denylist_path"`
	GrantsDir               string      `yaml:"grants_dir"`
}

// PolicySection holds user policy rules.
type PolicySection struct {
	Rules []policy.Rule `yaml:"rules"`
}

// HookConfig configures the external pre-execution hook.
type HookConfig struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// ApprovalConfig controls confirmations.
type ApprovalConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Hook    HookConfig    `yaml:"hook"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxTurns              int           `yaml:"max_turns"`
	MaxConsecutiveDenials int           `yaml:"max_consecutive_denials"`
	DoubleInterruptWindow time.Duration `yaml:"double_interrupt_window"`
}

// ExecutionConfig bounds command execution.
type ExecutionConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	PlanTimeout    time.Duration `yaml:"plan_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

// BatchConfig controls non-interactive runs.
type BatchConfig struct {
	AutoApproveMax model.RiskLevel `yaml:"auto_approve_max"`
}

// LogConfig controls the diagnostic log file.
type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// Config is the full configuration file.
type Config struct {
	Shell     ShellConfig     `yaml:"shell"`
	Backend   BackendConfig   `yaml:"backend"`
	Context   ContextConfig   `yaml:"context"`
	Security  SecurityConfig  `yaml:"security"`
	Policy    PolicySection   `yaml:"policy"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Agent     AgentConfig     `yaml:"agent"`
	Execution ExecutionConfig `yaml:"execution"`
	Batch     BatchConfig     `yaml:"batch"`
	Alerts    []alert.Config  `yaml:"alerts"`
	Log       LogConfig       `yaml:"log"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Shell: ShellConfig{
			Integration:        true,
			IntegrationTimeout: 3 * time.Second,
			IdlePromptGuess:    400 * time.Millisecond,
		},
		Backend: BackendConfig{
			Default: "openai",
			OpenAI:  OpenAIConfig{MaxTokens: 2048, RetryMax: 2},
		},
		Context: ContextConfig{
			MaxTerminalLines:     200,
			MaxConversationTurns: 20,
			Redact:               "auto",
		},
		Security: SecurityConfig{
			AutoApproveReadOnly:     true,
			RequireYesForPrivileged: true,
			AuditEnabled:            true,
			MaxAgentDepth:           3,
		},
		Approval: ApprovalConfig{
			Timeout: 5 * time.Minute,
			Hook:    HookConfig{Timeout: 5 * time.Second},
		},
		Agent: AgentConfig{
			MaxTurns:              10,
			MaxConsecutiveDenials: 3,
			DoubleInterruptWindow: time.Second,
		},
		Execution: ExecutionConfig{
			CommandTimeout: 10 * time.Minute,
			PlanTimeout:    30 * time.Minute,
			MaxOutputBytes: 100_000,
		},
		Batch: BatchConfig{AutoApproveMax: model.Network},
		Log:   LogConfig{Level: "info"},
	}
}

// Validate checks value ranges. Errors wrap ErrInvalid.
func (c *Config) Validate() error {
	switch c.Backend.Default {
	case "openai", "mock":
	default:
		return fmt.Errorf("%w: backend.default %q (want openai or mock)", ErrInvalid, c.Backend.Default)
	}
	switch c.Backend.Fallback {
	case "", "openai", "mock":
	default:
		return fmt.Errorf("%w: backend.fallback %q", ErrInvalid, c.Backend.Fallback)
	}
	if !redact.ValidSetting(c.Context.Redact) {
		return fmt.Errorf("%w: context.redact %q (want auto, local or cloud)", ErrInvalid, c.Context.Redact)
	}
	switch c.Security.Judge.Mode {
	case "", "warn", "block":
	default:
		return fmt.Errorf("%w: security.judge.mode %q (want warn or block)", ErrInvalid, c.Security.Judge.Mode)
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("%w: agent.max_turns must be at least 1", ErrInvalid)
	}
	if c.Agent.MaxConsecutiveDenials < 1 {
		return fmt.Errorf("%w: agent.max_consecutive_denials must be at least 1", ErrInvalid)
	}
	if c.Context.MaxTerminalLines < 0 || c.Context.MaxConversationTurns < 0 {
		return fmt.Errorf("%w: context limits must not be negative", ErrInvalid)
	}
	if c.Security.MaxAgentDepth < 0 {
		return fmt.Errorf("%w: security.max_agent_depth must not be negative", ErrInvalid)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"shell.integration_timeout", c.Shell.IntegrationTimeout},
		{"shell.idle_prompt_guess", c.Shell.IdlePromptGuess},
		{"approval.timeout", c.Approval.Timeout},
		{"approval.hook.timeout", c.Approval.Hook.Timeout},
		{"agent.double_interrupt_window", c.Agent.DoubleInterruptWindow},
		{"execution.command_timeout", c.Execution.CommandTimeout},
		{"execution.plan_timeout", c.Execution.PlanTimeout},
	} {
		if d.v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, d.name)
		}
	}
	if c.Approval.Timeout == 0 {
		return fmt.Errorf("%w: approval.timeout must be positive", ErrInvalid)
	}
	if c.Batch.AutoApproveMax >= model.Privileged {
		return fmt.Errorf("%w: batch.auto_approve_max cannot reach %s", ErrInvalid, model.Privileged)
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("%w: alerts[%d].url is required", ErrInvalid, i)
		}
	}
	if err := c.PolicyConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// PolicyConfig assembles the approval policy from the security and policy
// sections.
func (c *Config) PolicyConfig() *policy.Config {
	return &policy.Config{
		AutoApproveReadOnly:     c.Security.AutoApproveReadOnly,
		RequireYesForPrivileged: c.Security.RequireYesForPrivileged,
		Rules:                   append([]policy.Rule(nil), c.Policy.Rules...),
	}
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ResolvePath picks the config file: flag, then SHELLGATE_CONFIG, then
// $XDG_CONFIG_HOME/shellgate/config.yaml, then ~/.shellgate/config.yaml.
// The XDG path wins only when it exists.
func ResolvePath(flag string, getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if flag != "" {
		return flag
	}
	if p := getenv("SHELLGATE_CONFIG"); p != "" {
		return p
	}
	if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
		p := filepath.Join(xdg, "shellgate", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".shellgate", "config.yaml")
}

// Load reads path over the defaults. A missing file yields defaults;
// invalid YAML or values are errors.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash is Load plus the SHA-256 of the raw file, recorded in audit
// entries as the policy hash. Without a file the hash is of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
	}
	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])

	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

// DataDir returns $XDG_DATA_HOME/shellgate or ~/.local/share/shellgate.
func DataDir() string {
	return xdgDir("XDG_DATA_HOME", ".local/share")
}

// StateDir returns $XDG_STATE_HOME/shellgate or ~/.local/state/shellgate.
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", ".local/state")
}

func xdgDir(env, fallback string) string {
	if d := os.Getenv(env); d != "" {
		return filepath.Join(d, "shellgate")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "shellgate")
	}
	return filepath.Join(home, fallback, "shellgate")
}

// AuditPath returns the configured audit log or the default location.
func (c *Config) AuditPath() string {
	if c.Security.AuditLogPath != "" {
		return ExpandHome(c.Security.AuditLogPath)
	}
	return filepath.Join(DataDir(), "audit.jsonl")
}

// LogPath returns the configured diagnostic log or the default location.
func (c *Config) LogPath() string {
	if c.Log.Path != "" {
		return ExpandHome(c.Log.Path)
	}
	return filepath.Join(StateDir(), "shellgate.log")
}

// ExpandHome replaces a leading ~/ with the home directory.
func ExpandHome(p string) string {
	if len(p) < 2 || p[:2] != "~/" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
