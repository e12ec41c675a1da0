// Package mcp exposes shellgate's classifier and approval policy as MCP
// tools, so other agents can ask before they run a command.
package mcp

import (
	"context"
	"fmt"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/approval"
	"github.com/ppiankov/shellgate/internal/classify"
	"github.com/ppiankov/shellgate/internal/denylist"
	"github.com/ppiankov/shellgate/internal/policy"
)

// Version is reported in the MCP handshake.
var Version = "dev"

// Config holds MCP server configuration.
type Config struct {
	Denylist *denylist.Denylist
	Policy   *policy.Config
	// Grants lets evaluate report commands covered by a session grant.
	Grants *approval.GrantStore
	// SessionID is used for grant lookups when a call does not name one.
	SessionID string
	Log       *zap.Logger
}

// Server wraps the MCP SDK server with shellgate's policy.
type Server struct {
	mcpServer *mcpsdk.Server
	log       *zap.Logger
	sessionID string

	mu         sync.RWMutex
	classifier *classify.Classifier
	gate       *approval.Gate
}

// New creates an MCP server and registers its tools. Hooks and the
// security judge are never run: both tools are dry runs.
func New(cfg Config) (*Server, error) {
	if cfg.Denylist == nil {
		return nil, fmt.Errorf("mcp: deny list is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.DefaultConfig()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	var opts []approval.GateOption
	if cfg.Grants != nil {
		opts = append(opts, approval.WithGrants(cfg.Grants))
	}
	s := &Server{
		log:        log,
		sessionID:  cfg.SessionID,
		classifier: classify.New(cfg.Denylist),
		gate:       approval.NewGate(cfg.Policy, opts...),
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "shellgate",
			Version: Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Reload swaps the deny list and policy used by later calls. Nil arguments
// keep the current value.
func (s *Server) Reload(dl *denylist.Denylist, cfg *policy.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl != nil {
		s.classifier = classify.New(dl)
	}
	if cfg != nil {
		s.gate.SetPolicy(cfg)
	}
	s.log.Info("mcp policy reloaded")
}

func (s *Server) current() (*classify.Classifier, *approval.Gate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classifier, s.gate
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "shellgate_classify",
		Description: "Classify a shell command by risk (read_only, build_test, write, destructive, network, privileged, denied) without running it.",
	}, s.handleClassify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "shellgate_evaluate",
		Description: "Dry-run the shellgate approval gate for an ordered list of commands. Reports approve, reject or need_confirm per command; nothing is executed.",
	}, s.handleEvaluate)
}
