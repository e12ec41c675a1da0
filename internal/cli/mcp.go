package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/config"
	sgmcp "github.com/ppiankov/shellgate/internal/mcp"
)

var mcpSession string

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpSession, "session", "", "Session ID used for grant lookups when a call names none")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: `Runs shellgate as an MCP (Model Context Protocol) server over stdio.
Exposes dry-run tools: shellgate_classify and shellgate_evaluate.
The deny list and policy are reloaded when their files change.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	l, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(l.cfg).With(zap.String("component", "mcp"))
	defer func() { _ = log.Sync() }()

	dl, err := loadDenylist(l.cfg)
	if err != nil {
		return err
	}
	grants, err := openGrants(l.cfg)
	if err != nil {
		return err
	}

	sgmcp.Version = version
	srv, err := sgmcp.New(sgmcp.Config{
		Denylist:  dl,
		Policy:    l.cfg.PolicyConfig(),
		Grants:    grants,
		SessionID: mcpSession,
		Log:       log,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if w, err := config.NewWatcher(watchPaths(l)...); err != nil {
		log.Warn("hot reload disabled", zap.Error(err))
	} else {
		go func() { _ = w.Run(ctx) }()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case files := <-w.Changes():
					cfg, err := config.Load(l.path)
					if err != nil {
						log.Warn("reload failed, keeping current policy", zap.Strings("files", files), zap.Error(err))
						continue
					}
					dl, err := loadDenylist(cfg)
					if err != nil {
						log.Warn("reload failed, keeping current policy", zap.Strings("files", files), zap.Error(err))
						continue
					}
					srv.Reload(dl, cfg.PolicyConfig())
				}
			}
		}()
	}

	fmt.Fprintln(os.Stderr, "shellgate MCP server running on stdio")
	err = srv.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
