package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/shellgate/internal/metrics"
	"github.com/ppiankov/shellgate/internal/server"
)

var (
	serveAddr        string
	serveMetricsAddr string
	serveDenylist    string
	serveNoWatch     bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", server.DefaultAddr, "gRPC listen address")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "127.0.0.1:9464", "Prometheus /metrics and /healthz address; empty disables")
	serveCmd.Flags().StringVar(&serveDenylist, "denylist", "", "Path to deny list YAML (default security.denylist_path)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload when the config or deny list changes")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start gRPC policy server",
	Long: `Runs shellgate's classifier and approval policy as a gRPC service
(shellgate.v1.Policy: Classify, Evaluate) with the standard health service.
Several agents can share one policy; the config and deny list are reloaded
when they change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	l, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(l.cfg).With(zap.String("component", "server"))
	defer func() { _ = log.Sync() }()

	grants, err := openGrants(l.cfg)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Addr:         serveAddr,
		MetricsAddr:  serveMetricsAddr,
		ConfigPath:   l.path,
		DenylistPath: serveDenylist,
		Watch:        !serveNoWatch,
		Grants:       grants,
		Metrics:      metrics.New(),
		Log:          log,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "shellgate policy server listening on %s\n", serveAddr)
	if serveMetricsAddr != "" {
		fmt.Fprintf(os.Stderr, "Metrics: http://%s/metrics\n", serveMetricsAddr)
	}
	fmt.Fprintf(os.Stderr, "Policy hash: %s\n", srv.PolicyHash())
	return srv.Run(ctx)
}
