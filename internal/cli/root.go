package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagDebug   bool
	flagBackend string
	flagAPIURL  string
	flagModel   string
	flagOutput  string

	flagShell         string
	flagNoIntegration bool
	flagDebugOSC      bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Path to config file (default $SHELLGATE_CONFIG or ~/.shellgate/config.yaml)")
	pf.BoolVar(&flagDebug, "debug", false, "Write debug-level entries to the diagnostic log")
	pf.StringVar(&flagBackend, "backend", "", "Model backend: openai or mock")
	pf.StringVar(&flagAPIURL, "api-url", "", "OpenAI-compatible chat completions URL")
	pf.StringVar(&flagModel, "model", "", "Model name")
	pf.StringVar(&flagOutput, "output", "auto", "Output format: auto, human or json")

	rootCmd.Flags().StringVar(&flagShell, "shell", "", "Shell to wrap (default $SHELL)")
	rootCmd.Flags().BoolVar(&flagNoIntegration, "no-integration", false, "Do not source the prompt marker hooks")
	rootCmd.Flags().BoolVar(&flagDebugOSC, "debug-osc", false, "Log every shell lifecycle marker")
}

var rootCmd = &cobra.Command{
	Use:   "shellgate",
	Short: "AI agent inside your shell, behind an approval gate",
	Long: `Wraps your shell in a PTY. Lines starting with "# " are sent to the model
as instructions; every command it proposes is classified by risk, checked
against the deny list and policy, and needs your approval before it runs.
Everything is written to a hash-chained audit log.`,
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runSession,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if !errors.As(err, &ee) || ee.err != nil {
		fmt.Fprintf(os.Stderr, "shellgate: %v\n", err)
	}
	return exitCode(err)
}
