package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shellgate/internal/lifecycle"
)

func init() {
	rootCmd.AddCommand(shellIntegrationCmd)
}

var shellIntegrationCmd = &cobra.Command{
	Use:   "shell-integration <bash|zsh|fish>",
	Short: "Print the prompt marker hooks for a shell",
	Long: `Prints the script shellgate sources into the wrapped shell. It emits
OSC 133 prompt and command markers so shellgate knows when a command
starts, finishes and with which exit code. Source it from your rc file to
keep the markers in nested shells.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"bash", "zsh", "fish"},
	RunE:      runShellIntegration,
}

func runShellIntegration(cmd *cobra.Command, args []string) error {
	script, ok := lifecycle.Script(lifecycle.DetectShell(args[0]))
	if !ok {
		return fmt.Errorf("no integration script for %q (supported: bash, zsh, fish)", args[0])
	}
	fmt.Fprint(cmd.OutOrStdout(), script)
	return nil
}
