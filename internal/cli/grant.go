package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shellgate/internal/model"
)

var (
	grantMaxRisk string
	grantFor     time.Duration
	grantReason  string

	grantsJSON    bool
	grantsCleanup bool
)

func init() {
	rootCmd.AddCommand(grantCmd, revokeCmd, grantsCmd)
	grantCmd.Flags().StringVar(&grantMaxRisk, "max-risk", "write", "Highest risk level approved without asking (read_only .. network)")
	grantCmd.Flags().DurationVar(&grantFor, "for", 30*time.Minute, "Grant lifetime; 0 lasts until revoked")
	grantCmd.Flags().StringVar(&grantReason, "reason", "", "Why the grant was given")
	grantsCmd.Flags().BoolVar(&grantsJSON, "json", false, "Print grants as JSON")
	grantsCmd.Flags().BoolVar(&grantsCleanup, "cleanup", false, "Remove expired grants first")
}

var grantCmd = &cobra.Command{
	Use:   "grant <session-id>",
	Short: "Pre-approve commands up to a risk level for a session",
	Long: `Lets a running session execute commands up to --max-risk without asking.
Privileged and denied commands can never be granted.`,
	Args: cobra.ExactArgs(1),
	RunE: runGrant,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <session-id>",
	Short: "Remove a session grant",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevoke,
}

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "List session grants",
	Args:  cobra.NoArgs,
	RunE:  runGrants,
}

func runGrant(cmd *cobra.Command, args []string) error {
	risk, err := model.ParseRiskLevel(grantMaxRisk)
	if err != nil {
		return err
	}
	l, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openGrants(l.cfg)
	if err != nil {
		return err
	}
	g, err := store.Grant(args[0], risk, grantFor, grantReason)
	if err != nil {
		return err
	}
	until := "until revoked"
	if g.ExpiresAt != nil {
		until = "until " + g.ExpiresAt.Local().Format(time.Kitchen)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Granted %s up to %s %s\n", g.SessionID, g.MaxRisk.Label(), until)
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	l, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openGrants(l.cfg)
	if err != nil {
		return err
	}
	if err := store.Revoke(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
	return nil
}

func runGrants(cmd *cobra.Command, args []string) error {
	l, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openGrants(l.cfg)
	if err != nil {
		return err
	}
	if grantsCleanup {
		n, err := store.Cleanup()
		if err != nil {
			return err
		}
		if n > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "Removed %d expired grants\n", n)
		}
	}
	grants, err := store.List()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if grantsJSON {
		data, err := json.MarshalIndent(grants, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	if len(grants) == 0 {
		fmt.Fprintln(w, "No grants.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMAX RISK\tEXPIRES\tREASON")
	now := time.Now()
	for _, g := range grants {
		exp := "never"
		if g.ExpiresAt != nil {
			exp = g.ExpiresAt.Local().Format(time.RFC3339)
			if g.Expired(now) {
				exp += " (expired)"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.SessionID, g.MaxRisk.Label(), exp, g.Reason)
	}
	return tw.Flush()
}
