package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shellgate/internal/classify"
	"github.com/ppiankov/shellgate/internal/model"
	"github.com/ppiankov/shellgate/internal/policy"
)

func init() {
	rootCmd.AddCommand(classifyCmd)
}

var classifyCmd = &cobra.Command{
	Use:   "classify <command>",
	Short: "Classify a command without running it",
	Long: `Prints the risk level and policy decision for a command as JSON.
Exits 77 when the command is denied.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

type classifyOutput struct {
	Command   string         `json:"command"`
	Risk      string         `json:"risk"`
	Label     string         `json:"label"`
	Decision  model.Decision `json:"decision"`
	Reason    string         `json:"reason,omitempty"`
	PolicyID  string         `json:"policy_id,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Defaulted bool           `json:"defaulted,omitempty"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	l, err := loadConfig()
	if err != nil {
		return err
	}
	dl, err := loadDenylist(l.cfg)
	if err != nil {
		return err
	}

	command := strings.Join(args, " ")
	res := classify.New(dl).Explain(command)
	pr := policy.Evaluate(command, res.Risk, l.cfg.PolicyConfig())

	out := classifyOutput{
		Command:   command,
		Risk:      res.Risk.String(),
		Label:     res.Risk.Label(),
		Decision:  pr.Decision,
		Reason:    res.Reason,
		PolicyID:  pr.PolicyID,
		Warnings:  res.Warnings,
		Defaulted: res.Defaulted,
	}
	if out.Reason == "" {
		out.Reason = pr.Reason
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	if res.Risk == model.Denied || pr.Decision == model.Deny {
		return withCode(exitPolicyBlock, nil)
	}
	return nil
}
