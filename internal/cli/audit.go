package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shellgate/internal/audit"
	"github.com/ppiankov/shellgate/internal/config"
)

var (
	tailLines int
	tailJSON  bool

	replaySession string
	replayType    string
	replaySince   string
	replayUntil   string
	replayJSON    bool

	indexDB       string
	querySession  string
	queryType     string
	queryRisk     string
	queryCommand  string
	queryLimit    int
	querySessions bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd, auditReplayCmd, auditIndexCmd, auditQueryCmd)

	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditTailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print raw JSON entries")

	auditReplayCmd.Flags().StringVar(&replaySession, "session", "", "Only this session")
	auditReplayCmd.Flags().StringVar(&replayType, "type", "", "Only this event type (proposed, approved, denied, blocked, executed, failed, cancelled)")
	auditReplayCmd.Flags().StringVar(&replaySince, "since", "", "Start time (RFC 3339) or duration ago (e.g. 2h)")
	auditReplayCmd.Flags().StringVar(&replayUntil, "until", "", "End time (RFC 3339)")
	auditReplayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print JSON instead of a timeline")

	for _, c := range []*cobra.Command{auditIndexCmd, auditQueryCmd} {
		c.Flags().StringVar(&indexDB, "db", "", "Index database (default <data dir>/audit.db)")
	}
	auditQueryCmd.Flags().StringVar(&querySession, "session", "", "Only this session")
	auditQueryCmd.Flags().StringVar(&queryType, "type", "", "Only this event type")
	auditQueryCmd.Flags().StringVar(&queryRisk, "risk", "", "Only this risk level")
	auditQueryCmd.Flags().StringVar(&queryCommand, "command", "", "Command substring")
	auditQueryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum entries")
	auditQueryCmd.Flags().BoolVar(&querySessions, "sessions", false, "List sessions instead of entries")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying, inspecting and indexing the hash-chained audit log.\nThe log path defaults to security.audit_log_path from the config.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay [path]",
	Short: "Replay sessions as a timeline",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditReplay,
}

var auditIndexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Ingest new audit entries into the SQLite index",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditIndex,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the SQLite audit index",
	Long:  "Searches entries ingested by 'shellgate audit index', newest first.",
	Args:  cobra.NoArgs,
	RunE:  runAuditQuery,
}

// auditLogPath returns the path argument or the configured log.
func auditLogPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	l, err := loadConfig()
	if err != nil {
		return "", err
	}
	return l.cfg.AuditPath(), nil
}

func indexPath() string {
	if indexDB != "" {
		return config.ExpandHome(indexDB)
	}
	return filepath.Join(config.DataDir(), "audit.db")
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := auditLogPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified across %d sessions\n", result.Lines, result.Sessions)
		if result.LastHash != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Chain head: %s\n", result.LastHash)
		}
		return nil
	}
	return withCode(exitFatal, fmt.Errorf("FAILED at line %d: %s", result.ErrorLine, result.Error))
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := auditLogPath(args)
	if err != nil {
		return err
	}
	entries, err := audit.Tail(path, tailLines)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, e := range entries {
		if tailJSON {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, string(data))
			continue
		}
		fmt.Fprintln(w, audit.FormatEntry(e))
	}
	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	path, err := auditLogPath(args)
	if err != nil {
		return err
	}
	filter := audit.ReplayFilter{SessionID: replaySession, Type: replayType}
	if filter.From, err = parseSince(replaySince, time.Now()); err != nil {
		return err
	}
	if replayUntil != "" {
		if filter.To, err = time.Parse(time.RFC3339, replayUntil); err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
	}

	result, err := audit.Replay(path, filter)
	if err != nil {
		return err
	}
	if replayJSON {
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), audit.FormatTimeline(result))
	return nil
}

// parseSince accepts an RFC 3339 time or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC 3339 or a duration", s)
	}
	return t, nil
}

func runAuditIndex(cmd *cobra.Command, args []string) error {
	path, err := auditLogPath(args)
	if err != nil {
		return err
	}
	idx, err := audit.OpenIndex(indexPath())
	if err != nil {
		return err
	}
	defer idx.Close()

	n, err := idx.Ingest(commandContext(cmd), path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d new entries from %s\n", n, path)
	return nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	idx, err := audit.OpenIndex(indexPath())
	if err != nil {
		return err
	}
	defer idx.Close()

	ctx := commandContext(cmd)
	w := cmd.OutOrStdout()
	if querySessions {
		stats, err := idx.Sessions(ctx, queryLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		for _, s := range stats {
			if err := enc.Encode(s); err != nil {
				return err
			}
		}
		return nil
	}

	entries, err := idx.Query(ctx, audit.Query{
		SessionID: querySession,
		Type:      queryType,
		Risk:      queryRisk,
		Command:   queryCommand,
		Limit:     queryLimit,
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintln(w, audit.FormatEntry(e))
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no matching entries")
	}
	return nil
}
