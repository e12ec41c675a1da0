package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	label := result.SessionID
	if label == "" {
		label = "all sessions"
	}
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Session: %s | No entries found.\n", label)
	}

	var b strings.Builder

	first := formatDateRange(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Session: %s | %s–%s UTC\n", label, first, last))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		b.WriteString(FormatEntry(e))
		b.WriteString("\n")
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatEntry renders one entry as a single timeline line.
func FormatEntry(e Entry) string {
	ts := formatTimeOnly(e.Timestamp)
	turn := fmt.Sprintf("#%d", e.Turn)
	typ := strings.ToUpper(e.Type)

	subject := e.Command
	if subject == "" && len(e.Commands) > 0 {
		subject = strings.Join(e.Commands, " ; ")
	}
	subject = truncate(subject, 44)

	var extra []string
	if e.Risk != "" {
		extra = append(extra, e.Risk)
	}
	if e.Method != "" {
		extra = append(extra, "via "+e.Method)
	}
	if e.ExitCode != nil {
		extra = append(extra, fmt.Sprintf("exit=%d", *e.ExitCode))
	}
	if e.DurationMS > 0 {
		extra = append(extra, fmt.Sprintf("%dms", e.DurationMS))
	}
	if e.Reason != "" {
		extra = append(extra, truncate(e.Reason, 40))
	}

	line := fmt.Sprintf("%-10s %-4s %-10s %-44s", ts, turn, typ, subject)
	if len(extra) > 0 {
		line += "  [" + strings.Join(extra, ", ") + "]"
	}
	return strings.TrimRight(line, " ")
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	counts := []struct {
		n     int
		label string
	}{
		{s.Proposed, "proposed"},
		{s.Approved, "approved"},
		{s.Denied, "denied"},
		{s.Blocked, "blocked"},
		{s.Executed, "executed"},
		{s.Failed, "failed"},
		{s.Cancelled, "cancelled"},
	}
	parts := []string{}
	for _, c := range counts {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.label))
		}
	}

	maxRisk := s.MaxRisk
	if maxRisk == "" {
		maxRisk = "none"
	}
	return fmt.Sprintf("Summary: %s | Turns: %d | Max risk: %s\n",
		strings.Join(parts, ", "), s.Turns, maxRisk)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
