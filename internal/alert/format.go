package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return json.Marshal(event)
	}
}

func formatSlack(event Event) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Session:* %s", event.SessionID)},
	}
	if event.Command != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Command:* `%s`", event.Command)})
	}
	if event.Risk != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %s", event.Risk)})
	}
	if event.Reason != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)})
	}
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("shellgate: %s", event.Type),
				},
			},
			map[string]any{"type": "section", "fields": fields},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("shellgate %s: %s", event.Type, event.Command),
			"severity": severityFor(event),
			"source":   "shellgate",
			"custom_details": map[string]any{
				"session_id": event.SessionID,
				"command":    event.Command,
				"risk":       event.Risk,
				"reason":     event.Reason,
				"method":     event.Method,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(event Event) string {
	switch {
	case event.Type == EventAuditWriteFailed:
		return "critical"
	case event.Risk == "denied" || event.Risk == "privileged":
		return "error"
	case event.Type == EventBlocked || event.Type == EventFailed:
		return "warning"
	}
	return "info"
}
