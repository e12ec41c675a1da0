// Package alert posts notable session events to webhooks.
package alert

import "time"

// Event types worth alerting on.
const (
	EventBlocked          = "blocked"
	EventDenied           = "denied"
	EventFailed           = "failed"
	EventCancelled        = "cancelled"
	EventAuditWriteFailed = "audit_write_failed"
)

// Config defines a webhook destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // generic, slack, pagerduty
	Events  []string          `yaml:"events"  json:"events"` // event types, "*" for all
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Command   string `json:"command,omitempty"`
	Risk      string `json:"risk,omitempty"`
	Method    string `json:"method,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Host      string `json:"host,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(sessionID, typ string) Event {
	return Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SessionID: sessionID,
		Type:      typ,
	}
}
