package redact

import (
	"fmt"
	"net/url"
	"strings"
)

// Mode determines whether context sent to a backend is tokenised.
type Mode string

const (
	ModeLocal Mode = "local" // backend runs on this machine, context is sent as-is
	ModeCloud Mode = "cloud" // backend is remote, sensitive values are tokenised
)

// SettingAuto is the context.redact value that defers to endpoint detection.
// "local" and "cloud" force a mode; "never" and "always" are accepted as
// aliases.
const SettingAuto = "auto"

// ValidSetting reports whether s is a recognised context.redact value.
func ValidSetting(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", SettingAuto, "local", "cloud", "always", "never":
		return true
	}
	return false
}

// DetectMode infers the mode from a backend endpoint. Loopback hosts and
// an empty endpoint (mock backend) are local; everything else is cloud.
func DetectMode(endpoint string) Mode {
	if strings.TrimSpace(endpoint) == "" {
		return ModeLocal
	}
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	switch {
	case host == "localhost", host == "::1", strings.HasPrefix(host, "127."):
		return ModeLocal
	case strings.HasPrefix(endpoint, "unix:"):
		return ModeLocal
	}
	return ModeCloud
}

// ResolveMode applies the configured setting on top of endpoint detection.
func ResolveMode(endpoint, setting string) Mode {
	switch strings.ToLower(strings.TrimSpace(setting)) {
	case "cloud", "always":
		return ModeCloud
	case "local", "never":
		return ModeLocal
	default:
		return DetectMode(endpoint)
	}
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == "" {
		return string(ModeLocal)
	}
	return string(m)
}

// ParseMode parses "local" or "cloud".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLocal:
		return ModeLocal, nil
	case ModeCloud:
		return ModeCloud, nil
	}
	return "", fmt.Errorf("unknown redaction mode %q", s)
}
