package cmdguard

import (
	"regexp"
	"strings"
)

// secretPatterns match known API key and token formats in command output.
// These detect actual credential values, not variable names.
var secretPatterns = []*regexp.Regexp{
	// Anthropic keys: sk-ant-... (before the generic sk- pattern)
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`),
	// OpenAI keys: sk-... and sk-proj-...
	regexp.MustCompile(`sk-[a-zA-Z0-9\-]{20,}`),
	// Groq keys: gsk_...
	regexp.MustCompile(`gsk_[a-zA-Z0-9]{20,}`),
	// GitHub tokens
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
	// AWS access key ids
	regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`),
	// Generic long hex tokens (64+ chars) that look like API keys
	regexp.MustCompile(`\b[a-f0-9]{64,}\b`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_.]{20,}`),
}

const redactPlaceholder = "[REDACTED]"

// ScanOutput redacts credential values in command output and returns how
// many were found.
func ScanOutput(output string) (string, int) {
	count := 0
	result := output
	for _, re := range secretPatterns {
		matches := re.FindAllString(result, -1)
		if len(matches) > 0 {
			count += len(matches)
			result = re.ReplaceAllString(result, redactPlaceholder)
		}
	}
	return result, count
}

// envKeyValuePattern matches KEY=VALUE lines for sensitive variable names,
// as printed by env, set, export -p and declare -p.
var envKeyValuePattern = regexp.MustCompile(
	`(?im)^(?:declare -x |export )?` +
		`(SHELLGATE_API_\w*|GROQ_\w*|OPENAI_\w*|ANTHROPIC_\w*|API_KEY|API_SECRET|AWS_SECRET_ACCESS_KEY|AWS_SESSION_TOKEN|GITHUB_TOKEN|\w+_API_KEY|\w+_(?:SECRET|TOKEN|PASSWORD|CREDENTIALS))` +
		`[= ].*$`,
)

// ScanOutputFull runs secret pattern scanning plus env KEY=VALUE scanning.
func ScanOutputFull(output string) (string, int) {
	result, count := ScanOutput(output)

	envMatches := envKeyValuePattern.FindAllString(result, -1)
	if len(envMatches) > 0 {
		count += len(envMatches)
		result = envKeyValuePattern.ReplaceAllString(result, redactPlaceholder)
	}

	for strings.Contains(result, redactPlaceholder+"\n"+redactPlaceholder) {
		result = strings.ReplaceAll(result, redactPlaceholder+"\n"+redactPlaceholder, redactPlaceholder)
	}
	return result, count
}

// sensitiveEnvPrefixes and suffixes name variables that are stripped from
// the environment of agent-run commands.
var (
	sensitiveEnvPrefixes = []string{"SHELLGATE_API_", "GROQ_", "OPENAI_", "ANTHROPIC_"}
	sensitiveEnvNames    = map[string]bool{"API_KEY": true, "API_SECRET": true}
	sensitiveEnvSuffixes = []string{"_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIALS"}
)

// SensitiveEnvName reports whether an environment variable likely holds a
// credential.
func SensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	if sensitiveEnvNames[upper] {
		return true
	}
	for _, p := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	for _, s := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}

// sanitizeEnv drops credential-looking variables.
func sanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if SensitiveEnvName(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
