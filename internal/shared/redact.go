package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactRule masks the value part of a match. When keep is set, the first
// submatch (the key or scheme) is preserved.
type redactRule struct {
	re   *regexp.Regexp
	keep bool
}

// redactRules cover log lines, audit errors and script stderr.
var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|bearer)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{16,}"?`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), true},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), false},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), false},
	{regexp.MustCompile(`(?i)((?:token|secret)\s*[:=]\s*)"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), true},
}

// Redact masks credentials in s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, rule := range redactRules {
		if rule.keep {
			s = rule.re.ReplaceAllString(s, "${1}"+redactedPlaceholder)
		} else {
			s = rule.re.ReplaceAllLiteralString(s, redactedPlaceholder)
		}
	}
	return s
}

// sensitiveEnvParts mark an environment variable name as secret.
var sensitiveEnvParts = []string{"api_key", "apikey", "secret", "token", "password", "credential", "private_key"}

// RedactEnvValue masks value when key names a secret.
func RedactEnvValue(key, value string) string {
	if value == "" {
		return value
	}
	k := strings.ToLower(key)
	for _, part := range sensitiveEnvParts {
		if strings.Contains(k, part) {
			return redactedPlaceholder
		}
	}
	return value
}
