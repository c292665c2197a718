package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces secret values in logs, audit rows and error strings.
const Redacted = "[REDACTED]"

// sensitiveKeyParts mark a key name as secret-bearing when contained in it.
var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"}

// SensitiveKey reports whether a log attribute, env var or JSON field name
// carries a secret.
func SensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// Each rule keeps capture group 1 and replaces the remainder of the match.
var redactRules = []*regexp.Regexp{
	// JSON fields, e.g. the wire request's "authToken":"...".
	regexp.MustCompile(`(?i)("(?:auth_?token|token|secret|password|api_?key)"\s*:\s*)"[^"]*"`),
	// key=value and key: value pairs in free text.
	regexp.MustCompile(`(?i)\b((?:auth[_-]?token|api[_-]?key|secret[_-]?key|password)\s*[:=]\s*)[^\s,;"']{4,}`),
	// Authorization headers.
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`),
}

// Redact masks secret values in s while keeping the surrounding text.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, re := range redactRules {
		if !re.MatchString(s) {
			continue
		}
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			prefix := re.FindStringSubmatch(m)[1]
			if strings.HasPrefix(prefix, `"`) {
				return prefix + `"` + Redacted + `"`
			}
			return prefix + Redacted
		})
	}
	return s
}
