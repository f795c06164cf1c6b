package shared

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const redactedPlaceholder = "[REDACTED]"

// MaxErrorMessageLen bounds error text persisted on queue rows.
const MaxErrorMessageLen = 2048

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`(?i)(redis|postgres|postgresql)://[^:/\s]+:([^@\s]+)@`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return strings.Replace(match, submatch[2], redactedPlaceholder, 1)
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SanitizeError redacts and truncates an error for storage on a message row.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(Redact(err.Error()), MaxErrorMessageLen)
}

// Truncate shortens s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// RedactKey reports whether a structured field name looks secret-bearing.
func RedactKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "dsn"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}
