package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"kind":      {},
	"op":        {},
	"key":       {},
	"component": {},
}

// IsAllowlisted reports whether key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns a sorted copy of the keys emitted without redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskField returns an attribute that hides value unless key is allowlisted.
// Empty values pass through untouched.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskToken keeps the last four characters of a credential so operators can
// correlate it without exposing it.
func MaskToken(key, token string) slog.Attr {
	trimmed := strings.TrimSpace(token)
	if len(trimmed) <= 4 {
		return MaskField(key, trimmed)
	}
	return slog.String(key, RedactedValue+trimmed[len(trimmed)-4:])
}
