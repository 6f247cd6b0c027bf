package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"bearer":        {},
	"token":         {},
	"secret":        {},
	"passphrase":    {},
	"dsn":           {},
}

// IsSensitive reports whether the key names a credential-bearing field.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := sensitiveKeys[normalized]
	return ok
}

// MaskField returns a slog.Attr whose value is masked when the key is
// credential-bearing. Empty values pass through unchanged to avoid noise.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
