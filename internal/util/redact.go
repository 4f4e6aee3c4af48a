package util

import "strings"

// RedactedPlaceholder replaces secret material in persisted or logged text.
const RedactedPlaceholder = "[REDACTED]"

// RedactSecrets removes every occurrence of the given secrets from s.
// Empty and very short secrets are ignored so the placeholder cannot be
// spammed through the text by a degenerate input.
func RedactSecrets(s string, secrets ...string) string {
	for _, secret := range secrets {
		if len(secret) < 8 {
			continue
		}
		s = strings.ReplaceAll(s, secret, RedactedPlaceholder)
	}
	return s
}

// MaskToken shortens a token for log output. Tokens are never logged whole.
func MaskToken(t string) string {
	if len(t) < 20 {
		return "***"
	}
	return "..." + t[len(t)-12:]
}
