package util

import "fmt"

// TruncateLog bounds persisted request/response text. The cut keeps the
// leading bytes and appends the original size so the request-log API still
// shows how much was dropped.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
