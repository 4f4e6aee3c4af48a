package upstream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// retryInfo is the structured error shape Google attaches to 429 responses.
type retryInfo struct {
	Error struct {
		Details []struct {
			Type       string            `json:"@type"`
			RetryDelay string            `json:"retryDelay"`
			Metadata   map[string]string `json:"metadata"`
		} `json:"details"`
	} `json:"error"`
}

// ParseRetryAfter extracts a retry hint from response headers and body.
// The Retry-After header (seconds or HTTP-date) wins; otherwise the Google
// error detail retryDelay ("3.5s") is used. Zero means no hint.
func ParseRetryAfter(header http.Header, body []byte) time.Duration {
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}

	if len(body) == 0 {
		return 0
	}
	var info retryInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0
	}
	for _, detail := range info.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil && d > 0 {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil && d > 0 {
				return d
			}
		}
	}
	return 0
}
