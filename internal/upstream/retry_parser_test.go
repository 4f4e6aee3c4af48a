package upstream

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   string
		want   time.Duration
	}{
		{"header seconds", "30", "", 30 * time.Second},
		{"header zero ignored", "0", "", 0},
		{"header garbage ignored", "soon", "", 0},
		{"body retryDelay", "", `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"3.5s"}]}}`, 3500 * time.Millisecond},
		{"body metadata retryDelay", "", `{"error":{"details":[{"metadata":{"retryDelay":"7s"}}]}}`, 7 * time.Second},
		{"body without details", "", `{"error":{"message":"too many requests"}}`, 0},
		{"body not json", "", `too many requests`, 0},
		{"empty everything", "", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Retry-After", tt.header)
			}
			if got := ParseRetryAfter(h, []byte(tt.body)); got != tt.want {
				t.Errorf("ParseRetryAfter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfterHeaderWinsOverBody(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "10")
	body := []byte(`{"error":{"details":[{"retryDelay":"99s"}]}}`)
	if got := ParseRetryAfter(h, body); got != 10*time.Second {
		t.Errorf("ParseRetryAfter = %v, want the header value", got)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(45*time.Second).UTC().Format(http.TimeFormat))
	got := ParseRetryAfter(h, nil)
	if got <= 40*time.Second || got > 45*time.Second {
		t.Errorf("ParseRetryAfter = %v, want roughly 45s", got)
	}

	// A date in the past yields no hint.
	h.Set("Retry-After", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))
	if got := ParseRetryAfter(h, nil); got != 0 {
		t.Errorf("past date should yield zero, got %v", got)
	}
}
