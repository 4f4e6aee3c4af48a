package gateway

import (
	"sync"
	"time"
)

// RateDecision is the result of one rate-limiter consume.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type rateWindow struct {
	count   int
	startAt time.Time
}

// RateLimiter is a client-side fixed-window throttle per identity. It keeps
// the gateway from burning an identity's upstream budget faster than the
// free tier allows.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	max     int
	window  time.Duration
	nowFunc func() time.Time
}

// NewRateLimiter creates a limiter allowing max requests per window per
// identity.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		max:     max,
		window:  window,
		nowFunc: time.Now,
	}
}

// Consume spends one request from the identity's budget. An expired window
// is reset before the check.
func (l *RateLimiter) Consume(email string) RateDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	w, ok := l.windows[email]
	if !ok || now.Sub(w.startAt) >= l.window {
		w = &rateWindow{startAt: now}
		l.windows[email] = w
	}

	if w.count >= l.max {
		return RateDecision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.startAt.Add(l.window).Sub(now),
		}
	}
	w.count++
	return RateDecision{Allowed: true, Remaining: l.max - w.count}
}

// Reset drops the window for one identity.
func (l *RateLimiter) Reset(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, email)
}

// ResetAll drops every window.
func (l *RateLimiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*rateWindow)
}
