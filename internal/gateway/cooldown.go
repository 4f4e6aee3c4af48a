package gateway

import (
	"sync"
	"time"
)

// Cooldown durations by category. Rate-limit and overloaded escalate
// exponentially from the base; quota is a flat hour; auth and billing are
// effectively infinite and only a manual clear or durable reactivation
// brings the identity back.
const (
	cooldownBase     = 15 * time.Second
	cooldownCap      = 120 * time.Second
	cooldownQuota    = 60 * time.Minute
	cooldownTimeout  = 5 * time.Second
	cooldownInfinite = 365 * 24 * time.Hour
)

// CooldownState is the in-memory record for one cooling-down identity.
type CooldownState struct {
	Until        time.Time
	Reason       Category
	FailureCount int
	LastProbeAt  time.Time
}

// CooldownRegistry tracks per-identity cooldown state. It is the system of
// record at runtime; the persisted exhaustion flag only survives restarts.
type CooldownRegistry struct {
	mu      sync.Mutex
	entries map[string]*CooldownState

	probeMargin      time.Duration
	minProbeInterval time.Duration
	nowFunc          func() time.Time
}

// NewCooldownRegistry creates an empty registry.
func NewCooldownRegistry(probeMargin, minProbeInterval time.Duration) *CooldownRegistry {
	if probeMargin <= 0 {
		probeMargin = 2 * time.Minute
	}
	if minProbeInterval <= 0 {
		minProbeInterval = 30 * time.Second
	}
	return &CooldownRegistry{
		entries:          make(map[string]*CooldownState),
		probeMargin:      probeMargin,
		minProbeInterval: minProbeInterval,
		nowFunc:          time.Now,
	}
}

// MarkCooldown records a failure for the identity and computes the new
// cooldown window. The failure count survives across consecutive failures
// and resets only on success or manual clear.
func (c *CooldownRegistry) MarkCooldown(email string, category Category) CooldownState {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	e, ok := c.entries[email]
	if !ok {
		e = &CooldownState{}
		c.entries[email] = e
	}
	e.FailureCount++
	e.Reason = category
	e.Until = now.Add(cooldownDuration(category, e.FailureCount))
	return *e
}

func cooldownDuration(category Category, failureCount int) time.Duration {
	switch category {
	case CategoryRateLimit, CategoryOverloaded:
		d := cooldownBase
		for i := 1; i < failureCount; i++ {
			d *= 2
			if d >= cooldownCap {
				return cooldownCap
			}
		}
		return d
	case CategoryQuota:
		return cooldownQuota
	case CategoryAuth, CategoryBilling:
		return cooldownInfinite
	case CategoryTimeout:
		return cooldownTimeout
	default:
		return cooldownBase
	}
}

// InCooldown reports whether the identity is currently cooling down.
// Expired entries are removed on read.
func (c *CooldownRegistry) InCooldown(email string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[email]
	if !ok {
		return false
	}
	if !c.nowFunc().Before(e.Until) {
		delete(c.entries, email)
		return false
	}
	return true
}

// ShouldProbe reports whether a cooling-down identity is worth one early
// attempt. Auth and billing never probe; rate-limit and overloaded probe as
// soon as the probe interval has elapsed; other categories only probe inside
// the margin before the cooldown expires.
func (c *CooldownRegistry) ShouldProbe(email string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[email]
	if !ok {
		return false
	}
	if e.Reason == CategoryAuth || e.Reason == CategoryBilling {
		return false
	}

	now := c.nowFunc()
	if !e.LastProbeAt.IsZero() && now.Sub(e.LastProbeAt) < c.minProbeInterval {
		return false
	}
	if e.Reason == CategoryRateLimit || e.Reason == CategoryOverloaded {
		return true
	}
	return !now.Before(e.Until.Add(-c.probeMargin))
}

// RecordProbe stamps the probe time so probes stay spaced out.
func (c *CooldownRegistry) RecordProbe(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[email]; ok {
		e.LastProbeAt = c.nowFunc()
	}
}

// MarkSuccess forgets all cooldown state for the identity. This is the sole
// healing transition.
func (c *CooldownRegistry) MarkSuccess(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, email)
}

// Clear removes the entry regardless of expiry. Used by the admin API.
func (c *CooldownRegistry) Clear(email string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[email]
	delete(c.entries, email)
	return ok
}

// ClearExpired sweeps out entries whose window has passed and returns the
// number removed.
func (c *CooldownRegistry) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	removed := 0
	for email, e := range c.entries {
		if !now.Before(e.Until) {
			delete(c.entries, email)
			removed++
		}
	}
	return removed
}

// Get returns a copy of the entry for the identity, if one exists.
func (c *CooldownRegistry) Get(email string) (CooldownState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[email]
	if !ok {
		return CooldownState{}, false
	}
	return *e, true
}

// Snapshot returns a copy of every live entry, keyed by identity email.
func (c *CooldownRegistry) Snapshot() map[string]CooldownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CooldownState, len(c.entries))
	for email, e := range c.entries {
		out[email] = *e
	}
	return out
}
