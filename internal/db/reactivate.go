package db

import (
	"context"
	"log"
	"time"
)

// Reactivator periodically clears durable exhaustion flags whose cooldown
// has passed. It is the only path that flips persisted accounts back to
// active; live cooldowns expire in memory without touching the database.
type Reactivator struct {
	store    *Store
	interval time.Duration
	cooldown time.Duration
}

func NewReactivator(store *Store, interval, cooldown time.Duration) *Reactivator {
	return &Reactivator{store: store, interval: interval, cooldown: cooldown}
}

// Start launches the sweep loop. It stops when ctx is canceled.
func (r *Reactivator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce()
			}
		}
	}()
	log.Printf("🔄 Account reactivator started (interval=%s, cooldown=%s)", r.interval, r.cooldown)
}

// RunOnce performs a single sweep and returns the number of reactivated
// identities.
func (r *Reactivator) RunOnce() int64 {
	count, err := r.store.ReactivateExhaustedAccounts(r.cooldown)
	if err != nil {
		log.Printf("❌ Reactivation sweep failed: %v", err)
		return 0
	}
	if count > 0 {
		log.Printf("✅ Reactivated %d exhausted account(s)", count)
	}
	return count
}
