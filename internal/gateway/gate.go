package gateway

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate is the process-wide cap on in-flight upstream calls. One gateway
// process speaks to the upstream from one IP; exceeding the cap only buys
// 429s.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a gate admitting at most cap concurrent calls.
func NewGate(cap int64) *Gate {
	if cap <= 0 {
		cap = 3
	}
	return &Gate{sem: semaphore.NewWeighted(cap)}
}

// Run executes fn while holding one slot. Acquisition respects ctx, so a
// disconnected client stops waiting in line.
func (g *Gate) Run(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return fn()
}
