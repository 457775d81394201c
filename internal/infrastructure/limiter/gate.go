// Package limiter provides the process-wide gates that cap concurrent calls into
// the signing server and the CA.
package limiter

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is a counting semaphore shared by every pool.
type Gate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewGate creates a gate admitting at most capacity concurrent holders.
func NewGate(name string, capacity int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// Name returns the gate's name.
func (g *Gate) Name() string { return g.name }

// Capacity returns the configured limit.
func (g *Gate) Capacity() int { return int(g.capacity) }

// InFlight returns the current number of holders.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Peak returns the highest number of concurrent holders observed.
func (g *Gate) Peak() int { return int(g.peak.Load()) }

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

// Do runs fn while holding a slot.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}
