package ramp

import (
	"context"
	"sync"
	"time"
)

// MinLeadTime keeps the shared start instant far enough in the future that
// every waiter observes it before it passes.
const MinLeadTime = 50 * time.Millisecond

// Barrier counts worker arrivals (first successful connect each) and
// releases waiters once the whole fleet has arrived.
type Barrier struct {
	mu      sync.Mutex
	needed  int
	arrived int
	done    chan struct{}
}

// NewBarrier creates a barrier for n workers. n <= 0 is already complete.
func NewBarrier(n int) *Barrier {
	b := &Barrier{needed: n, done: make(chan struct{})}
	if n <= 0 {
		close(b.done)
	}
	return b
}

// Arrive marks one worker connected. Arrivals beyond the fleet size are
// ignored, so reconnecting workers cannot re-trip the barrier.
func (b *Barrier) Arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.arrived >= b.needed {
		return
	}
	b.arrived++
	if b.arrived == b.needed {
		close(b.done)
	}
}

// Arrived returns how many workers have checked in so far.
func (b *Barrier) Arrived() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

// Wait blocks until every worker has arrived or ctx ends.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gate hands every worker the same publish start instant. Workers block in
// Wait until the shard releases the gate, then align their tick grids on the
// returned time.
type Gate struct {
	once     sync.Once
	released chan struct{}
	start    time.Time
}

// NewGate creates an unreleased gate.
func NewGate() *Gate {
	return &Gate{released: make(chan struct{})}
}

// Release fixes the start instant at now+leadTime, floored to MinLeadTime,
// and wakes every waiter. Only the first call picks the instant; later calls
// return it unchanged.
func (g *Gate) Release(leadTime time.Duration) time.Time {
	g.once.Do(func() {
		if leadTime < MinLeadTime {
			leadTime = MinLeadTime
		}
		g.start = time.Now().Add(leadTime)
		close(g.released)
	})
	return g.start
}

// Wait blocks until the gate is released or ctx ends, returning the shared
// start instant.
func (g *Gate) Wait(ctx context.Context) (time.Time, error) {
	select {
	case <-g.released:
		return g.start, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}
