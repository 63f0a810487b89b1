// Package coordinator provides the concurrency primitives shared by all
// transfer operations: a bounded counting-slot pool for chunk-level
// parallelism and an exclusive lane ensuring only one multipart session runs
// at a time. Waiters are released in strict FIFO arrival order.
package coordinator

import (
	"context"
	"fmt"
	"sync"
)

// Coordinator owns the slot and exclusive-lane counters. All counter mutation
// happens under one mutex; callers only see acquire/release semantics.
type Coordinator struct {
	mu sync.Mutex

	capacity int
	active   int
	waiters  []chan struct{}

	exclusiveHeld    bool
	exclusiveWaiters []chan struct{}

	stats Stats
}

// Stats is a point-in-time snapshot of coordinator occupancy.
type Stats struct {
	Capacity         int   `json:"capacity"`
	Active           int   `json:"active"`
	Waiting          int   `json:"waiting"`
	ExclusiveHeld    bool  `json:"exclusive_held"`
	ExclusiveWaiting int   `json:"exclusive_waiting"`
	TotalAcquired    int64 `json:"total_acquired"`
	TotalExclusive   int64 `json:"total_exclusive"`
}

// New creates a Coordinator with the given slot capacity.
func New(capacity int) (*Coordinator, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("slot capacity must be positive, got %d", capacity)
	}
	return &Coordinator{capacity: capacity}, nil
}

// AcquireSlot blocks until a counting slot is free, honoring FIFO order among
// waiters. It returns the context error if ctx is canceled first; in that
// case no slot is held.
func (c *Coordinator) AcquireSlot(ctx context.Context) error {
	c.mu.Lock()
	if c.active < c.capacity && len(c.waiters) == 0 {
		c.active++
		c.stats.TotalAcquired++
		c.mu.Unlock()
		return nil
	}

	ready := make(chan struct{}, 1)
	c.waiters = append(c.waiters, ready)
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		c.abandonSlotWait(ready)
		return ctx.Err()
	}
}

// ReleaseSlot frees a counting slot. If waiters exist the oldest one is woken
// atomically with the release, so the slot cannot be stolen by a third party.
func (c *Coordinator) ReleaseSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.waiters) > 0 {
		// Hand the slot directly to the oldest waiter; active is unchanged.
		next := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.stats.TotalAcquired++
		next <- struct{}{}
		return
	}

	if c.active <= 0 {
		panic("coordinator: ReleaseSlot without matching AcquireSlot")
	}
	c.active--
}

// abandonSlotWait removes a canceled waiter. If the waiter was already granted
// the slot in the meantime, the grant is passed on instead of being lost.
func (c *Coordinator) abandonSlotWait(ready chan struct{}) {
	c.mu.Lock()
	for i, w := range c.waiters {
		if w == ready {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	// Not in the queue: ReleaseSlot already signaled us. Take the grant and
	// release it again so the next waiter proceeds.
	<-ready
	c.ReleaseSlot()
}

// AcquireExclusive blocks until the exclusive lane is free. The lane has a
// fixed capacity of one and its waiters are also served FIFO.
func (c *Coordinator) AcquireExclusive(ctx context.Context) error {
	c.mu.Lock()
	if !c.exclusiveHeld && len(c.exclusiveWaiters) == 0 {
		c.exclusiveHeld = true
		c.stats.TotalExclusive++
		c.mu.Unlock()
		return nil
	}

	ready := make(chan struct{}, 1)
	c.exclusiveWaiters = append(c.exclusiveWaiters, ready)
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		c.abandonExclusiveWait(ready)
		return ctx.Err()
	}
}

// ReleaseExclusive frees the exclusive lane, waking the oldest waiter if any.
func (c *Coordinator) ReleaseExclusive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.exclusiveHeld {
		panic("coordinator: ReleaseExclusive without matching AcquireExclusive")
	}

	if len(c.exclusiveWaiters) > 0 {
		next := c.exclusiveWaiters[0]
		c.exclusiveWaiters = c.exclusiveWaiters[1:]
		c.stats.TotalExclusive++
		next <- struct{}{}
		return
	}

	c.exclusiveHeld = false
}

func (c *Coordinator) abandonExclusiveWait(ready chan struct{}) {
	c.mu.Lock()
	for i, w := range c.exclusiveWaiters {
		if w == ready {
			c.exclusiveWaiters = append(c.exclusiveWaiters[:i], c.exclusiveWaiters[i+1:]...)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	<-ready
	c.ReleaseExclusive()
}

// GetStats returns a snapshot of the coordinator state.
func (c *Coordinator) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Capacity = c.capacity
	s.Active = c.active
	s.Waiting = len(c.waiters)
	s.ExclusiveHeld = c.exclusiveHeld
	s.ExclusiveWaiting = len(c.exclusiveWaiters)
	return s
}
