package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew_RejectsNonPositiveCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		if _, err := New(capacity); err == nil {
			t.Errorf("Expected error for capacity %d", capacity)
		}
	}
}

func TestCoordinator_AcquireWithinCapacity(t *testing.T) {
	c, err := New(3)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.AcquireSlot(ctx); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}

	stats := c.GetStats()
	if stats.Active != 3 {
		t.Errorf("Expected 3 active, got %d", stats.Active)
	}
	if stats.Waiting != 0 {
		t.Errorf("Expected 0 waiting, got %d", stats.Waiting)
	}
}

func TestCoordinator_BlocksAtCapacity(t *testing.T) {
	c, _ := New(1)
	ctx := context.Background()

	if err := c.AcquireSlot(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		c.AcquireSlot(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Second acquire should block at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	c.ReleaseSlot()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Release did not wake the waiter")
	}
}

func TestCoordinator_FIFOOrder(t *testing.T) {
	c, _ := New(1)
	ctx := context.Background()

	if err := c.AcquireSlot(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	const waiters = 5
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	started := make(chan struct{})
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-started
			// Stagger arrival so queue order is deterministic.
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			if err := c.AcquireSlot(ctx); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			c.ReleaseSlot()
		}(i)
	}

	close(started)
	time.Sleep(waiters*20*time.Millisecond + 50*time.Millisecond)
	c.ReleaseSlot()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("Expected FIFO grant order, got %v", order)
		}
	}
}

func TestCoordinator_NeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	c, _ := New(capacity)
	ctx := context.Background()

	var active, maxActive int64
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.AcquireSlot(ctx); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			cur := atomic.AddInt64(&active, 1)
			for {
				prev := atomic.LoadInt64(&maxActive)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxActive, prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&active, -1)
			c.ReleaseSlot()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&maxActive); got > capacity {
		t.Errorf("Observed %d concurrent holders, capacity is %d", got, capacity)
	}
	if stats := c.GetStats(); stats.Active != 0 {
		t.Errorf("Expected 0 active after drain, got %d", stats.Active)
	}
}

func TestCoordinator_AcquireCanceled(t *testing.T) {
	c, _ := New(1)
	if err := c.AcquireSlot(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.AcquireSlot(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("Canceled acquire did not return")
	}

	// The abandoned waiter must not consume the slot.
	c.ReleaseSlot()
	if err := c.AcquireSlot(context.Background()); err != nil {
		t.Fatalf("Slot was lost to a canceled waiter: %v", err)
	}
	c.ReleaseSlot()
}

func TestCoordinator_ReleaseWithoutAcquirePanics(t *testing.T) {
	c, _ := New(1)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on unmatched release")
		}
	}()
	c.ReleaseSlot()
}

func TestCoordinator_ExclusiveLane(t *testing.T) {
	c, _ := New(2)
	ctx := context.Background()

	if err := c.AcquireExclusive(ctx); err != nil {
		t.Fatalf("AcquireExclusive failed: %v", err)
	}

	second := make(chan struct{})
	go func() {
		c.AcquireExclusive(ctx)
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("Exclusive lane admitted two holders")
	case <-time.After(50 * time.Millisecond):
	}

	// The slot pool is independent of the exclusive lane.
	if err := c.AcquireSlot(ctx); err != nil {
		t.Fatalf("Slot acquire failed while exclusive held: %v", err)
	}
	c.ReleaseSlot()

	c.ReleaseExclusive()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("Exclusive release did not wake the waiter")
	}
	c.ReleaseExclusive()
}

func TestCoordinator_ExclusiveCanceled(t *testing.T) {
	c, _ := New(1)
	if err := c.AcquireExclusive(context.Background()); err != nil {
		t.Fatalf("AcquireExclusive failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.AcquireExclusive(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errCh; err == nil {
		t.Error("Expected cancellation error")
	}

	c.ReleaseExclusive()
	if err := c.AcquireExclusive(context.Background()); err != nil {
		t.Fatalf("Exclusive lane was lost to a canceled waiter: %v", err)
	}
	c.ReleaseExclusive()
}

func TestCoordinator_StatsCounters(t *testing.T) {
	c, _ := New(2)
	ctx := context.Background()

	c.AcquireSlot(ctx)
	c.AcquireSlot(ctx)
	c.ReleaseSlot()
	c.ReleaseSlot()
	c.AcquireExclusive(ctx)
	c.ReleaseExclusive()

	stats := c.GetStats()
	if stats.TotalAcquired != 2 {
		t.Errorf("Expected 2 total acquisitions, got %d", stats.TotalAcquired)
	}
	if stats.TotalExclusive != 1 {
		t.Errorf("Expected 1 exclusive acquisition, got %d", stats.TotalExclusive)
	}
	if stats.Capacity != 2 {
		t.Errorf("Expected capacity 2, got %d", stats.Capacity)
	}
}
