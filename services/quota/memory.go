package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryTracker keeps counters in process memory. Each counter has its own lock,
// so reservations for different tenants never contend. A counter is keyed by its
// window and period, so a new period starts from zero and an ended one is only
// removed by RollWindow.
type MemoryTracker struct {
	clock
	mu       sync.Mutex
	counters map[counterKey]*counter
	marks    map[string]time.Time
}

type counterKey struct {
	key    string
	window Window
	period string
}

type counter struct {
	mu    sync.Mutex
	end   time.Time
	usage int64
}

// NewMemoryTracker creates an empty in-memory tracker
func NewMemoryTracker(opts ...Option) *MemoryTracker {
	return &MemoryTracker{
		clock:    newClock(opts),
		counters: make(map[counterKey]*counter),
		marks:    make(map[string]time.Time),
	}
}

func (t *MemoryTracker) counter(key string, window Window, now time.Time) *counter {
	ck := counterKey{key: key, window: window, period: window.PeriodKey(now)}

	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[ck]
	if !ok {
		_, end := window.Bounds(now)
		c = &counter{end: end}
		t.counters[ck] = c
	}
	return c
}

// Reserve implements Tracker
func (t *MemoryTracker) Reserve(_ context.Context, key string, policy Policy, amount int64) (bool, error) {
	if err := validateReservation(policy, amount); err != nil {
		return false, err
	}
	now := t.Now()
	c := t.counter(key, policy.Window, now)

	c.mu.Lock()
	defer c.mu.Unlock()
	if amount > policy.Limit-c.usage {
		return false, nil
	}
	c.usage += amount

	t.mu.Lock()
	t.marks[key] = now
	t.mu.Unlock()
	return true, nil
}

// CurrentUsage implements Tracker
func (t *MemoryTracker) CurrentUsage(_ context.Context, key string, window Window) (int64, error) {
	if err := window.Validate(); err != nil {
		return 0, err
	}
	now := t.Now()
	ck := counterKey{key: key, window: window, period: window.PeriodKey(now)}

	t.mu.Lock()
	c, ok := t.counters[ck]
	t.mu.Unlock()
	if !ok {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage, nil
}

// LastReservedAt implements Tracker
func (t *MemoryTracker) LastReservedAt(_ context.Context, key string) (time.Time, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.marks[key]
	return last, ok, nil
}

// RollWindow removes every counter whose window has ended at now and returns
// how many were removed. Last reservation times are kept.
func (t *MemoryTracker) RollWindow(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for ck, c := range t.counters {
		if !now.Before(c.end) {
			delete(t.counters, ck)
			removed++
		}
	}
	return removed
}

// Len returns the number of live counters
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counters)
}

// StartCleanupWorker calls RollWindow every interval until ctx is done
func (t *MemoryTracker) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.RollWindow(t.Now())
		case <-ctx.Done():
			return
		}
	}
}
