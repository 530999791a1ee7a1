package feed

import (
	"sync"
	"time"
)

// Budget caps upstream calls over a rolling window. When the window is
// full, Allow reports false and the caller skips the rest of its cycle;
// skipped fetches are not queued for the next window.
type Budget struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	calls []time.Time
}

func NewBudget(limit int, window time.Duration) *Budget {
	return &Budget{limit: limit, window: window, now: time.Now}
}

// Allow consumes one call slot if the window has room.
func (b *Budget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)

	// Drop calls that have slid out of the window
	i := 0
	for i < len(b.calls) && b.calls[i].Before(cutoff) {
		i++
	}
	b.calls = b.calls[i:]

	if len(b.calls) >= b.limit {
		return false
	}
	b.calls = append(b.calls, now)
	return true
}

// Used counts calls still inside the window.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.window)
	n := 0
	for _, t := range b.calls {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}
