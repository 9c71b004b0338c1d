package engine

import (
	"sync"
	"time"
)

const (
	latencyWindow     = 30 * time.Second
	latencyMaxSamples = 1000
	latencyMinSamples = 20
)

type sample struct {
	at time.Time
	d  time.Duration
}

// latencySamples is a time-windowed sample list. Old entries are trimmed on
// read, not on write, so add stays cheap on the hot path.
type latencySamples struct {
	mu    sync.Mutex
	items []sample
	now   func() time.Time
}

func newLatencySamples(now func() time.Time) *latencySamples {
	if now == nil {
		now = time.Now
	}
	return &latencySamples{now: now}
}

func (l *latencySamples) add(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.items = append(l.items, sample{at: l.now(), d: d})
	l.mu.Unlock()
}

// stats trims the window and returns the sample count and mean.
func (l *latencySamples) stats() (count int, avg time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-latencyWindow)
	drop := 0
	for drop < len(l.items) && l.items[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(l.items) - drop - latencyMaxSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		l.items = append(l.items[:0], l.items[drop:]...)
	}

	if len(l.items) == 0 {
		return 0, 0
	}
	var sum time.Duration
	for _, s := range l.items {
		sum += s.d
	}
	return len(l.items), sum / time.Duration(len(l.items))
}
