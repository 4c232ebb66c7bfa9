package progress

import (
	"math"
	"sync"
)

const (
	// maxInFlight keeps a running download below 100 so only Complete can report done.
	maxInFlight = 99
	done        = 100
)

// Tracker holds the last reported percentage of every running download, keyed by record id.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	entries map[int64]int
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[int64]int)}
}

// Set stores percent for id, clamped to [0, 99].
func (t *Tracker) Set(id int64, percent float64) {
	switch {
	case math.IsNaN(percent) || percent < 0:
		percent = 0
	case percent > maxInFlight:
		percent = maxInFlight
	}

	t.mu.Lock()
	t.entries[id] = int(percent)
	t.mu.Unlock()
}

// Complete pins id at 100.
func (t *Tracker) Complete(id int64) {
	t.mu.Lock()
	t.entries[id] = done
	t.mu.Unlock()
}

// Get returns the percentage for id, or 0 when nothing was reported.
func (t *Tracker) Get(id int64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.entries[id]
}

func (t *Tracker) Clear(id int64) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Len returns the number of tracked downloads.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.entries)
}
