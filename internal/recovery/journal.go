package recovery

import "sync"

// Journal is a bounded, append-only in-memory log of error events. When
// full, the oldest events are dropped.
type Journal struct {
	mu     sync.RWMutex
	events []ErrorEvent
	max    int
}

// NewJournal creates a journal retaining at most max events.
func NewJournal(max int) *Journal {
	if max <= 0 {
		max = 1000
	}
	return &Journal{max: max}
}

// Append records an event.
func (j *Journal) Append(event ErrorEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, event)
	if len(j.events) > j.max {
		j.events = j.events[len(j.events)-j.max:]
	}
}

// Recent returns up to n most recent events, newest last.
func (j *Journal) Recent(n int) []ErrorEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n <= 0 || n > len(j.events) {
		n = len(j.events)
	}
	out := make([]ErrorEvent, n)
	copy(out, j.events[len(j.events)-n:])
	return out
}

// Len returns the number of retained events.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}
