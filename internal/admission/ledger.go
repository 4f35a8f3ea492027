package admission

import (
	"sync"
	"time"
)

// horizon is how far back the ledger remembers completed uploads. Events
// older than this never count toward any window and are lazily pruned.
const horizon = 24 * time.Hour

// Event is one completed upload. Immutable once recorded.
type Event struct {
	At   time.Time
	Size int64
}

// entry is the per-client record: completed uploads inside the horizon,
// consecutive violations since the last successful upload, and the active
// block if one is in force.
type entry struct {
	events       []Event
	violations   int
	blockedUntil time.Time
}

// prune drops events that have aged out of the horizon. events is
// append-only and chronological, so surviving events are a suffix.
func (e *entry) prune(now time.Time) {
	cutoff := now.Add(-horizon)
	i := 0
	for i < len(e.events) && !e.events[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		e.events = append(e.events[:0], e.events[i:]...)
	}
}

// countSince counts events strictly newer than cutoff.
func (e *entry) countSince(cutoff time.Time) int {
	n := 0
	for i := len(e.events) - 1; i >= 0; i-- {
		if !e.events[i].At.After(cutoff) {
			break
		}
		n++
	}
	return n
}

// bytesSince sums event sizes strictly newer than cutoff.
func (e *entry) bytesSince(cutoff time.Time) int64 {
	var total int64
	for i := len(e.events) - 1; i >= 0; i-- {
		if !e.events[i].At.After(cutoff) {
			break
		}
		total += e.events[i].Size
	}
	return total
}

// dead reports whether the entry carries no state worth keeping: no events
// inside the horizon and no live block.
func (e *entry) dead(now time.Time) bool {
	return len(e.events) == 0 && !e.blockedUntil.After(now)
}

// Ledger holds per-client admission state. One map-wide mutex serializes
// request-path mutation and janitor sweeps; clients are independent but the
// map itself is shared, and at this scale per-entry locking buys nothing.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*entry)}
}

// getOrCreate returns the entry for key, inserting a fresh one on first
// sight. Caller must hold l.mu.
func (l *Ledger) getOrCreate(key string) *entry {
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	return e
}

// sweep prunes every entry and deletes the dead ones. Returns how many
// entries were evicted and how many remain.
func (l *Ledger) sweep(now time.Time) (evicted, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.entries {
		e.prune(now)
		if e.dead(now) {
			delete(l.entries, key)
			evicted++
		}
	}
	return evicted, len(l.entries)
}

// Len returns the number of tracked clients, for the ledger size gauge.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
