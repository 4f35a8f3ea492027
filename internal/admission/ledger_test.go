package admission

import (
	"testing"
	"time"
)

// fixed base time for deterministic window math
var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestPrune_DropsAgedEvents(t *testing.T) {
	e := &entry{events: []Event{
		{At: t0.Add(-25 * time.Hour), Size: 100},
		{At: t0.Add(-horizon), Size: 100}, // exactly at cutoff ages out
		{At: t0.Add(-23 * time.Hour), Size: 100},
		{At: t0.Add(-time.Minute), Size: 100},
	}}

	e.prune(t0)

	if got := len(e.events); got != 2 {
		t.Fatalf("events after prune = %d, want 2", got)
	}
	if !e.events[0].At.Equal(t0.Add(-23 * time.Hour)) {
		t.Fatalf("oldest surviving event = %v, want %v", e.events[0].At, t0.Add(-23*time.Hour))
	}
}

func TestPrune_NoSurvivors(t *testing.T) {
	e := &entry{events: []Event{
		{At: t0.Add(-30 * time.Hour)},
		{At: t0.Add(-25 * time.Hour)},
	}}

	e.prune(t0)

	if got := len(e.events); got != 0 {
		t.Fatalf("events after prune = %d, want 0", got)
	}
}

func TestCountSince_StrictCutoff(t *testing.T) {
	cutoff := t0.Add(-time.Minute)
	e := &entry{events: []Event{
		{At: cutoff.Add(-time.Second)}, // before cutoff
		{At: cutoff},                   // exactly at cutoff does not count
		{At: cutoff.Add(time.Second)},
		{At: t0},
	}}

	if got := e.countSince(cutoff); got != 2 {
		t.Fatalf("countSince = %d, want 2", got)
	}
}

func TestBytesSince_SumsOnlyNewerEvents(t *testing.T) {
	cutoff := t0.Add(-time.Hour)
	e := &entry{events: []Event{
		{At: cutoff.Add(-time.Minute), Size: 1000},
		{At: cutoff.Add(time.Minute), Size: 10},
		{At: t0, Size: 5},
	}}

	if got := e.bytesSince(cutoff); got != 15 {
		t.Fatalf("bytesSince = %d, want 15", got)
	}
}

func TestDead(t *testing.T) {
	tests := []struct {
		name string
		e    entry
		want bool
	}{
		{"empty", entry{}, true},
		{"has events", entry{events: []Event{{At: t0}}}, false},
		{"live block", entry{blockedUntil: t0.Add(time.Minute)}, false},
		{"expired block", entry{violations: 3, blockedUntil: t0.Add(-time.Minute)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.dead(t0); got != tt.want {
				t.Fatalf("dead = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSweep_EvictsDeadKeepsLive(t *testing.T) {
	l := NewLedger()
	l.entries["idle"] = &entry{} // no events, no block
	l.entries["aged"] = &entry{events: []Event{{At: t0.Add(-25 * time.Hour)}}}
	l.entries["active"] = &entry{events: []Event{{At: t0.Add(-time.Minute)}}}
	l.entries["blocked"] = &entry{violations: 4, blockedUntil: t0.Add(10 * time.Hour)}

	evicted, remaining := l.sweep(t0)

	if evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}
	if remaining != 2 {
		t.Fatalf("remaining = %d, want 2", remaining)
	}
	if _, ok := l.entries["active"]; !ok {
		t.Fatal("active client should survive the sweep")
	}
	// a blocked client with no events must not be evicted, eviction would
	// erase the penalty
	if _, ok := l.entries["blocked"]; !ok {
		t.Fatal("blocked client should survive the sweep")
	}
}

func TestLen(t *testing.T) {
	l := NewLedger()
	if l.Len() != 0 {
		t.Fatalf("Len = %d, want 0", l.Len())
	}
	l.entries["a"] = &entry{}
	l.entries["b"] = &entry{}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
}
