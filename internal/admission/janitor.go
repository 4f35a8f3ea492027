package admission

import (
	"context"
	"time"

	"github.com/keithlinneman/imgdrop/internal/log"
)

// Janitor periodically sweeps the ledger, evicting clients with no events
// inside the horizon and no live block, so memory stays bounded regardless
// of how many distinct clients were ever seen. Sweeps share the ledger
// mutex with request paths, so a sweep can never interleave with an
// in-flight mutation of the same entry.
type Janitor struct {
	ledger   *Ledger
	interval time.Duration
	clock    Clock
	logger   log.Logger

	// OnSweep is called after every sweep with eviction stats, used for
	// prometheus counters/gauges.
	OnSweep func(evicted, remaining int)
}

type JanitorOption func(*Janitor)

// WithSweepInterval overrides the default 1 hour sweep period.
func WithSweepInterval(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.interval = d }
}

func WithJanitorClock(c Clock) JanitorOption {
	return func(j *Janitor) { j.clock = c }
}

func WithJanitorLogger(l log.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = l }
}

func WithOnSweep(fn func(evicted, remaining int)) JanitorOption {
	return func(j *Janitor) { j.OnSweep = fn }
}

// NewJanitor creates a Janitor over the given ledger. Call Run to start
// sweeping; nothing happens until then.
func NewJanitor(ledger *Ledger, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		ledger:   ledger,
		interval: time.Hour,
		clock:    realClock{},
		logger:   log.Nop(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Run sweeps on a fixed period until ctx is cancelled. Run on its own
// goroutine; the provided context should be the app lifetime context so
// the sweeper dies on shutdown.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one sweep immediately. Exposed so the host can force a sweep
// (and so tests don't have to wait out the ticker).
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.clock.Now()
	evicted, remaining := j.ledger.sweep(now)
	if evicted > 0 {
		j.logger.Debug(ctx, "admission ledger sweep",
			"evicted", evicted,
			"remaining", remaining,
		)
	}
	if j.OnSweep != nil {
		j.OnSweep(evicted, remaining)
	}
}
