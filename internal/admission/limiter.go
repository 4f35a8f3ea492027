package admission

import "time"

// Config holds the windowed quotas and the escalation schedule. Zero values
// are filled from defaults so partial overrides in config stay safe.
type Config struct {
	// count quotas per sliding window
	MinuteMax int // uploads per 1 minute
	HourMax   int // uploads per 1 hour
	DayMax    int // uploads per 24 hours

	// cumulative upload bytes per 1 hour
	HourMaxBytes int64

	// Escalation maps consecutive violation count to block duration:
	// Escalation[0] for the first violation, and the last element repeats
	// for everything past the end of the slice.
	Escalation []time.Duration
}

// DefaultConfig returns the stock quotas: 15/min, 100/hour, 150/day,
// 50 MiB/hour, with blocks of 5m, 15m, 60m, then 24h for every violation
// after the third.
func DefaultConfig() Config {
	return Config{
		MinuteMax:    15,
		HourMax:      100,
		DayMax:       150,
		HourMaxBytes: 50 << 20,
		Escalation:   []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute, 24 * time.Hour},
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.MinuteMax <= 0 {
		c.MinuteMax = d.MinuteMax
	}
	if c.HourMax <= 0 {
		c.HourMax = d.HourMax
	}
	if c.DayMax <= 0 {
		c.DayMax = d.DayMax
	}
	if c.HourMaxBytes <= 0 {
		c.HourMaxBytes = d.HourMaxBytes
	}
	if len(c.Escalation) == 0 {
		c.Escalation = d.Escalation
	}
}

// blockFor returns the block duration for the given consecutive violation
// count (1-based, after increment).
func (c *Config) blockFor(violations int) time.Duration {
	if violations < 1 {
		violations = 1
	}
	if violations > len(c.Escalation) {
		violations = len(c.Escalation)
	}
	return c.Escalation[violations-1]
}

// Decision is the outcome of evaluating one request. A rejection is a
// normal, expected outcome carrying structured metadata - never an error.
type Decision struct {
	Allowed bool

	// set only on rejection
	Message      string
	BlockedUntil time.Time
	Violations   int
	RetryAfter   time.Duration
}

// Status is a read-only diagnostic view of one client's ledger state.
type Status struct {
	Blocked           bool      `json:"blocked"`
	BlockedUntil      time.Time `json:"blocked_until,omitzero"`
	Violations        int       `json:"violations"`
	UploadsLastMinute int       `json:"uploads_last_minute"`
	UploadsLastHour   int       `json:"uploads_last_hour"`
	UploadsLastDay    int       `json:"uploads_last_day"`
	HourBytes         int64     `json:"hour_bytes"`
}

// violation messages, surfaced to clients on 429 responses. Checked in
// fixed priority order: the minute quota is the most common accidental
// trigger and the cheapest for a client to self-correct, so it wins when
// several quotas are exceeded at once.
const (
	ReasonBlocked    = "blocked"
	ReasonMinute     = "minute-quota"
	ReasonHour       = "hour-quota"
	ReasonDay        = "day-quota"
	ReasonHourBytes  = "hour-volume"
	msgBlocked       = "temporarily blocked due to repeated rate limit violations"
	msgMinuteQuota   = "too many uploads in the last minute"
	msgHourQuota     = "too many uploads in the last hour"
	msgDayQuota      = "too many uploads in the last 24 hours"
	msgHourByteQuota = "hourly upload volume exceeded"
)

// Limiter evaluates requests against a Ledger. Every path yields a
// Decision; there are no internal failure modes.
type Limiter struct {
	cfg    Config
	ledger *Ledger
	clock  Clock

	// OnDenied is called on every rejection with the short reason label,
	// used for incrementing prometheus counters.
	OnDenied func(key, reason string)

	// OnBlocked is called each time a new block is applied (not on
	// rejections inside an existing block), used for single-log-entry
	// visibility per escalation.
	OnBlocked func(key string, violations int, until time.Time)
}

type Option func(*Limiter)

// WithConfig overrides the default quotas and escalation schedule.
func WithConfig(cfg Config) Option {
	return func(l *Limiter) {
		cfg.fillDefaults()
		l.cfg = cfg
	}
}

// WithClock injects a time source, used by tests to simulate window
// boundaries and block expiry.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithOnDenied sets a callback for every rejected request.
func WithOnDenied(fn func(key, reason string)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

// WithOnBlocked sets a callback for each newly applied block.
func WithOnBlocked(fn func(key string, violations int, until time.Time)) Option {
	return func(l *Limiter) { l.OnBlocked = fn }
}

// New creates a Limiter over the given ledger.
func New(ledger *Ledger, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    DefaultConfig(),
		ledger: ledger,
		clock:  realClock{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Evaluate decides whether a request from key may proceed right now.
// Admission consumes no quota: the caller must call Record once the upload
// has fully completed, and not before.
func (l *Limiter) Evaluate(key string) Decision {
	now := l.clock.Now()

	l.ledger.mu.Lock()
	e := l.ledger.getOrCreate(key)

	// An active block short-circuits everything. No quota re-evaluation
	// and no further violation increments: the client was already
	// escalated when the block was applied.
	if e.blockedUntil.After(now) {
		d := Decision{
			Message:      msgBlocked,
			BlockedUntil: e.blockedUntil,
			Violations:   e.violations,
			RetryAfter:   e.blockedUntil.Sub(now),
		}
		l.ledger.mu.Unlock()
		if l.OnDenied != nil {
			l.OnDenied(key, ReasonBlocked)
		}
		return d
	}

	e.prune(now)

	reason, msg := l.violated(e, now)
	if reason == "" {
		l.ledger.mu.Unlock()
		return Decision{Allowed: true}
	}

	// Escalate: the block duration follows from the post-increment
	// violation count.
	e.violations++
	violations := e.violations
	e.blockedUntil = now.Add(l.cfg.blockFor(violations))
	until := e.blockedUntil

	d := Decision{
		Message:      msg,
		BlockedUntil: until,
		Violations:   violations,
		RetryAfter:   until.Sub(now),
	}

	// release before hooks, they may log or do other slow work
	l.ledger.mu.Unlock()
	if l.OnDenied != nil {
		l.OnDenied(key, reason)
	}
	if l.OnBlocked != nil {
		l.OnBlocked(key, violations, until)
	}
	return d
}

// violated returns the first exceeded quota in priority order
// (minute count, hour count, day count, hour bytes), or "" if none.
// Caller must hold the ledger lock and have pruned the entry.
func (l *Limiter) violated(e *entry, now time.Time) (reason, msg string) {
	if e.countSince(now.Add(-time.Minute)) >= l.cfg.MinuteMax {
		return ReasonMinute, msgMinuteQuota
	}
	hourCutoff := now.Add(-time.Hour)
	if e.countSince(hourCutoff) >= l.cfg.HourMax {
		return ReasonHour, msgHourQuota
	}
	if e.countSince(now.Add(-horizon)) >= l.cfg.DayMax {
		return ReasonDay, msgDayQuota
	}
	if e.bytesSince(hourCutoff) >= l.cfg.HourMaxBytes {
		return ReasonHourBytes, msgHourByteQuota
	}
	return "", ""
}

// Record registers one completed upload of size bytes for key. Resets the
// consecutive violation count and clears any block remnant. Call exactly
// once per successfully stored file.
func (l *Limiter) Record(key string, size int64) {
	now := l.clock.Now()

	l.ledger.mu.Lock()
	defer l.ledger.mu.Unlock()
	e := l.ledger.getOrCreate(key)
	e.events = append(e.events, Event{At: now, Size: size})
	e.violations = 0
	e.blockedUntil = time.Time{}
}

// Status reports the client's current window usage and penalty state
// without mutating violation state. Pruning is allowed, it is idempotent.
func (l *Limiter) Status(key string) Status {
	now := l.clock.Now()

	l.ledger.mu.Lock()
	defer l.ledger.mu.Unlock()
	e, ok := l.ledger.entries[key]
	if !ok {
		return Status{}
	}
	e.prune(now)

	s := Status{
		Violations:        e.violations,
		UploadsLastMinute: e.countSince(now.Add(-time.Minute)),
		UploadsLastHour:   e.countSince(now.Add(-time.Hour)),
		UploadsLastDay:    e.countSince(now.Add(-horizon)),
		HourBytes:         e.bytesSince(now.Add(-time.Hour)),
	}
	if e.blockedUntil.After(now) {
		s.Blocked = true
		s.BlockedUntil = e.blockedUntil
	}
	return s
}
