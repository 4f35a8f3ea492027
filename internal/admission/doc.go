// Package admission decides whether an upload request from a client may
// proceed, tracking upload frequency and volume across overlapping sliding
// windows and applying escalating blocks to repeat offenders.
//
// This is a single-instance, in-memory admission ledger. It is not shared
// between instances or distributed. What it protects against:
//   - a single client flooding the service with uploads (count quotas over
//     1 minute / 1 hour / 24 hours)
//   - a single client consuming disproportionate storage bandwidth
//     (cumulative byte quota over 1 hour)
//   - repeat offenders, via escalating block durations up to 24 hours
//
// What it does NOT protect against: distributed abuse across many clients,
// or bandwidth-bill attacks (inbound data is already accepted by the time
// this runs). Pair with internal/ratelimit for raw request flooding and
// upstream filtering for everything else.
//
// Quota is consumed only by uploads that fully complete: callers Evaluate
// before doing any work and Record strictly after the file is stored. An
// admitted request that later fails consumes nothing.
package admission
