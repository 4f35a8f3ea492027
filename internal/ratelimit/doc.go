// Package ratelimit provides per-IP request rate limiting with background
// eviction of stale entries.
//
// This is the flood guard in front of every route: a token bucket per
// client IP that bounds raw request rate (connection/goroutine exhaustion).
// It is deliberately separate from internal/admission, which enforces the
// upload quotas - this package answers "is this IP hammering the server",
// admission answers "has this client used up its upload budget".
//
// Single-instance and in-memory; it does not protect against distributed
// attacks or bandwidth-bill attacks. For those, use an upstream WAF or
// CDN-level rate limiting.
package ratelimit
