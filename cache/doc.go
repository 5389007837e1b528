// Package cache provides the tiered cache that sits in front of expensive
// aggregate queries.
//
// # Tiers
//
//   - [Local] — a fixed-capacity, recency-ordered in-process cache (L1)
//     built on golang-lru's simplelru. Entries never outlive the local
//     ceiling (60s by default) whatever TTL was requested, so L1 stays
//     fresher than the shared tier.
//
//   - [Remote] — the shared Redis tier (L2). Values are encoded with a
//     [Codec] (JSON by default) and written with native TTLs. Writes are
//     fire-and-forget; reads that fail or do not decode are misses. The
//     connection state is an atomic flag maintained by a PING health check
//     and a dial hook on the client.
//
//   - [Fallback] — a process-memory map (L2') with absolute expiry used by
//     [Remote] whenever the server is not connected or its circuit breaker
//     is open. It is cleared when the connection comes back.
//
//   - [Manager] — the façade. [Manager.Get] checks L1 and then L2/L2',
//     promoting remote hits into L1. [Manager.Set] writes L1 synchronously
//     and L2/L2' in the background. Deletes apply to every tier.
//
// # Typed access
//
// The tiers store [any]. [Get] converts a result to a concrete type:
//
//	report, ok := cache.Get[Report](ctx, m, key)
//
// Values set in this process come back by type assertion; values read from
// Redis are decoded from their [Encoded] bytes.
//
// # Keys and patterns
//
// [KeyBuilder] renders `<namespace>:<entity>:<name>:<value>|...` with
// parameters sorted by name. [Pattern] is the glob language used by
// [Manager.DeletePattern]: `*`, `?` and `\` escapes. It compiles to a Redis
// SCAN MATCH expression and a regular expression for the in-process tiers.
//
// # Errors
//
// Nothing in this package returns a remote failure to a caller. Failures
// are counted in [Snapshot.RemoteErrors] and passed to the [ErrorHandler]
// set with [WithErrorHandler], which logs them by default.
package cache
