// Package ratelimit guards the correction intake endpoint against runaway
// importers. The default backend is an in-memory token bucket per client
// (MemoryLimiter); the Limiter interface is the contract for substituting a
// shared backend when the panel runs with more than one replica.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque —
	// callers construct it (e.g. "ip:10.0.0.1"). An error signals a limiter
	// malfunction; callers should fail open rather than block traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
