package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Eviction cadence for idle clients. Importers push in bursts and go quiet,
// so a bucket untouched for idleTTL is dead weight.
const (
	evictEvery = time.Minute
	idleTTL    = 10 * time.Minute
)

// clientBucket tracks the remaining tokens for one client key.
type clientBucket struct {
	tokens float64
	last   time.Time
}

// take refills the bucket for the time elapsed since the last request and
// consumes one token if available.
func (b *clientBucket) take(now time.Time, rate, burst float64) bool {
	b.tokens += now.Sub(b.last).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter implements Limiter with one in-memory token bucket per
// client key. It is the single-replica backend; see the Limiter doc for
// when a shared backend is needed instead.
type MemoryLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*clientBucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing a sustained rate of requests
// per second per key, with bursts up to burst. A background goroutine evicts
// idle keys; call Close to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*clientBucket),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow consumes one token for key. A first-seen key starts with a full
// bucket, so a new importer gets its burst allowance immediately.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &clientBucket{tokens: m.burst - 1, last: now}
		return true, nil
	}
	return b.take(now, m.rate, m.burst), nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTTL)
	for key, b := range m.buckets {
		if b.last.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
