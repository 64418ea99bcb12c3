package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCooldown is how long a reduction lasts.
const DefaultCooldown = time.Minute

type bucket struct {
	limiter      *rate.Limiter
	capacity     int
	window       time.Duration
	base         rate.Limit
	reducedUntil time.Time
	reason       string
}

// restore returns the bucket to its configured rate once the cooldown ends.
func (b *bucket) restore(now time.Time) {
	if !b.reducedUntil.IsZero() && !now.Before(b.reducedUntil) {
		b.limiter.SetLimitAt(now, b.base)
		b.reducedUntil = time.Time{}
		b.reason = ""
	}
}

// MemoryLimiter is a per-process limiter. It is safe for concurrent use.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	closed   bool
	cooldown time.Duration
	nowFunc  func() time.Time
}

// Option configures a MemoryLimiter.
type Option func(*MemoryLimiter)

// WithCooldown sets how long AnnounceReduced stays in effect.
func WithCooldown(d time.Duration) Option {
	return func(m *MemoryLimiter) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryLimiter) {
		m.nowFunc = now
	}
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter(opts ...Option) *MemoryLimiter {
	m := &MemoryLimiter{
		buckets:  make(map[string]*bucket),
		cooldown: DefaultCooldown,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetCapacity configures the rate limit for a resource. Buckets start full.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	limit := rate.Limit(float64(capacity) / window.Seconds())
	now := m.nowFunc()
	if b, ok := m.buckets[resource]; ok {
		b.capacity = capacity
		b.window = window
		b.base = limit
		b.limiter.SetBurstAt(now, capacity)
		if b.reducedUntil.IsZero() {
			b.limiter.SetLimitAt(now, limit)
		} else {
			b.limiter.SetLimitAt(now, limit/2)
		}
		return
	}
	m.buckets[resource] = &bucket{
		limiter:  rate.NewLimiter(limit, capacity),
		capacity: capacity,
		window:   window,
		base:     limit,
	}
}

// GetCapacity returns the current capacity info for a resource.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	now := m.nowFunc()
	b.restore(now)

	available := int(b.limiter.TokensAt(now))
	if available < 0 {
		available = 0
	}
	return &Capacity{
		Resource:  resource,
		Available: available,
		Total:     b.capacity,
		Window:    b.window,
		Reduced:   !b.reducedUntil.IsZero(),
		Reason:    b.reason,
	}
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	b, ok := m.buckets[resource]
	if !ok {
		m.mu.Unlock()
		return ErrResourceUnknown
	}
	b.restore(m.nowFunc())
	lim := b.limiter
	m.mu.Unlock()

	return lim.Wait(ctx)
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	b, ok := m.buckets[resource]
	if !ok {
		return false
	}
	now := m.nowFunc()
	b.restore(now)
	return b.limiter.AllowN(now, 1)
}

// AnnounceReduced halves the resource's rate until the cooldown elapses.
// Repeated announcements extend the cooldown without compounding.
func (m *MemoryLimiter) AnnounceReduced(resource string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[resource]
	if !ok {
		return
	}
	now := m.nowFunc()
	b.limiter.SetLimitAt(now, b.base/2)
	b.reducedUntil = now.Add(m.cooldown)
	b.reason = reason
}

// Close shuts down the limiter. Calls after Close fail with ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return nil
}

var _ RateLimiter = (*MemoryLimiter)(nil)
