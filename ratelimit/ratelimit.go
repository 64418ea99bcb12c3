package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
)

// RateLimiter throttles access to named resources.
type RateLimiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns the context error if ctx ends first, ErrResourceUnknown if the
	// resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity allows capacity requests per window, with bursts of up to
	// capacity. A non-positive capacity or window removes the resource.
	SetCapacity(resource string, capacity int, window time.Duration)

	// AnnounceReduced lowers the resource's rate for a cooldown period.
	AnnounceReduced(resource string, reason string)

	// GetCapacity returns the current state of a resource, or nil.
	GetCapacity(resource string) *Capacity

	Close() error
}

// Capacity describes the rate limit state of a resource.
type Capacity struct {
	Resource string

	// Available is the number of whole tokens in the bucket.
	Available int

	// Total is the configured capacity per window.
	Total int

	Window time.Duration

	// Reduced is true while a reduction from AnnounceReduced is in effect.
	Reduced bool
	Reason  string
}
