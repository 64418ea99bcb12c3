// Package ratelimit throttles calls to external services that enforce
// quotas.
//
// The MemoryLimiter keeps one token bucket per resource:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("platform.create_post", 60, time.Minute)
//
//	if err := limiter.Acquire(ctx, "platform.create_post"); err != nil {
//	    return err // context cancelled or limiter closed
//	}
//
// When a service answers 429, AnnounceReduced halves the resource's rate
// for a cooldown period; the configured rate returns once the cooldown
// elapses.
package ratelimit
