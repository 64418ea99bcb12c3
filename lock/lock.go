// Package lock implements the TTL-bounded publish lock that lives inside a
// record. A lock is the pair (token, lockedAt) on a record in POSTING; it is
// taken and released through single-document store transactions, so
// contention resolves to a skip and never to a wait.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/record"
)

// DefaultTTL is how long a lock is honoured before another worker may reclaim it.
const DefaultTTL = 120 * time.Second

// Lease is a held lock.
type Lease struct {
	ID         string
	Token      string
	AcquiredAt time.Time

	// Reclaimed is true when the lock was taken over from a stale holder.
	Reclaimed bool
}

// Outcome is the terminal result recorded on release.
type Outcome struct {
	Posted   bool
	PostName string
	Reason   string
}

// Success records a published post.
func Success(postName string) Outcome {
	return Outcome{Posted: true, PostName: postName}
}

// Failure records a permanent failure with its reason.
func Failure(reason string) Outcome {
	return Outcome{Reason: reason}
}

// Manager acquires and releases publish locks on records.
type Manager struct {
	store    record.Store
	ttl      time.Duration
	now      func() time.Time
	newToken func() string
	logger   *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the clock used for lock age.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a lock manager over store.
func NewManager(store record.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		ttl:      DefaultTTL,
		now:      time.Now,
		newToken: func() string { return uuid.NewString() },
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("lock")
	return m
}

// TTL returns the configured lock TTL.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire takes the lock on id in one transaction.
//
// It returns nil without error when the record is absent, terminal, held by
// a fresh lock, or in any status other than QUEUED. A POSTING record whose
// lock is older than the TTL is reclaimed with a new token. Store failures
// are returned so the caller can ask for redelivery.
func (m *Manager) Acquire(ctx context.Context, id string) (*Lease, error) {
	var lease *Lease
	var skip string

	_, err := m.store.Mutate(ctx, id, func(r *record.Record) error {
		// Optimistic stores may run this more than once.
		lease, skip = nil, ""
		now := m.now()
		switch {
		case r.Status.IsTerminal():
			skip = "terminal"
			return record.ErrNoChange
		case r.Status == record.StatusPosting && !r.LockStale(now, m.ttl):
			skip = "held"
			return record.ErrNoChange
		case r.Status != record.StatusQueued && r.Status != record.StatusPosting:
			skip = "not queued"
			return record.ErrNoChange
		}

		lease = &Lease{
			ID:         id,
			Token:      m.newToken(),
			AcquiredAt: now,
			Reclaimed:  r.Status == record.StatusPosting,
		}
		r.Status = record.StatusPosting
		r.LockToken = lease.Token
		r.LockedAt = now
		return nil
	})
	if errors.Is(err, record.ErrNotFound) {
		m.logger.Info("lock skipped", map[string]interface{}{"id": id, "reason": "absent"})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", id, err)
	}
	if lease == nil {
		m.logger.Info("lock skipped", map[string]interface{}{"id": id, "reason": skip})
		return nil, nil
	}
	if lease.Reclaimed {
		m.logger.Warn("reclaimed stale lock", map[string]interface{}{"id": id})
	}
	return lease, nil
}

// Release resolves the record to POSTED or FAILED if token still holds the
// lock. It returns false without modifying anything when the token does not
// match, including a second release with the same token.
func (m *Manager) Release(ctx context.Context, id, token string, out Outcome) (bool, error) {
	released := false

	_, err := m.store.Mutate(ctx, id, func(r *record.Record) error {
		released = false
		if r.Status != record.StatusPosting || r.LockToken == "" || r.LockToken != token {
			return record.ErrNoChange
		}
		if out.Posted {
			r.Status = record.StatusPosted
			r.PostName = out.PostName
			r.PostedAt = m.now()
		} else {
			r.Status = record.StatusFailed
			r.FailureReason = out.Reason
			if r.FailureReason == "" {
				r.FailureReason = "unspecified failure"
			}
		}
		r.LockToken = ""
		r.LockedAt = time.Time{}
		released = true
		return nil
	})
	if errors.Is(err, record.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", id, err)
	}
	if !released {
		m.logger.Warn("release ignored, token mismatch", map[string]interface{}{"id": id})
	}
	return released, nil
}
