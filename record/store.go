package record

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Common errors.
var (
	ErrNotFound          = errors.New("record not found")
	ErrClosed            = errors.New("store closed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrImmutable         = errors.New("record is immutable")
	ErrInvariant         = errors.New("record invariant violated")

	// ErrNoChange is returned by a Mutate callback to end the transaction
	// without writing.
	ErrNoChange = errors.New("no change")
)

// Filter selects records for List.
type Filter struct {
	// Statuses to include. Empty matches every status.
	Statuses []Status

	// UpdatedBefore, when set, keeps only records last updated before it.
	UpdatedBefore time.Time

	// Limit caps the result size. Zero means no limit.
	Limit int
}

func (f Filter) match(r *Record) bool {
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Store is the transactional document store that holds pipeline records.
// Every method that decides something runs as a single-document transaction.
type Store interface {
	// Claim creates r with status Received if no record with r.ID exists.
	// It returns true only for the caller that created the record.
	Claim(ctx context.Context, r *Record) (bool, error)

	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Mutate reads the record, lets fn modify a copy and writes it back in
	// one transaction. The state machine is checked before the write.
	// If fn returns ErrNoChange nothing is written and the current record
	// is returned.
	Mutate(ctx context.Context, id string, fn func(*Record) error) (*Record, error)

	// List returns records matching f, most recently updated first.
	List(ctx context.Context, f Filter) ([]*Record, error)

	// Close releases resources.
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the store clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sortNewest(records []*Record, limit int) []*Record {
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
