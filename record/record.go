package record

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusGenerating Status = "GENERATING"
	StatusQueued     Status = "QUEUED"
	StatusPosting    Status = "POSTING"
	StatusPosted     Status = "POSTED"
	StatusFailed     Status = "FAILED"
)

// transitions lists the allowed next states for each state.
// Posting -> Posting is the stale-lock reclaim.
var transitions = map[Status][]Status{
	StatusReceived:   {StatusGenerating, StatusFailed},
	StatusGenerating: {StatusQueued, StatusFailed},
	StatusQueued:     {StatusPosting, StatusFailed},
	StatusPosting:    {StatusPosting, StatusPosted, StatusFailed},
	StatusPosted:     nil,
	StatusFailed:     nil,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusPosted || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourceRef identifies the artifact a record was created for.
type SourceRef struct {
	Container  string `json:"container"`
	Name       string `json:"name"`
	Generation string `json:"generation"`
	MIMEType   string `json:"mime_type,omitempty"`
}

// Record is the per-artifact document that carries all pipeline state.
type Record struct {
	ID     string    `json:"id"`
	Status Status    `json:"status"`
	Source SourceRef `json:"source"`

	Draft          string    `json:"draft,omitempty"`
	AssetURL       string    `json:"asset_url,omitempty"`
	AssetExpiresAt time.Time `json:"asset_expires_at,omitzero"`
	Rounds         int       `json:"rounds,omitempty"`

	LockToken string    `json:"lock_token,omitempty"`
	LockedAt  time.Time `json:"locked_at,omitzero"`

	PostName      string    `json:"post_name,omitempty"`
	PostedAt      time.Time `json:"posted_at,omitzero"`
	FailureReason string    `json:"failure_reason,omitempty"`

	// Metadata is informational and stays writable after the record is terminal.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Validate checks the invariants that hold in every state.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvariant)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, r.Status)
	}
	posting := r.Status == StatusPosting
	if posting != (r.LockToken != "") {
		return fmt.Errorf("%w: lock token must be set iff status is %s (status=%s)", ErrInvariant, StatusPosting, r.Status)
	}
	if posting != !r.LockedAt.IsZero() {
		return fmt.Errorf("%w: locked_at must be set iff status is %s (status=%s)", ErrInvariant, StatusPosting, r.Status)
	}
	failed := r.Status == StatusFailed
	if failed != (r.FailureReason != "") {
		return fmt.Errorf("%w: failure reason must be set iff status is %s (status=%s)", ErrInvariant, StatusFailed, r.Status)
	}
	return nil
}

// LockStale reports whether a Posting record's lock has been held for at
// least ttl.
func (r *Record) LockStale(now time.Time, ttl time.Duration) bool {
	return r.Status == StatusPosting && now.Sub(r.LockedAt) >= ttl
}

// sameExceptMetadata compares every field the terminal-immutability rule covers.
func sameExceptMetadata(a, b *Record) bool {
	return a.ID == b.ID &&
		a.Status == b.Status &&
		a.Source == b.Source &&
		a.Draft == b.Draft &&
		a.AssetURL == b.AssetURL &&
		a.AssetExpiresAt.Equal(b.AssetExpiresAt) &&
		a.Rounds == b.Rounds &&
		a.LockToken == b.LockToken &&
		a.LockedAt.Equal(b.LockedAt) &&
		a.PostName == b.PostName &&
		a.PostedAt.Equal(b.PostedAt) &&
		a.FailureReason == b.FailureReason &&
		a.CreatedAt.Equal(b.CreatedAt)
}

// checkMutation enforces the state machine between two versions of a record.
func checkMutation(before, after *Record) error {
	if after.ID != before.ID {
		return fmt.Errorf("%w: id %s cannot change", ErrImmutable, before.ID)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		return fmt.Errorf("%w: created_at of %s cannot change", ErrImmutable, before.ID)
	}
	if before.Status.IsTerminal() {
		if !sameExceptMetadata(before, after) {
			return fmt.Errorf("%w: %s is %s", ErrImmutable, before.ID, before.Status)
		}
		return nil
	}
	if after.Status != before.Status && !CanTransition(before.Status, after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, after.Status)
	}
	if after.Status == StatusPosting && before.Status == StatusPosting && after.LockToken != before.LockToken && after.LockedAt.Equal(before.LockedAt) {
		return fmt.Errorf("%w: reclaim of %s must refresh locked_at", ErrInvariant, before.ID)
	}
	return after.Validate()
}

// apply runs fn against a copy of current and returns the checked result.
// A nil result with a nil error means fn asked for no change.
func apply(current *Record, fn func(*Record) error, now time.Time) (*Record, error) {
	next := current.Clone()
	if err := fn(next); err != nil {
		if err == ErrNoChange {
			return nil, nil
		}
		return nil, err
	}
	if err := checkMutation(current, next); err != nil {
		return nil, err
	}
	if now.Before(current.UpdatedAt) {
		now = current.UpdatedAt
	}
	next.UpdatedAt = now
	return next, nil
}

// newClaimed prepares a record for first insertion.
func newClaimed(r *Record, now time.Time) (*Record, error) {
	c := r.Clone()
	c.Status = StatusReceived
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
