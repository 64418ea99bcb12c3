package record

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryStore implements Store in process memory.
// Useful for testing and single-process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]*Record
	opts   options
	closed atomic.Bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*Record),
		opts: buildOptions(opts),
	}
}

// Claim creates the record if it does not exist.
func (s *MemoryStore) Claim(ctx context.Context, r *Record) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[r.ID]; ok {
		return false, nil
	}
	c, err := newClaimed(r, s.opts.now())
	if err != nil {
		return false, err
	}
	s.data[r.ID] = c
	return true, nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// Mutate applies fn under the store mutex.
func (s *MemoryStore) Mutate(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := apply(current, fn, s.opts.now())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current.Clone(), nil
	}
	s.data[id] = next
	return next.Clone(), nil
}

// List returns matching records, newest first.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []*Record
	for _, r := range s.data {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.Unlock()

	return sortNewest(out, f.Limit), nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}
