package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store on a NATS JetStream KV bucket. Claim uses
// Create, Mutate uses revision-checked Update and retries on conflict.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	opts   options
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 5
	History int

	// MaxValueSize is the maximum record size in bytes.
	// Default: 256KB
	MaxValueSize int32

	// OpTimeout bounds each KV call. Default: 5s.
	OpTimeout time.Duration

	// MaxConflictRetries bounds Mutate retries on revision conflicts.
	// Default: 8
	MaxConflictRetries int
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:             "postflow-records",
		History:            5,
		MaxValueSize:       256 * 1024,
		OpTimeout:          5 * time.Second,
		MaxConflictRetries: 8,
	}
}

// NewNATSStore creates the bucket if needed and returns a store bound to it.
func NewNATSStore(cfg NATSStoreConfig, opts ...Option) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = def.MaxConflictRetries
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{
		kv:     kv,
		config: cfg,
		opts:   buildOptions(opts),
	}, nil
}

// Claim creates the key only if it does not exist.
func (s *NATSStore) Claim(ctx context.Context, r *Record) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	c, err := newClaimed(r, s.opts.now())
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}

	if _, err := s.kv.Create(ctx, c.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("kv create %s: %w", c.ID, err)
	}
	return true, nil
}

// Get returns the record.
func (s *NATSStore) Get(ctx context.Context, id string) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	r, _, err := s.load(ctx, id)
	return r, err
}

// Mutate applies fn and writes with a revision check, retrying on conflict.
func (s *NATSStore) Mutate(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	for attempt := 0; attempt < s.config.MaxConflictRetries; attempt++ {
		current, rev, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := apply(current, fn, s.opts.now())
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		if _, err := s.kv.Update(ctx, id, data, rev); err != nil {
			if isRevisionConflict(err) {
				continue
			}
			return nil, fmt.Errorf("kv update %s: %w", id, err)
		}
		return next, nil
	}
	return nil, fmt.Errorf("kv update %s: too many revision conflicts", id)
}

// List scans the bucket. Suitable for the sweeper and history sizes this
// bucket holds, not for large archives.
func (s *NATSStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 2*s.config.OpTimeout)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var out []*Record
	for key := range lister.Keys() {
		r, _, err := s.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.match(r) {
			out = append(out, r)
		}
	}
	return sortNewest(out, f.Limit), nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *NATSStore) load(ctx context.Context, id string) (*Record, uint64, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("kv get %s: %w", id, err)
	}
	r, err := decode(entry.Value())
	if err != nil {
		return nil, 0, err
	}
	return r, entry.Revision(), nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
