// Package sweeper republishes pointers for records the publisher should
// have picked up but has not: QUEUED records whose pointer was lost and
// POSTING records whose lock has gone stale.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/postflow/bus"
	"github.com/vinayprograms/postflow/lock"
	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/record"
	"github.com/vinayprograms/postflow/telemetry"
)

var (
	ErrAlreadyStarted = errors.New("sweeper already started")
	ErrNotStarted     = errors.New("sweeper not started")
)

// Config controls the sweep cadence.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// MinAge is how long a record must sit in QUEUED before its pointer is
	// republished.
	MinAge time.Duration

	// LockTTL marks a POSTING record stale. Defaults to lock.DefaultTTL.
	LockTTL time.Duration

	// Batch caps the records requeued per status per sweep.
	Batch int
}

// DefaultConfig returns the defaults used when fields are zero.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		MinAge:   5 * time.Minute,
		LockTTL:  lock.DefaultTTL,
		Batch:    100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinAge <= 0 {
		c.MinAge = d.MinAge
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.Batch <= 0 {
		c.Batch = d.Batch
	}
	return c
}

// Requeuer periodically sweeps the store for stranded records.
type Requeuer struct {
	store   record.Store
	pub     bus.Publisher
	subject string
	config  Config
	now     func() time.Time
	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Requeuer.
type Option func(*Requeuer)

// WithSubject overrides the pointer subject.
func WithSubject(s string) Option {
	return func(r *Requeuer) { r.subject = s }
}

// WithClock overrides the clock used for age cutoffs.
func WithClock(now func() time.Time) Option {
	return func(r *Requeuer) { r.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Requeuer) { r.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Requeuer) { r.metrics = m }
}

// New creates a Requeuer publishing to pub.
func New(store record.Store, pub bus.Publisher, cfg Config, opts ...Option) *Requeuer {
	r := &Requeuer{
		store:   store,
		pub:     pub,
		subject: bus.SubjectPointers,
		config:  cfg.withDefaults(),
		now:     time.Now,
		logger:  logging.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.WithComponent("sweeper")
	return r
}

// Start runs Sweep every Interval until Stop or ctx is done.
func (r *Requeuer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyStarted
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.run(ctx, r.stopCh, r.doneCh)
	return nil
}

func (r *Requeuer) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	r.logger.Info("sweeper started", map[string]interface{}{
		"interval": r.config.Interval.String(),
		"min_age":  r.config.MinAge.String(),
	})

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Requeuer) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotStarted
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()

	<-done
	return nil
}

// Sweep republishes pointers once and returns how many were sent.
// A failed publish is logged and the remaining records are still tried.
func (r *Requeuer) Sweep(ctx context.Context) (int, error) {
	now := r.now()

	queued, err := r.store.List(ctx, record.Filter{
		Statuses:      []record.Status{record.StatusQueued},
		UpdatedBefore: now.Add(-r.config.MinAge),
		Limit:         r.config.Batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list queued: %w", err)
	}

	// UpdatedBefore is exclusive; a lock exactly LockTTL old is stale.
	posting, err := r.store.List(ctx, record.Filter{
		Statuses:      []record.Status{record.StatusPosting},
		UpdatedBefore: now.Add(-r.config.LockTTL).Add(time.Microsecond),
		Limit:         r.config.Batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list posting: %w", err)
	}

	sent := 0
	for _, rec := range append(queued, posting...) {
		if rec.Status == record.StatusPosting && !rec.LockStale(now, r.config.LockTTL) {
			continue
		}
		if err := bus.PublishTraced(ctx, r.pub, r.subject, []byte(rec.ID)); err != nil {
			r.logger.Warn("requeue publish failed", map[string]interface{}{
				"id":    rec.ID,
				"error": err.Error(),
			})
			continue
		}
		r.logger.Debug("requeued", map[string]interface{}{"id": rec.ID, "status": rec.Status.String()})
		sent++
	}

	if sent > 0 {
		r.logger.Info("requeued stranded records", map[string]interface{}{"count": sent})
	}
	r.metrics.Requeued(sent)
	return sent, nil
}
