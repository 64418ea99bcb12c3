package sweeper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/postflow/bus"
	"github.com/vinayprograms/postflow/identity"
	"github.com/vinayprograms/postflow/lock"
	"github.com/vinayprograms/postflow/record"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func advance(store record.Store, id string, steps ...record.Status) error {
	ctx := context.Background()
	if _, err := store.Claim(ctx, &record.Record{ID: id}); err != nil {
		return err
	}
	for _, s := range steps {
		_, err := store.Mutate(ctx, id, func(r *record.Record) error {
			r.Status = s
			switch s {
			case record.StatusQueued:
				r.Draft, r.AssetURL = "d", "u"
			case record.StatusFailed:
				r.FailureReason = "x"
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func TestSweep(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := record.NewMemoryStore(record.WithClock(clk.Now))
	q := bus.NewMemoryQueue(bus.DefaultConfig())
	defer q.Close()
	locks := lock.NewManager(store, lock.WithClock(clk.Now), lock.WithTTL(2*time.Minute))
	ctx := context.Background()

	oldQueued := identity.Compose("b", "old-queued.jpg", "1")
	stalePosting := identity.Compose("b", "stale-posting.jpg", "1")
	require.NoError(t, advance(store, oldQueued, record.StatusGenerating, record.StatusQueued))
	require.NoError(t, advance(store, stalePosting, record.StatusGenerating, record.StatusQueued))
	lease, err := locks.Acquire(ctx, stalePosting)
	require.NoError(t, err)
	require.NotNil(t, lease)

	clk.Advance(10 * time.Minute)

	freshQueued := identity.Compose("b", "fresh-queued.jpg", "1")
	freshPosting := identity.Compose("b", "fresh-posting.jpg", "1")
	generating := identity.Compose("b", "generating.jpg", "1")
	failed := identity.Compose("b", "failed.jpg", "1")
	require.NoError(t, advance(store, freshQueued, record.StatusGenerating, record.StatusQueued))
	require.NoError(t, advance(store, freshPosting, record.StatusGenerating, record.StatusQueued))
	_, err = locks.Acquire(ctx, freshPosting)
	require.NoError(t, err)
	require.NoError(t, advance(store, generating, record.StatusGenerating))
	require.NoError(t, advance(store, failed, record.StatusFailed))

	s := New(store, q, Config{MinAge: 5 * time.Minute, LockTTL: 2 * time.Minute}, WithClock(clk.Now))
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got []string
	for _, b := range q.Peek(bus.SubjectPointers) {
		got = append(got, string(b))
	}
	want := []string{oldQueued, stalePosting}
	sort.Strings(got)
	sort.Strings(want)
	assert.Equal(t, want, got)
}

func TestSweep_PostingAtExactlyTTL(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := record.NewMemoryStore(record.WithClock(clk.Now))
	q := bus.NewMemoryQueue(bus.DefaultConfig())
	defer q.Close()
	locks := lock.NewManager(store, lock.WithClock(clk.Now), lock.WithTTL(2*time.Minute))
	ctx := context.Background()

	id := identity.Compose("b", "boundary.jpg", "1")
	require.NoError(t, advance(store, id, record.StatusGenerating, record.StatusQueued))
	lease, err := locks.Acquire(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, lease)

	s := New(store, q, Config{MinAge: 5 * time.Minute, LockTTL: 2 * time.Minute}, WithClock(clk.Now))

	clk.Advance(2*time.Minute - time.Second)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lock still fresh")

	clk.Advance(time.Second)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, [][]byte{[]byte(id)}, q.Peek(bus.SubjectPointers))
}

func TestSweep_Batch(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := record.NewMemoryStore(record.WithClock(clk.Now))
	q := bus.NewMemoryQueue(bus.DefaultConfig())
	defer q.Close()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, advance(store, identity.Compose("b", name, "1"), record.StatusGenerating, record.StatusQueued))
	}
	clk.Advance(time.Hour)

	n, err := New(store, q, Config{Batch: 2}, WithClock(clk.Now)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("bus down")
}

func TestSweep_PublishFailureContinues(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := record.NewMemoryStore(record.WithClock(clk.Now))
	require.NoError(t, advance(store, identity.Compose("b", "a", "1"), record.StatusGenerating, record.StatusQueued))
	clk.Advance(time.Hour)

	n, err := New(store, failingPublisher{}, Config{}, WithClock(clk.Now)).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_StoreClosed(t *testing.T) {
	store := record.NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := New(store, failingPublisher{}, Config{}).Sweep(context.Background())
	assert.ErrorIs(t, err, record.ErrClosed)
}

func TestStartStop(t *testing.T) {
	store := record.NewMemoryStore(record.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }))
	q := bus.NewMemoryQueue(bus.DefaultConfig())
	defer q.Close()
	require.NoError(t, advance(store, identity.Compose("b", "a", "1"), record.StatusGenerating, record.StatusQueued))

	s := New(store, q, Config{Interval: 10 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return q.Pending(bus.SubjectPointers) > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrNotStarted)
}
