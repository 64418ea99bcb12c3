package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/vinayprograms/postflow/bus"
	"github.com/vinayprograms/postflow/deadletter"
	"github.com/vinayprograms/postflow/identity"
	"github.com/vinayprograms/postflow/lock"
	"github.com/vinayprograms/postflow/platform"
	"github.com/vinayprograms/postflow/record"
)

const location = "accounts/1/locations/2"

var recordID = identity.Compose("uploads", "croissant.jpg", "7")

type fixture struct {
	store  *record.MemoryStore
	queue  *bus.MemoryQueue
	locks  *lock.Manager
	client *platform.Client
	worker *Worker
	posts  atomic.Int32
	gets   atomic.Int32
	status func(n int32) int
}

type fixtureOpts struct {
	tokens  oauth2.TokenSource
	lockTTL time.Duration
	dryRun  bool
	queue   bus.Config
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	f := &fixture{store: record.NewMemoryStore(), status: func(int32) int { return http.StatusOK }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			f.gets.Add(1)
			w.Write([]byte(`{"locationName":"Corner Bakery"}`))
			return
		}
		n := f.posts.Add(1)
		code := f.status(n)
		w.WriteHeader(code)
		if code == http.StatusOK {
			w.Write([]byte(`{"name":"` + location + `/localPosts/1"}`))
			return
		}
		w.Write([]byte(http.StatusText(code)))
	}))
	t.Cleanup(srv.Close)

	if o.tokens == nil {
		o.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})
	}
	if o.lockTTL == 0 {
		o.lockTTL = lock.DefaultTTL
	}
	if o.queue.VisibilityTimeout == 0 {
		o.queue = bus.DefaultConfig()
	}

	f.queue = bus.NewMemoryQueue(o.queue)
	f.locks = lock.NewManager(f.store, lock.WithTTL(o.lockTTL))
	f.client = platform.NewClient(o.tokens, platform.Config{
		BaseURL:    srv.URL,
		LocationID: location,
		CTAURL:     "https://bakery.example/order",
		Timeout:    time.Second,
	}, platform.WithHTTPClient(srv.Client()))
	f.worker = New(f.store, f.locks, f.client, deadletter.New(f.queue, Stage), WithDryRun(o.dryRun))

	t.Cleanup(func() {
		f.queue.Close()
		f.store.Close()
	})
	return f
}

func (f *fixture) seed(t *testing.T, draft, assetURL string) {
	t.Helper()
	ctx := context.Background()
	ok, err := f.store.Claim(ctx, &record.Record{ID: recordID, Source: record.SourceRef{Container: "uploads", Name: "croissant.jpg", Generation: "7"}})
	require.NoError(t, err)
	require.True(t, ok)
	for _, step := range []func(r *record.Record){
		func(r *record.Record) { r.Status = record.StatusGenerating },
		func(r *record.Record) {
			r.Status = record.StatusQueued
			r.Draft = draft
			r.AssetURL = assetURL
		},
	} {
		_, err := f.store.Mutate(ctx, recordID, func(r *record.Record) error {
			step(r)
			return nil
		})
		require.NoError(t, err)
	}
}

func (f *fixture) get(t *testing.T) *record.Record {
	t.Helper()
	r, err := f.store.Get(context.Background(), recordID)
	require.NoError(t, err)
	return r
}

func (f *fixture) letters(t *testing.T) []deadletter.Letter {
	t.Helper()
	var out []deadletter.Letter
	for _, raw := range f.queue.Peek(bus.SubjectDeadLetter) {
		var l deadletter.Letter
		require.NoError(t, json.Unmarshal(raw, &l))
		out = append(out, l)
	}
	return out
}

func pointer(id string) *bus.Message {
	return &bus.Message{Subject: bus.SubjectPointers, Data: []byte(id), Attempt: 1}
}

func TestHandle_PostsAndReleases(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.seed(t, "Warm crust.", "https://img/x.jpg")

	require.NoError(t, f.worker.Handle(context.Background(), pointer(recordID)))

	r := f.get(t)
	assert.Equal(t, record.StatusPosted, r.Status)
	assert.Equal(t, location+"/localPosts/1", r.PostName)
	assert.Empty(t, r.LockToken)
	assert.Equal(t, int32(1), f.posts.Load())

	// Redelivery of the same pointer is a silent ack.
	require.NoError(t, f.worker.Handle(context.Background(), pointer(recordID)))
	assert.Equal(t, int32(1), f.posts.Load())
}

func TestLockReleaseTwiceFails(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.seed(t, "Warm crust.", "https://img/x.jpg")
	ctx := context.Background()

	lease, err := f.locks.Acquire(ctx, recordID)
	require.NoError(t, err)
	require.NotNil(t, lease)

	ok, err := f.locks.Release(ctx, recordID, lease.Token, lock.Success("p/1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, record.StatusPosted, f.get(t).Status)

	ok, err = f.locks.Release(ctx, recordID, lease.Token, lock.Failure("late"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, record.StatusPosted, f.get(t).Status)
}

func TestHandle_RetryableKeepsLockThenReclaims(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		lockTTL: 30 * time.Millisecond,
		queue:   bus.Config{VisibilityTimeout: time.Second, RetryDelay: 100 * time.Millisecond, MaxDeliveries: 5, Concurrency: 1},
	})
	f.status = func(n int32) int {
		if n == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}
	f.seed(t, "Warm crust.", "https://img/x.jpg")

	var mu sync.Mutex
	var attempts []int
	var firstErr error
	var afterFirst *record.Record
	handler := func(ctx context.Context, m *bus.Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, m.Attempt)
		err := f.worker.Handle(ctx, m)
		if m.Attempt == 1 {
			firstErr = err
			afterFirst = f.get(t)
		}
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.queue.Consume(ctx, bus.SubjectPointers, handler)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, f.queue.Publish(ctx, bus.SubjectPointers, []byte(recordID)))
	require.Eventually(t, func() bool {
		return f.get(t).Status == record.StatusPosted
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.queue.Pending(bus.SubjectPointers) == 0 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, firstErr)
	assert.Contains(t, firstErr.Error(), "503")
	assert.Equal(t, record.StatusPosting, afterFirst.Status, "lock stays held after a retryable error")
	assert.NotEmpty(t, afterFirst.LockToken)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, int32(2), f.posts.Load())
	assert.Empty(t, f.letters(t))
}

func TestHandle_PermanentPlatformError(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.status = func(int32) int { return http.StatusForbidden }
	f.seed(t, "Warm crust.", "https://img/x.jpg")

	require.NoError(t, f.worker.Handle(context.Background(), pointer(recordID)))

	r := f.get(t)
	assert.Equal(t, record.StatusFailed, r.Status)
	assert.Equal(t, "PLATFORM_PERMANENT: Forbidden", r.FailureReason)
	assert.Empty(t, r.LockToken)

	letters := f.letters(t)
	require.Len(t, letters, 1)
	assert.Equal(t, recordID, letters[0].DocID)
	assert.Equal(t, "croissant.jpg", letters[0].Filename)
	assert.Equal(t, "PLATFORM_PERMANENT: Forbidden", letters[0].Reason)
	assert.Equal(t, Stage, letters[0].Source)
}

type tokenErr struct{ err error }

func (t tokenErr) Token() (*oauth2.Token, error) { return nil, t.err }

func TestHandle_PermanentException(t *testing.T) {
	f := newFixture(t, fixtureOpts{tokens: tokenErr{errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`)}})
	f.seed(t, "Warm crust.", "https://img/x.jpg")

	require.NoError(t, f.worker.Handle(context.Background(), pointer(recordID)))

	r := f.get(t)
	assert.Equal(t, record.StatusFailed, r.Status)
	assert.True(t, strings.HasPrefix(r.FailureReason, "EXCEPTION: "))
	assert.Contains(t, r.FailureReason, "invalid_grant")
	require.Len(t, f.letters(t), 1)
	assert.Zero(t, f.posts.Load())
}

func TestHandle_TransientExceptionKeepsLock(t *testing.T) {
	f := newFixture(t, fixtureOpts{tokens: tokenErr{errors.New("dial tcp: connection refused")}})
	f.seed(t, "Warm crust.", "https://img/x.jpg")

	err := f.worker.Handle(context.Background(), pointer(recordID))
	require.Error(t, err)

	r := f.get(t)
	assert.Equal(t, record.StatusPosting, r.Status)
	assert.NotEmpty(t, r.LockToken)
	assert.Empty(t, f.letters(t))
}

func TestHandle_Acknowledged(t *testing.T) {
	t.Run("malformed pointer", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		assert.NoError(t, f.worker.Handle(context.Background(), pointer("")))
		assert.NoError(t, f.worker.Handle(context.Background(), pointer("not-an-id")))
	})

	t.Run("record not found", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		assert.NoError(t, f.worker.Handle(context.Background(), pointer(recordID)))
		assert.Zero(t, f.posts.Load())
	})

	t.Run("terminal record", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.seed(t, "Warm crust.", "https://img/x.jpg")
		_, err := f.store.Mutate(context.Background(), recordID, func(r *record.Record) error {
			r.Status = record.StatusFailed
			r.FailureReason = "earlier"
			return nil
		})
		require.NoError(t, err)

		assert.NoError(t, f.worker.Handle(context.Background(), pointer(recordID)))
		assert.Zero(t, f.posts.Load())
		assert.Empty(t, f.letters(t))
	})

	t.Run("lock held", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.seed(t, "Warm crust.", "https://img/x.jpg")
		lease, err := f.locks.Acquire(context.Background(), recordID)
		require.NoError(t, err)
		require.NotNil(t, lease)

		assert.NoError(t, f.worker.Handle(context.Background(), pointer(recordID)))
		assert.Zero(t, f.posts.Load())
		assert.Equal(t, lease.Token, f.get(t).LockToken)
	})
}

func TestHandle_IncompleteRecordDeadLettered(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.seed(t, "Warm crust.", "")

	require.NoError(t, f.worker.Handle(context.Background(), pointer(recordID)))

	assert.Equal(t, record.StatusQueued, f.get(t).Status)
	letters := f.letters(t)
	require.Len(t, letters, 1)
	assert.Equal(t, deadletter.ReasonIncomplete, letters[0].Reason)
	assert.Zero(t, f.posts.Load())
}

func TestHandle_DryRun(t *testing.T) {
	f := newFixture(t, fixtureOpts{dryRun: true})
	f.seed(t, "Warm crust.", "https://img/x.jpg")

	require.NoError(t, f.worker.Handle(context.Background(), pointer(recordID)))

	r := f.get(t)
	assert.Equal(t, record.StatusPosted, r.Status)
	assert.Equal(t, DryRunPostName, r.PostName)
	assert.Zero(t, f.posts.Load())
	assert.Equal(t, int32(1), f.gets.Load())
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	report := Preflight(context.Background(), f.client, "https://img/x.jpg")
	assert.True(t, report.WouldPost)
	assert.Equal(t, Pass, report.Result("config"))
	assert.Equal(t, Pass, report.Result("oauth"))
	assert.Equal(t, Pass, report.Result("location_access"))
	assert.Equal(t, Present, report.Result("image_url"))

	report = Preflight(context.Background(), f.client, "")
	assert.False(t, report.WouldPost)
	assert.Equal(t, Missing, report.Result("image_url"))
}

func TestPreflight_NoCredentials(t *testing.T) {
	f := newFixture(t, fixtureOpts{tokens: tokenErr{errors.New("no refresh_token")}})
	report := Preflight(context.Background(), f.client, "https://img/x.jpg")

	assert.False(t, report.WouldPost)
	assert.True(t, strings.HasPrefix(report.Result("oauth"), "FAIL: "))
	assert.Equal(t, Skipped, report.Result("location_access"))
	assert.Zero(t, f.gets.Load())
}
