package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue in process. It reproduces the redelivery
// behaviour of the durable backends: a message whose handler fails comes
// back after RetryDelay, a message whose handler outlives the visibility
// timeout is handed out again, and an acknowledgement from a superseded
// delivery is ignored.
type MemoryQueue struct {
	config       Config
	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string][]*memoryEntry // subject -> entries
	dropped []*Message
	wake    chan struct{}

	closed atomic.Bool
	done   chan struct{}
}

type memoryEntry struct {
	id        string
	subject   string
	data      []byte
	headers   map[string]string
	attempts  int
	visibleAt time.Time
	token     uint64 // current delivery; 0 when not in flight
}

type memoryDelivery struct {
	entry *memoryEntry
	token uint64
	msg   *Message
}

var deliveryTokens atomic.Uint64

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithPollInterval sets how often consumers look for visible messages.
func WithPollInterval(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithMemoryClock overrides the queue clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(cfg Config, opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		config:       cfg.withDefaults(),
		pollInterval: 10 * time.Millisecond,
		now:          time.Now,
		entries:      make(map[string][]*memoryEntry),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish enqueues a message.
func (q *MemoryQueue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.PublishWithHeaders(ctx, subject, data, nil)
}

// PublishWithHeaders enqueues a message carrying headers.
func (q *MemoryQueue) PublishWithHeaders(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.closed.Load() {
		return ErrClosed
	}

	e := &memoryEntry{
		id:        uuid.NewString(),
		subject:   subject,
		data:      append([]byte(nil), data...),
		headers:   copyHeaders(headers),
		visibleAt: q.now(),
	}
	q.mu.Lock()
	q.entries[subject] = append(q.entries[subject], e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Consume runs handlers for subject until ctx is done or the queue closes.
func (q *MemoryQueue) Consume(ctx context.Context, subject string, h Handler) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if q.closed.Load() {
		return ErrClosed
	}

	sem := make(chan struct{}, q.config.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case <-ticker.C:
		case <-q.wake:
		}

		for q.dispatch(ctx, subject, h, sem, &wg) {
		}
	}
}

// dispatch starts at most one delivery. It reports whether one was started.
func (q *MemoryQueue) dispatch(ctx context.Context, subject string, h Handler, sem chan struct{}, wg *sync.WaitGroup) bool {
	select {
	case sem <- struct{}{}:
	default:
		return false
	}
	d := q.next(subject)
	if d == nil {
		<-sem
		return false
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()
		q.handle(ctx, d, h)
	}()
	return true
}

// next claims the oldest visible entry on subject.
func (q *MemoryQueue) next(subject string) *memoryDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, e := range q.entries[subject] {
		if e.visibleAt.After(now) {
			continue
		}
		e.attempts++
		e.token = deliveryTokens.Add(1)
		e.visibleAt = now.Add(q.config.VisibilityTimeout)
		return &memoryDelivery{
			entry: e,
			token: e.token,
			msg: &Message{
				ID:      e.id,
				Subject: e.subject,
				Data:    append([]byte(nil), e.data...),
				Attempt: e.attempts,
				Headers: copyHeaders(e.headers),
			},
		}
	}
	return nil
}

func (q *MemoryQueue) handle(ctx context.Context, d *memoryDelivery, h Handler) {
	err := safeHandle(ctx, h, d.msg)

	q.mu.Lock()
	defer q.mu.Unlock()

	e := d.entry
	if e.token != d.token {
		// superseded by a later delivery after the visibility timeout
		return
	}
	e.token = 0
	if err == nil {
		q.remove(e)
		return
	}
	if q.config.MaxDeliveries > 0 && e.attempts >= q.config.MaxDeliveries {
		q.remove(e)
		q.dropped = append(q.dropped, d.msg)
		return
	}
	e.visibleAt = q.now().Add(q.config.RetryDelay)
}

func safeHandle(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return h(ctx, msg)
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return fmt.Sprintf("handler panic: %v", p.v) }

func (q *MemoryQueue) remove(target *memoryEntry) {
	list := q.entries[target.subject]
	for i, e := range list {
		if e == target {
			q.entries[target.subject] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Pending returns the number of unacknowledged messages on subject,
// including in-flight ones.
func (q *MemoryQueue) Pending(subject string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[subject])
}

// Peek returns copies of the payloads waiting on subject, oldest first.
func (q *MemoryQueue) Peek(subject string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.entries[subject]))
	for _, e := range q.entries[subject] {
		out = append(out, append([]byte(nil), e.data...))
	}
	return out
}

// Dropped returns messages discarded after MaxDeliveries failed attempts.
func (q *MemoryQueue) Dropped() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Message(nil), q.dropped...)
}

// Close stops all consumers. Unacknowledged messages are discarded.
func (q *MemoryQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	close(q.done)
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
