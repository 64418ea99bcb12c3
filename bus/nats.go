package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSQueue implements Queue on a JetStream work-queue stream. Each subject
// gets one durable consumer shared by every Consume call, so consumers
// compete for messages. AckWait plays the role of the visibility timeout and
// failed handlers Nak with RetryDelay.
type NATSQueue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config NATSConfig
	owned  bool

	mu     sync.Mutex
	closed bool
}

// NATSConfig holds NATS connection and stream configuration.
type NATSConfig struct {
	Config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// Stream is the JetStream stream name.
	Stream string

	// Subjects bound to the stream.
	Subjects []string

	// MaxAge discards messages older than this. Zero keeps them.
	MaxAge time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		Stream:         "POSTFLOW",
		Subjects:       []string{"postflow.>"},
		MaxAge:         7 * 24 * time.Hour,
	}
}

// Connect dials NATS with the connection settings in cfg.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// NewNATSQueue connects and ensures the stream exists.
func NewNATSQueue(ctx context.Context, cfg NATSConfig) (*NATSQueue, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	q, err := NewNATSQueueFromConn(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewNATSQueueFromConn builds a queue on an existing connection. The
// connection is not closed by Close.
func NewNATSQueueFromConn(ctx context.Context, conn *nats.Conn, cfg NATSConfig) (*NATSQueue, error) {
	def := DefaultNATSConfig()
	cfg.Config = cfg.Config.withDefaults()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = def.Subjects
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  cfg.Subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    cfg.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &NATSQueue{
		conn:   conn,
		js:     js,
		stream: stream,
		config: cfg,
	}, nil
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Publish stores a message in the stream.
func (q *NATSQueue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.PublishWithHeaders(ctx, subject, data, nil)
}

// PublishWithHeaders stores a message carrying headers.
func (q *NATSQueue) PublishWithHeaders(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if q.isClosed() {
		return ErrClosed
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", subject, err)
	}
	return nil
}

// Consume attaches to the subject's durable consumer and runs h for each
// message until ctx is done.
func (q *NATSQueue) Consume(ctx context.Context, subject string, h Handler) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if q.isClosed() {
		return ErrClosed
	}

	cc := jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.config.VisibilityTimeout,
		MaxAckPending: q.config.Concurrency,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if q.config.MaxDeliveries > 0 {
		cc.MaxDeliver = q.config.MaxDeliveries
	}
	cons, err := q.stream.CreateOrUpdateConsumer(ctx, cc)
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", subject, err)
	}

	sem := make(chan struct{}, q.config.Concurrency)
	var wg sync.WaitGroup
	consumeCtx, err := cons.Consume(func(m jetstream.Msg) {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			q.handle(ctx, m, h)
		}()
	}, jetstream.PullMaxMessages(q.config.Concurrency))
	if err != nil {
		return fmt.Errorf("consume %s: %w", subject, err)
	}

	<-ctx.Done()
	consumeCtx.Stop()
	wg.Wait()
	return nil
}

func (q *NATSQueue) handle(ctx context.Context, m jetstream.Msg, h Handler) {
	msg := &Message{
		Subject: m.Subject(),
		Data:    m.Data(),
		Attempt: 1,
	}
	if md, err := m.Metadata(); err == nil {
		msg.Attempt = int(md.NumDelivered)
		msg.ID = fmt.Sprintf("%s:%d", md.Stream, md.Sequence.Stream)
	}
	if hdr := m.Headers(); len(hdr) > 0 {
		msg.Headers = make(map[string]string, len(hdr))
		for k := range hdr {
			msg.Headers[k] = hdr.Get(k)
		}
	}

	if err := safeHandle(ctx, h, msg); err != nil {
		_ = m.NakWithDelay(q.config.RetryDelay)
		return
	}
	_ = m.Ack()
}

// durableName derives a consumer name from a subject. Durable names may not
// contain dots or wildcards.
func durableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return "postflow_" + r.Replace(subject)
}

func (q *NATSQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close closes the connection if the queue opened it.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.owned {
		if err := q.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
	}
	return nil
}

// Conn returns the underlying NATS connection.
func (q *NATSQueue) Conn() *nats.Conn {
	return q.conn
}
