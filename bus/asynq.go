package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/vinayprograms/postflow/logging"
)

// AsynqQueue implements Queue on Redis through asynq. Each subject maps to
// its own asynq queue and task type; a failed handler is retried after
// RetryDelay until MaxDeliveries is reached, after which asynq archives the
// task.
type AsynqQueue struct {
	redis  asynq.RedisConnOpt
	client *asynq.Client
	config AsynqConfig
	logger *logging.Logger

	mu      sync.Mutex
	servers []*asynq.Server
	closed  bool
}

// AsynqConfig configures the Redis-backed queue.
type AsynqConfig struct {
	Config

	// Addr is the Redis address (host:port).
	Addr     string
	Password string
	DB       int

	// CheckInterval is how often scheduled retries are promoted.
	CheckInterval time.Duration
}

// DefaultAsynqConfig returns configuration with sensible defaults.
func DefaultAsynqConfig() AsynqConfig {
	return AsynqConfig{
		Config:        DefaultConfig(),
		Addr:          "localhost:6379",
		CheckInterval: time.Second,
	}
}

// NewAsynqQueue creates a queue client. Servers are started per Consume.
func NewAsynqQueue(cfg AsynqConfig, logger *logging.Logger) *AsynqQueue {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.Addr == "" {
		cfg.Addr = DefaultAsynqConfig().Addr
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultAsynqConfig().CheckInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	opt := asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	return &AsynqQueue{
		redis:  opt,
		client: asynq.NewClient(opt),
		config: cfg,
		logger: logger.WithComponent("asynq"),
	}
}

// queueName maps a subject to an asynq queue name.
func queueName(subject string) string {
	return strings.ReplaceAll(subject, ".", "_")
}

// Publish enqueues a task whose type is the subject.
func (q *AsynqQueue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	opts := []asynq.Option{
		asynq.Queue(queueName(subject)),
		asynq.Timeout(q.config.VisibilityTimeout),
	}
	if q.config.MaxDeliveries > 0 {
		opts = append(opts, asynq.MaxRetry(q.config.MaxDeliveries-1))
	}
	if _, err := q.client.EnqueueContext(ctx, asynq.NewTask(subject, data), opts...); err != nil {
		return fmt.Errorf("asynq enqueue %s: %w", subject, err)
	}
	return nil
}

// Consume runs an asynq server for subject until ctx is done.
func (q *AsynqQueue) Consume(ctx context.Context, subject string, h Handler) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	delay := q.config.RetryDelay
	srv := asynq.NewServer(q.redis, asynq.Config{
		Concurrency: q.config.Concurrency,
		Queues:      map[string]int{queueName(subject): 1},
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration {
			return delay
		},
		DelayedTaskCheckInterval: q.config.CheckInterval,
		Logger:                   asynqLogger{q.logger},
		LogLevel:                 asynq.WarnLevel,
	})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.servers = append(q.servers, srv)
	q.mu.Unlock()

	mux := asynq.NewServeMux()
	mux.HandleFunc(subject, func(taskCtx context.Context, t *asynq.Task) error {
		msg := &Message{Subject: t.Type(), Data: t.Payload(), Attempt: 1}
		if id, ok := asynq.GetTaskID(taskCtx); ok {
			msg.ID = id
		}
		if n, ok := asynq.GetRetryCount(taskCtx); ok {
			msg.Attempt = n + 1
		}
		return safeHandle(taskCtx, h, msg)
	})

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("asynq server %s: %w", subject, err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// Close closes the client. Running servers stop with their Consume context.
func (q *AsynqQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.client.Close()
}

// asynqLogger routes asynq's logs through the service logger.
type asynqLogger struct{ l *logging.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
