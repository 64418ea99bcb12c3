// Package deadletter forwards terminal failures to an audit channel for
// operators.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vinayprograms/postflow/bus"
	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/telemetry"
)

// Reasons raised outside the platform and generation paths.
const (
	ReasonIncomplete = "INCOMPLETE_DOCUMENT"
)

// Letter is the dead-letter payload.
type Letter struct {
	DocID     string    `json:"doc_id"`
	Filename  string    `json:"filename"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Forwarder publishes letters for one source stage.
type Forwarder struct {
	pub     bus.Publisher
	subject string
	source  string
	timeout time.Duration
	logger  *logging.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithSubject overrides the dead-letter subject.
func WithSubject(s string) Option {
	return func(f *Forwarder) {
		if s != "" {
			f.subject = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics counts forwarded letters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(f *Forwarder) { f.now = now }
}

// New creates a Forwarder that stamps letters with source.
func New(pub bus.Publisher, source string, opts ...Option) *Forwarder {
	f := &Forwarder{
		pub:     pub,
		subject: bus.SubjectDeadLetter,
		source:  source,
		timeout: 10 * time.Second,
		logger:  logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Send publishes a letter. It never fails: the record already holds the
// terminal state, so a lost letter is logged and dropped.
func (f *Forwarder) Send(ctx context.Context, id, filename, reason string) {
	letter := Letter{
		DocID:     id,
		Filename:  filename,
		Reason:    reason,
		Source:    f.source,
		Timestamp: f.now().UTC(),
	}
	data, err := json.Marshal(letter)
	if err != nil {
		f.logger.Error("dead-letter encode failed", map[string]interface{}{"id": id, "error": err.Error()})
		return
	}

	// Detached so a cancelled handler context does not lose the letter.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()
	if err := f.pub.Publish(pubCtx, f.subject, data); err != nil {
		f.logger.Error("dead-letter publish failed", map[string]interface{}{
			"id":     id,
			"reason": reason,
			"error":  err.Error(),
		})
		return
	}
	f.metrics.DeadLetter(f.source)
	f.logger.Info("dead-lettered", map[string]interface{}{"id": id, "reason": reason})
}
