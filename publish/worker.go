// Package publish is the second pipeline stage: it consumes record pointers,
// takes the publish lock and resolves each record to Posted or Failed.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/postflow/bus"
	"github.com/vinayprograms/postflow/deadletter"
	perrors "github.com/vinayprograms/postflow/errors"
	"github.com/vinayprograms/postflow/identity"
	"github.com/vinayprograms/postflow/lock"
	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/platform"
	"github.com/vinayprograms/postflow/record"
	"github.com/vinayprograms/postflow/telemetry"
)

// Stage is the stage name used in logs, metrics and dead letters.
const Stage = "publisher"

// DryRunPostName is recorded as the post name in dry-run mode.
const DryRunPostName = "DRY_RUN"

// Outcomes of one pointer.
const (
	OutcomePosted     = "posted"
	OutcomeDryRun     = "dry_run"
	OutcomeRetry      = "retry"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
	OutcomeMalformed  = "malformed"
	OutcomeIncomplete = "incomplete"
)

// Worker handles pointer messages.
type Worker struct {
	store      record.Store
	locks      *lock.Manager
	poster     Poster
	dlq        *deadletter.Forwarder
	classifier *perrors.Classifier
	dryRun     bool
	logger     *logging.Logger
	metrics    *telemetry.Metrics
}

// Option configures a Worker.
type Option func(*Worker)

// WithDryRun runs preflight instead of posting.
func WithDryRun(on bool) Option {
	return func(w *Worker) {
		w.dryRun = on
	}
}

// WithClassifier replaces the default error classifier.
func WithClassifier(c *perrors.Classifier) Option {
	return func(w *Worker) {
		w.classifier = c
	}
}

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// New creates a Worker.
func New(store record.Store, locks *lock.Manager, poster Poster, dlq *deadletter.Forwarder, opts ...Option) *Worker {
	w := &Worker{
		store:      store,
		locks:      locks,
		poster:     poster,
		dlq:        dlq,
		classifier: perrors.NewClassifier(),
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent(Stage)
	return w
}

// Handle processes one pointer. A nil return acknowledges it; an error asks
// the queue for redelivery and is returned only for retryable failures,
// with the lock left in place for TTL reclaim.
func (w *Worker) Handle(ctx context.Context, msg *bus.Message) error {
	start := time.Now()
	ctx = bus.ContextFrom(ctx, msg)

	id := strings.TrimSpace(string(msg.Data))
	if !identity.Valid(id) {
		w.logger.Error("malformed pointer, acknowledging", map[string]interface{}{"data": truncate(string(msg.Data), 80)})
		w.metrics.StageOutcome(Stage, OutcomeMalformed, time.Since(start))
		return nil
	}

	ctx, span := telemetry.GetTracer().StartStageSpan(ctx, Stage, id)
	outcome, reason, err := w.process(ctx, id, msg.Attempt)
	telemetry.GetTracer().EndStageSpan(span, telemetry.StageSpanOptions{Outcome: outcome, Reason: reason}, err)

	elapsed := time.Since(start)
	w.metrics.StageOutcome(Stage, outcome, elapsed)
	w.logger.StageComplete(Stage, id, outcome, elapsed)
	return err
}

func (w *Worker) process(ctx context.Context, id string, attempt int) (string, string, error) {
	rec, err := w.store.Get(ctx, id)
	if errors.Is(err, record.ErrNotFound) {
		w.logger.Error("record not found, acknowledging", map[string]interface{}{"id": id})
		return OutcomeSkipped, "", nil
	}
	if err != nil {
		return OutcomeRetry, "", perrors.WrapWithCode(err, perrors.ErrCodeStore, "read record "+id)
	}
	if rec.Status.IsTerminal() {
		w.logger.Skip(id, "terminal "+rec.Status.String())
		return OutcomeSkipped, "", nil
	}

	filename := rec.Source.Name
	if rec.Draft == "" || rec.AssetURL == "" {
		w.logger.Error("incomplete record", map[string]interface{}{
			"id":        id,
			"status":    rec.Status.String(),
			"draft":     presence(rec.Draft),
			"asset_url": presence(rec.AssetURL),
		})
		w.dlq.Send(ctx, id, filename, deadletter.ReasonIncomplete)
		return OutcomeIncomplete, deadletter.ReasonIncomplete, nil
	}

	lease, err := w.locks.Acquire(ctx, id)
	if err != nil {
		return OutcomeRetry, "", perrors.WrapWithCode(err, perrors.ErrCodeStore, "acquire lock "+id)
	}
	if lease == nil {
		w.metrics.LockEvent("skip")
		return OutcomeSkipped, "", nil
	}
	if lease.Reclaimed {
		w.metrics.LockEvent("reclaim")
	} else {
		w.metrics.LockEvent("acquire")
	}
	w.logger.Info("lock acquired", map[string]interface{}{"id": id, "attempt": attempt, "reclaimed": lease.Reclaimed})

	if w.dryRun {
		report := Preflight(ctx, w.poster, rec.AssetURL)
		report.RecordID = id
		report.DraftPreview = truncate(rec.Draft, 100)
		w.logger.Info("dry run", map[string]interface{}{"id": id, "would_post": report.WouldPost, "checks": report.Checks})
		w.release(ctx, id, lease, lock.Success(DryRunPostName))
		return OutcomeDryRun, "", nil
	}

	name, err := w.poster.CreatePost(ctx, rec.Draft, rec.AssetURL)
	if err == nil {
		w.release(ctx, id, lease, lock.Success(name))
		w.logger.Info("posted", map[string]interface{}{"id": id, "post": name})
		return OutcomePosted, "", nil
	}

	var apiErr *platform.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable() {
			w.logger.Warn("retryable platform error, keeping lock", map[string]interface{}{"id": id, "status": apiErr.Status})
			return OutcomeRetry, "", fmt.Errorf("retryable platform error (%d): %s", apiErr.Status, apiErr.Body)
		}
		return w.failPermanent(ctx, id, filename, lease, "PLATFORM_PERMANENT: "+apiErr.Body)
	}

	if w.classifier.Classify(err) == perrors.Retryable {
		w.logger.Warn("transient error, keeping lock", map[string]interface{}{"id": id, "error": err.Error()})
		return OutcomeRetry, "", err
	}
	return w.failPermanent(ctx, id, filename, lease, "EXCEPTION: "+err.Error())
}

func (w *Worker) failPermanent(ctx context.Context, id, filename string, lease *lock.Lease, reason string) (string, string, error) {
	w.logger.Error("permanent failure", map[string]interface{}{"id": id, "reason": reason})
	w.release(ctx, id, lease, lock.Failure(reason))
	w.dlq.Send(ctx, id, filename, reason)
	return OutcomeFailed, reason, nil
}

// release records the outcome. It runs detached from ctx so a shutdown
// between the platform call and the write still records the result.
func (w *Worker) release(ctx context.Context, id string, lease *lock.Lease, out lock.Outcome) {
	ok, err := w.locks.Release(context.WithoutCancel(ctx), id, lease.Token, out)
	switch {
	case err != nil:
		w.metrics.LockEvent("release_error")
		w.logger.Error("lock release failed", map[string]interface{}{"id": id, "error": err.Error()})
	case !ok:
		w.metrics.LockEvent("mismatch")
	default:
		w.metrics.LockEvent("release")
	}
}

func presence(s string) string {
	if s == "" {
		return "missing"
	}
	return "present"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
