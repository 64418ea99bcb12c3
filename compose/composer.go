// Package compose is the first pipeline stage: it turns an artifact event
// into a Queued record carrying an approved draft and hands the record id to
// the publish stage.
package compose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/postflow/asset"
	"github.com/vinayprograms/postflow/bus"
	"github.com/vinayprograms/postflow/deadletter"
	"github.com/vinayprograms/postflow/generation"
	"github.com/vinayprograms/postflow/identity"
	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/record"
	"github.com/vinayprograms/postflow/telemetry"
)

// Stage is the stage name used in logs, metrics and dead letters.
const Stage = "composer"

// Outcomes of one event.
const (
	OutcomeQueued    = "queued"
	OutcomeSkipped   = "skipped"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
)

// Composer handles artifact events.
type Composer struct {
	store   record.Store
	loop    *generation.Loop
	signer  asset.Signer
	pub     bus.Publisher
	dlq     *deadletter.Forwarder
	subject string
	ttl     time.Duration
	history int
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// Option configures a Composer.
type Option func(*Composer)

// WithSubject overrides the pointer subject.
func WithSubject(s string) Option {
	return func(c *Composer) {
		c.subject = s
	}
}

// WithAssetTTL sets the lifetime of signed asset references.
func WithAssetTTL(d time.Duration) Option {
	return func(c *Composer) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithHistory sets how many previous captions go into the prompt.
func WithHistory(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.history = n
		}
	}
}

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Composer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Nil disables metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Composer) {
		c.metrics = m
	}
}

// New creates a Composer.
func New(store record.Store, loop *generation.Loop, signer asset.Signer, pub bus.Publisher, dlq *deadletter.Forwarder, opts ...Option) *Composer {
	c := &Composer{
		store:   store,
		loop:    loop,
		signer:  signer,
		pub:     pub,
		dlq:     dlq,
		subject: bus.SubjectPointers,
		ttl:     asset.DefaultTTL,
		history: generation.HistorySize,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent(Stage)
	return c
}

// HandleMessage decodes an artifact event from the bus. Malformed events are
// logged and acknowledged.
func (c *Composer) HandleMessage(ctx context.Context, msg *bus.Message) error {
	ev, err := DecodeEvent(msg.Data)
	if err != nil {
		c.logger.Error("dropping malformed artifact event", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return c.Handle(bus.ContextFrom(ctx, msg), ev)
}

// Handle processes one artifact event.
//
// Every outcome acknowledges the event: a duplicate is a no-op, and a
// failure after the claim resolves the record to Failed and dead-letters it,
// since a redelivery would find the claim taken and could not make progress.
func (c *Composer) Handle(ctx context.Context, ev ArtifactEvent) error {
	start := time.Now()

	mimeType, ok := asset.DetectMIME(ev.Name, ev.ContentType)
	if !ok {
		c.logger.Skip(ev.Name, "not a supported image")
		c.metrics.StageOutcome(Stage, OutcomeSkipped, time.Since(start))
		return nil
	}

	id := identity.Compose(ev.Bucket, ev.Name, ev.Generation)
	ctx, span := telemetry.GetTracer().StartStageSpan(ctx, Stage, id)

	outcome, rounds, reason, err := c.process(ctx, id, ev, mimeType)
	telemetry.GetTracer().EndStageSpan(span, telemetry.StageSpanOptions{
		Outcome: outcome,
		Rounds:  rounds,
		Reason:  reason,
	}, err)

	elapsed := time.Since(start)
	c.metrics.StageOutcome(Stage, outcome, elapsed)
	c.logger.StageComplete(Stage, id, outcome, elapsed)
	return err
}

func (c *Composer) process(ctx context.Context, id string, ev ArtifactEvent, mimeType string) (outcome string, rounds int, reason string, err error) {
	generationID := ev.Generation
	if generationID == "" {
		generationID = identity.DefaultGeneration
	}
	claimed, err := c.store.Claim(ctx, &record.Record{
		ID: id,
		Source: record.SourceRef{
			Container:  ev.Bucket,
			Name:       ev.Name,
			Generation: generationID,
			MIMEType:   mimeType,
		},
	})
	if err != nil {
		// Unverifiable claim: do not proceed.
		c.logger.Error("claim failed", map[string]interface{}{"id": id, "error": err.Error()})
		return OutcomeSkipped, 0, "", nil
	}
	if !claimed {
		c.logger.Skip(id, "already claimed")
		return OutcomeDuplicate, 0, "", nil
	}

	if err := c.setStatus(ctx, id, record.StatusGenerating, nil); err != nil {
		return c.fail(ctx, id, ev.Name, fmt.Sprintf("EXCEPTION: %v", err))
	}

	// Signed before generation so a record never reaches Queued without an
	// asset reference.
	ref, err := c.signer.Sign(ctx, ev.Bucket, ev.Name, c.ttl)
	if err != nil {
		return c.fail(ctx, id, ev.Name, fmt.Sprintf("EXCEPTION: sign asset: %v", err))
	}

	draft, err := c.loop.Generate(ctx, generation.Request{
		RecordID: id,
		ImageURI: asset.StorageURI(ev.Bucket, ev.Name),
		ImageURL: ref.URL,
		MIMEType: mimeType,
		History:  generation.History(ctx, c.store, c.history, c.logger),
	})
	if err != nil {
		// Only cancellation reaches here. A redelivery would find the claim
		// taken, so the record is resolved now.
		return c.fail(ctx, id, ev.Name, fmt.Sprintf("EXCEPTION: generation interrupted: %v", err))
	}
	if draft == nil {
		outcome, rounds, reason, err = c.fail(ctx, id, ev.Name, generation.ReasonValidationExhausted)
		if outcome == OutcomeFailed {
			outcome = OutcomeExhausted
		}
		return outcome, c.loop.Rounds(), reason, err
	}

	err = c.setStatus(ctx, id, record.StatusQueued, func(r *record.Record) {
		r.Draft = draft.Caption
		r.AssetURL = ref.URL
		r.AssetExpiresAt = ref.ExpiresAt
		r.Rounds = draft.Rounds
	})
	if err != nil {
		return c.fail(ctx, id, ev.Name, fmt.Sprintf("EXCEPTION: %v", err))
	}

	if err := bus.PublishTraced(ctx, c.pub, c.subject, []byte(id)); err != nil {
		// The record is Queued; the requeue sweeper republishes it.
		c.logger.Error("pointer publish failed", map[string]interface{}{"id": id, "error": err.Error()})
	} else {
		c.logger.Info("queued for posting", map[string]interface{}{"id": id, "file": ev.Name, "rounds": draft.Rounds})
	}
	return OutcomeQueued, draft.Rounds, "", nil
}

// setStatus moves the record to status, applying extra inside the same
// transaction.
func (c *Composer) setStatus(ctx context.Context, id string, status record.Status, extra func(*record.Record)) error {
	var from record.Status
	_, err := c.store.Mutate(ctx, id, func(r *record.Record) error {
		from = r.Status
		r.Status = status
		if extra != nil {
			extra(r)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", status, err)
	}
	c.logger.Transition(id, from.String(), status.String())
	return nil
}

// fail resolves the record to Failed and dead-letters it. The event is
// acknowledged either way.
func (c *Composer) fail(ctx context.Context, id, filename, reason string) (string, int, string, error) {
	c.logger.Error("composition failed", map[string]interface{}{"id": id, "file": filename, "reason": reason})

	failCtx := context.WithoutCancel(ctx)
	_, err := c.store.Mutate(failCtx, id, func(r *record.Record) error {
		if r.Status.IsTerminal() {
			return record.ErrNoChange
		}
		r.Status = record.StatusFailed
		r.FailureReason = reason
		return nil
	})
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		c.logger.Error("could not mark record failed", map[string]interface{}{"id": id, "error": err.Error()})
	}
	c.dlq.Send(failCtx, id, filename, reason)
	return OutcomeFailed, 0, reason, nil
}
