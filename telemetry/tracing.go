package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts the spans the pipeline records: one per stage invocation,
// one per model call and one per platform request.
type Tracer struct {
	tracer trace.Tracer
	debug  bool
}

var (
	tracerMu     sync.RWMutex
	globalTracer *Tracer
	noopTracer   = &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
)

// NewTracer returns a tracer from the global provider. With debug set,
// prompts and captions are attached to model spans.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{tracer: otel.Tracer(name), debug: debug}
}

// SetGlobalTracer installs t as the tracer GetTracer returns.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	globalTracer = t
	tracerMu.Unlock()
}

// GetTracer returns the installed tracer, or a no-op one before
// InitProvider runs.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return noopTracer
	}
	return globalTracer
}

// Debug reports whether content goes on spans.
func (t *Tracer) Debug() bool { return t.debug }

// StageSpanOptions is what a stage reports when it finishes a message.
type StageSpanOptions struct {
	Outcome string
	Rounds  int
	Reason  string
}

// StartStageSpan opens a consumer span for stage handling recordID.
func (t *Tracer) StartStageSpan(ctx context.Context, stage, recordID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "stage."+stage,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("postflow.stage", stage),
			attribute.String("postflow.record_id", recordID),
		))
}

// EndStageSpan records the outcome and ends span.
func (t *Tracer) EndStageSpan(span trace.Span, opts StageSpanOptions, err error) {
	span.SetAttributes(attribute.String("postflow.outcome", opts.Outcome))
	if opts.Rounds > 0 {
		span.SetAttributes(attribute.Int("postflow.rounds", opts.Rounds))
	}
	if opts.Reason != "" {
		span.SetAttributes(attribute.String("postflow.reason", truncate(opts.Reason, 500)))
	}
	end(span, err)
}

// LLMSpanOptions describes a finished model call. Prompt and Response are
// recorded only by a debug tracer.
type LLMSpanOptions struct {
	Provider  string
	Model     string
	TokensIn  int
	TokensOut int
	Prompt    string
	Response  string
}

// StartLLMSpan opens a client span for a model call.
func (t *Tracer) StartLLMSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

// EndLLMSpan records usage and ends span.
func (t *Tracer) EndLLMSpan(span trace.Span, opts LLMSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("llm.provider", opts.Provider),
		attribute.String("llm.model", opts.Model),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
	)
	if t.debug && opts.Prompt != "" {
		span.SetAttributes(attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
	}
	if t.debug && opts.Response != "" {
		span.SetAttributes(attribute.String("llm.response", truncate(opts.Response, 4000)))
	}
	end(span, err)
}

// StartPlatformSpan opens a client span for a platform API operation.
func (t *Tracer) StartPlatformSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "platform."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("platform.operation", operation)))
}

// EndPlatformSpan records the HTTP status, when there was one, and ends span.
func (t *Tracer) EndPlatformSpan(span trace.Span, status int, err error) {
	if status > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	end(span, err)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Headers returns the trace context of ctx as message headers. The map is
// empty when ctx carries no span.
func Headers(ctx context.Context) map[string]string {
	c := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, c)
	return c
}

// FromHeaders returns ctx joined with the trace context in headers.
func FromHeaders(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
