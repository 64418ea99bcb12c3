// Tracing wrapper for generators.
package llm

import (
	"context"

	"github.com/vinayprograms/postflow/telemetry"
)

// TracingGenerator wraps a Generator with OpenTelemetry spans.
type TracingGenerator struct {
	gen          Generator
	providerName string
}

// WithTracing wraps a generator with tracing instrumentation.
func WithTracing(g Generator, providerName string) Generator {
	return &TracingGenerator{gen: g, providerName: providerName}
}

// Generate implements Generator with tracing.
func (tg *TracingGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartLLMSpan(ctx, "llm.generate")

	resp, err := tg.gen.Generate(ctx, req)

	opts := telemetry.LLMSpanOptions{Provider: tg.providerName}
	if resp != nil {
		opts.Model = resp.Model
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
		opts.Response = resp.Content
	}
	if tracer.Debug() {
		opts.Prompt = req.Prompt
	}
	tracer.EndLLMSpan(span, opts, err)

	return resp, err
}
