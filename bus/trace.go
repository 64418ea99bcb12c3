package bus

import (
	"context"

	"github.com/vinayprograms/postflow/telemetry"
)

// HeaderPublisher is implemented by queues that carry message headers.
type HeaderPublisher interface {
	PublishWithHeaders(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// PublishTraced publishes data with the trace context of ctx when p can
// carry headers, and plainly otherwise.
func PublishTraced(ctx context.Context, p Publisher, subject string, data []byte) error {
	hp, ok := p.(HeaderPublisher)
	if !ok {
		return p.Publish(ctx, subject, data)
	}
	return hp.PublishWithHeaders(ctx, subject, data, telemetry.Headers(ctx))
}

// ContextFrom returns ctx joined with the trace context carried by msg.
func ContextFrom(ctx context.Context, msg *Message) context.Context {
	if msg == nil || len(msg.Headers) == 0 {
		return ctx
	}
	return telemetry.FromHeaders(ctx, msg.Headers)
}
