// Package bus connects the pipeline stages with at-least-once work queues.
//
// # Available Implementations
//
//   - MemoryQueue: in-process queue with visibility timeout, retry delay and
//     a delivery cap. Used in tests and single-process runs.
//   - NATSQueue: JetStream work-queue stream with one durable consumer per
//     subject. AckWait is the visibility timeout; failures Nak with a delay.
//   - AsynqQueue: Redis-backed queue through asynq. Failures are retried
//     after a fixed delay and archived after the delivery cap.
//
// # Contract
//
//	q.Publish(ctx, bus.SubjectPointers, []byte(id))
//
//	q.Consume(ctx, bus.SubjectPointers, func(ctx context.Context, m *bus.Message) error {
//	    // nil acknowledges, an error asks for redelivery
//	    return handle(ctx, m.Data)
//	})
//
// Consumers on the same subject compete; each message is handled by one
// consumer at a time, but may be handled again after a failure, a crash or
// an expired visibility timeout.
package bus
