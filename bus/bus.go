// Package bus provides the at-least-once work queues that connect the
// pipeline stages.
//
// A Handler that returns nil acknowledges the message. A Handler that
// returns an error asks for redelivery after the backend's retry delay,
// up to its delivery limit. Every backend may deliver a message more than
// once, so handlers must be idempotent.
package bus

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Default subjects.
const (
	SubjectArtifacts  = "postflow.artifacts"
	SubjectPointers   = "postflow.pointers"
	SubjectDeadLetter = "postflow.deadletter"
)

// Message is one delivery of a published payload.
type Message struct {
	// ID is stable across redeliveries of the same publish.
	ID string

	Subject string
	Data    []byte

	// Attempt is 1 on first delivery.
	Attempt int

	// Headers carry trace context where the backend supports it.
	Headers map[string]string
}

// Handler processes one delivery.
type Handler func(ctx context.Context, msg *Message) error

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Queue is a durable work queue. Consumers of the same subject compete for
// messages.
type Queue interface {
	Publisher

	// Consume delivers messages on subject to h until ctx is done. It
	// blocks and returns nil on cancellation.
	Consume(ctx context.Context, subject string, h Handler) error

	Close() error
}

// Config holds delivery settings shared by every backend.
type Config struct {
	// VisibilityTimeout is how long a delivery may stay unacknowledged
	// before it is handed to another consumer.
	VisibilityTimeout time.Duration

	// RetryDelay is the wait before redelivering a failed message.
	RetryDelay time.Duration

	// MaxDeliveries caps delivery attempts. Zero means unlimited.
	MaxDeliveries int

	// Concurrency is the number of handlers run in parallel per Consume.
	Concurrency int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 5 * time.Minute,
		RetryDelay:        10 * time.Second,
		MaxDeliveries:     10,
		Concurrency:       4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxDeliveries < 0 {
		c.MaxDeliveries = 0
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// ValidateSubject checks if a subject is valid.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	return nil
}
