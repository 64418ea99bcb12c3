package errors

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Class is the retry decision for a failure.
type Class string

const (
	// Retryable failures are returned to the queue for redelivery.
	Retryable Class = "retryable"
	// Permanent failures are terminalised and dead-lettered.
	Permanent Class = "permanent"
)

// DefaultPermanentMarkers are lower-case substrings that mark an error
// message as permanent regardless of how the error was produced.
var DefaultPermanentMarkers = []string{
	"invalid_grant",
	"unauthorized",
	"permission_denied",
	"not_found",
	"invalid_argument",
	"no refresh_token",
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// ClassifyStatus maps an HTTP status to a retry class.
func ClassifyStatus(status int) Class {
	if retryableStatus[status] {
		return Retryable
	}
	return Permanent
}

// Classifier decides whether a failure is worth redelivering.
type Classifier struct {
	markers []string
}

// NewClassifier creates a classifier with the given permanent markers.
// With no markers the default table is used.
func NewClassifier(markers ...string) *Classifier {
	if len(markers) == 0 {
		markers = DefaultPermanentMarkers
	}
	lowered := make([]string, len(markers))
	for i, m := range markers {
		lowered[i] = strings.ToLower(m)
	}
	return &Classifier{markers: lowered}
}

// Classify returns the retry class for err.
//
// Rules, first match wins:
//  1. an *Error with an explicit retryable flag
//  2. an error carrying an HTTP status (StatusCoder)
//  3. timeouts, cancellation and network errors are retryable
//  4. a permanent marker in the message
//  5. an *Error whose category is permanent
//  6. everything else is retryable
func (c *Classifier) Classify(err error) Class {
	if err == nil {
		return Retryable
	}

	var pe *Error
	if errors.As(err, &pe) && pe.HasRetryable() {
		if pe.Retryable() {
			return Retryable
		}
		return Permanent
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		return ClassifyStatus(sc.StatusCode())
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, m := range c.markers {
		if strings.Contains(msg, m) {
			return Permanent
		}
	}

	if pe != nil && pe.Category() == CategoryPermanent {
		return Permanent
	}
	return Retryable
}

var defaultClassifier = NewClassifier()

// Classify classifies err with the default marker table.
func Classify(err error) Class {
	return defaultClassifier.Classify(err)
}
