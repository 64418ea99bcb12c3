package errors

import "fmt"

// Error is a failure tagged with a code and a category. The category's
// retry rule applies unless WithRetryable pinned the decision.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	retryable *bool
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the failure code.
func (e *Error) Code() ErrorCode { return e.code }

// Category returns the failure category.
func (e *Error) Category() ErrorCategory { return e.category }

// Retryable reports whether redelivery may help.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// HasRetryable reports whether WithRetryable was applied.
func (e *Error) HasRetryable() bool { return e.retryable != nil }

// Option adjusts an Error at construction.
type Option func(*Error)

// WithCategory replaces the code's category.
func WithCategory(c ErrorCategory) Option {
	return func(e *Error) { e.category = c }
}

// WithRetryable pins the retry decision. Classify honours it before any
// other rule.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithCause attaches the underlying error.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New builds an Error for code.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, category: code.category(), message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
