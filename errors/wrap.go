package errors

import (
	"context"
	"errors"
)

// Wrap adds message to err. An *Error anywhere in the chain lends its code,
// category and retry flag to the wrapper; context errors become TIMEOUT or
// CANCELED; anything else is INTERNAL. Wrap(nil, ...) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	w := &Error{message: message, cause: err}
	var inner *Error
	switch {
	case errors.As(err, &inner):
		w.code, w.category, w.retryable = inner.code, inner.category, inner.retryable
	case errors.Is(err, context.DeadlineExceeded):
		w.code = ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		w.code = ErrCodeCanceled
	default:
		w.code = ErrCodeInternal
	}
	if w.category == "" {
		w.category = w.code.category()
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// Code returns the code of the first *Error in the chain, or "".
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// Is reports whether the first *Error in the chain carries code.
func Is(err error, code ErrorCode) bool {
	return err != nil && Code(err) == code
}

// IsRetryable reports whether the first *Error in the chain is retryable.
// Plain errors report false; Classify applies the full rule set.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// IsPermanent reports whether the first *Error in the chain is in the
// permanent category.
func IsPermanent(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.category == CategoryPermanent
}
