package errors

// ErrorCategory groups codes by how a stage should react to them.
type ErrorCategory string

const (
	// CategoryTransient failures may succeed on redelivery.
	CategoryTransient ErrorCategory = "transient"
	// CategoryPermanent failures terminalise the record.
	CategoryPermanent ErrorCategory = "permanent"
	// CategoryResource covers quota and rate exhaustion.
	CategoryResource ErrorCategory = "resource"
	// CategoryInternal covers bugs and broken invariants.
	CategoryInternal ErrorCategory = "internal"
)

// IsRetryable reports whether the category is worth redelivering.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// ErrorCode names a failure.
type ErrorCode string

const (
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrCodeStore       ErrorCode = "STORE"

	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeConfig       ErrorCode = "CONFIG"
	ErrCodeCanceled     ErrorCode = "CANCELED"
	ErrCodePlatform     ErrorCode = "PLATFORM"

	ErrCodeRateLimit ErrorCode = "RATE_LIMITED"

	ErrCodeInternal ErrorCode = "INTERNAL"
)

// category is the category a code gets unless WithCategory overrides it.
func (c ErrorCode) category() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeStore:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeUnauthorized, ErrCodeConfig, ErrCodeCanceled, ErrCodePlatform:
		return CategoryPermanent
	case ErrCodeRateLimit:
		return CategoryResource
	default:
		return CategoryInternal
	}
}
