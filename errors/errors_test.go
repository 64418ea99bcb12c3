package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCategories(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeTimeout, CategoryTransient},
		{ErrCodeStore, CategoryTransient},
		{ErrCodeNotFound, CategoryPermanent},
		{ErrCodePlatform, CategoryPermanent},
		{ErrCodeRateLimit, CategoryResource},
		{ErrCodeInternal, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "msg")
			assert.Equal(t, tt.code, err.Code())
			assert.Equal(t, tt.want, err.Category())
			assert.Equal(t, "msg", err.Error())
		})
	}
}

func TestRetryableFlag(t *testing.T) {
	assert.True(t, New(ErrCodeTimeout, "x").Retryable())
	assert.True(t, New(ErrCodeRateLimit, "x").Retryable())
	assert.False(t, New(ErrCodeNotFound, "x").Retryable())
	assert.False(t, New(ErrCodeTimeout, "x", WithRetryable(false)).Retryable())
	assert.False(t, New(ErrCodeTimeout, "x").HasRetryable())
	assert.True(t, New(ErrCodeTimeout, "x", WithRetryable(true)).HasRetryable())
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := New(ErrCodeConfig, "bad location", WithCause(fmt.Errorf("missing prefix")))
	assert.Equal(t, "bad location: missing prefix", err.Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "msg"))

	inner := New(ErrCodeRateLimit, "slow down", WithRetryable(true))
	wrapped := Wrap(fmt.Errorf("call: %w", inner), "creating post")
	assert.Equal(t, ErrCodeRateLimit, wrapped.Code())
	assert.Equal(t, CategoryResource, wrapped.Category())
	assert.True(t, wrapped.HasRetryable())
	assert.ErrorIs(t, wrapped, inner)

	assert.Equal(t, ErrCodeTimeout, Wrap(context.DeadlineExceeded, "generate").Code())
	assert.Equal(t, ErrCodeCanceled, Wrap(context.Canceled, "generate").Code())
	assert.Equal(t, ErrCodeInternal, Wrap(errors.New("boom"), "x").Code())

	perm := Wrap(errors.New("no such file"), "load token", WithCategory(CategoryPermanent))
	assert.True(t, IsPermanent(perm))
	assert.Equal(t, "load token: no such file", perm.Error())
}

func TestCodeHelpers(t *testing.T) {
	root := errors.New("root")
	err := fmt.Errorf("outer: %w", WrapWithCode(root, ErrCodeStore, "tx"))

	assert.Equal(t, ErrCodeStore, Code(err))
	assert.True(t, Is(err, ErrCodeStore))
	assert.False(t, Is(err, ErrCodeTimeout))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)

	assert.Equal(t, ErrorCode(""), Code(root))
	assert.False(t, IsRetryable(root))
	assert.False(t, IsPermanent(root))
	assert.Nil(t, WrapWithCode(nil, ErrCodeStore, "tx"))
}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

var _ net.Error = netTimeout{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"invalid_grant", fmt.Errorf("oauth2: invalid_grant"), Permanent},
		{"unauthorized", fmt.Errorf("Unauthorized client"), Permanent},
		{"permission_denied", fmt.Errorf("PERMISSION_DENIED on location"), Permanent},
		{"not_found", fmt.Errorf("rpc error: NOT_FOUND"), Permanent},
		{"invalid_argument", fmt.Errorf("INVALID_ARGUMENT: summary"), Permanent},
		{"no refresh token", fmt.Errorf("token file has no refresh_token"), Permanent},
		{"unknown", fmt.Errorf("something odd"), Retryable},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"net", fmt.Errorf("dial: %w", netTimeout{}), Retryable},
		{"status 429", statusErr{429}, Retryable},
		{"status 503", statusErr{503}, Retryable},
		{"status 400", statusErr{400}, Permanent},
		{"status 404", statusErr{404}, Permanent},
		{"explicit retryable", New(ErrCodeNotFound, "not_found", WithRetryable(true)), Retryable},
		{"explicit permanent", New(ErrCodeTimeout, "t", WithRetryable(false)), Permanent},
		{"permanent category", New(ErrCodeConfig, "bad location"), Permanent},
		{"internal category", Wrap(fmt.Errorf("boom"), "x"), Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.Equal(t, Retryable, ClassifyStatus(code), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 409, 501} {
		assert.Equal(t, Permanent, ClassifyStatus(code), "status %d", code)
	}
}

func TestCustomMarkers(t *testing.T) {
	c := NewClassifier("QUOTA_GONE")
	assert.Equal(t, Permanent, c.Classify(fmt.Errorf("quota_gone for project")))
	assert.Equal(t, Retryable, c.Classify(fmt.Errorf("invalid_grant")), "custom table replaces the defaults")
}
