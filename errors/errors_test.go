package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(999).String())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"network unavailable", ErrNetworkUnavailable, true},
		{"wrapped storage unavailable", fmt.Errorf("get: %w", ErrStorageUnavailable), true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"invalid data", ErrInvalidData, false},
		{"invariant violation", ErrInvariantViolation, false},
		{"self not registered", ErrSelfNotRegistered, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrInvariantViolation))
	assert.True(t, IsFatal(ErrSelfNotRegistered))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.False(t, IsFatal(ErrStorageUnavailable))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrIdentityNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("kv: %w", ErrKeyNotFound)))
	assert.False(t, IsNotFound(ErrStorageUnavailable))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(ErrStorageUnavailable))
	assert.Equal(t, ErrorFatal, Classify(ErrInvariantViolation))
	assert.Equal(t, ErrorInvalid, Classify(ErrParsingFailed))
	assert.Equal(t, ErrorTransient, Classify(errors.New("something odd")))
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "Cache", "Resolve", "store lookup")
	assert.EqualError(t, err, "Cache.Resolve: store lookup failed: boom")
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Wrap(nil, "a", "b", "c"))
}

func TestWrapClassified(t *testing.T) {
	err := WrapTransient(ErrStorageUnavailable, "Store", "Get", "read")
	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Store", ce.Component)
	assert.Equal(t, "Get", ce.Operation)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
}

func TestWrapInvalid_NilBecomesInvalidData(t *testing.T) {
	err := WrapInvalid(nil, "Key", "Validate", "empty encoded id")
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestInvariant(t *testing.T) {
	err := Invariant("Cache", "Synchronize", "numeric id %d claimed twice", 5)
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Contains(t, err.Error(), "numeric id 5 claimed twice")
}

func TestRetryConfig(t *testing.T) {
	rc := DefaultRetryConfig()
	assert.True(t, rc.ShouldRetry(ErrNetworkUnavailable, 0))
	assert.False(t, rc.ShouldRetry(ErrInvariantViolation, 0))
	assert.False(t, rc.ShouldRetry(ErrNetworkUnavailable, rc.MaxRetries))

	rc.RetryableErrors = []error{ErrStorageUnavailable}
	assert.False(t, rc.ShouldRetry(ErrNetworkUnavailable, 0))
	assert.True(t, rc.ShouldRetry(ErrStorageUnavailable, 0))

	cfg := DefaultRetryConfig().ToRetryConfig()
	assert.Equal(t, 4, cfg.MaxAttempts)
	require.NotNil(t, cfg.Retryable)
	assert.True(t, cfg.Retryable(ErrConnectionLost))
	assert.False(t, cfg.Retryable(ErrInvalidData))
}
