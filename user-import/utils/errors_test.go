package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoffRecovers(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(3, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return NewAppError(ErrorTypeAPI, "not visible yet", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cause := NewAppError(ErrorTypeValidation, "bad input", nil).WithRetry(false)
	err := RetryWithBackoff(3, time.Millisecond, func() error {
		attempts++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a non-retryable error must not be retried")
	assert.ErrorIs(t, err, cause)
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(2, time.Millisecond, func() error {
		attempts++
		return NewAppError(ErrorTypeAPI, "still failing", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "first attempt plus two retries")
	assert.Contains(t, err.Error(), "max retries reached")
}

func TestIsRetryableUnwraps(t *testing.T) {
	wrapped := errors.Join(errors.New("outer"), NewAppError(ErrorTypeRateLimit, "throttled", nil))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(errors.New("plain")))
}
