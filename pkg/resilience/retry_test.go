package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestRetryPermanentErrorReturnsImmediately(t *testing.T) {
	calls := 0
	structural := errors.New("instance not found")
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return NewPermanent(structural)
	})
	assert.ErrorIs(t, err, structural)
	assert.Equal(t, 1, calls)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour, Multiplier: 1}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, policy, func() error {
			calls++
			return errBoom
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:  time.Second,
		Multiplier: 10,
		MaxDelay:   3 * time.Second,
	}
	assert.Equal(t, time.Second, policy.Delay(0))
	assert.Equal(t, 3*time.Second, policy.Delay(1))
	assert.Equal(t, 3*time.Second, policy.Delay(5))
}

func TestRetryPolicyJitterStaysNonNegative(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 1, Jitter: 1.0}
	for i := 0; i < 100; i++ {
		assert.GreaterOrEqual(t, policy.Delay(0), time.Duration(0))
	}
}
