package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(BreakerSettings{
		FailureThreshold: threshold,
		RecoveryTimeout:  timeout,
	})
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute("db", func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, BreakerOpen, cb.State("db"))

	// Open breaker fails fast without calling fn.
	called := false
	err := cb.Execute("db", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb, now := newTestBreaker(1, 30*time.Second)

	require.Error(t, cb.Execute("worker:w1", func() error { return errBoom }))
	assert.Equal(t, BreakerOpen, cb.State("worker:w1"))

	*now = now.Add(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, cb.State("worker:w1"))

	// Successful probe closes the breaker.
	assert.NoError(t, cb.Execute("worker:w1", func() error { return nil }))
	assert.Equal(t, BreakerClosed, cb.State("worker:w1"))
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb, now := newTestBreaker(1, 30*time.Second)

	require.Error(t, cb.Execute("worker:w2", func() error { return errBoom }))
	*now = now.Add(time.Minute)

	assert.Error(t, cb.Execute("worker:w2", func() error { return errBoom }))
	assert.Equal(t, BreakerOpen, cb.State("worker:w2"))
}

func TestBreakerKeysAreIndependent(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)

	require.Error(t, cb.Execute("worker:w1", func() error { return errBoom }))
	assert.Equal(t, BreakerOpen, cb.State("worker:w1"))
	assert.Equal(t, BreakerClosed, cb.State("worker:w2"))

	assert.NoError(t, cb.Execute("worker:w2", func() error { return nil }))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	require.Error(t, cb.Execute("db", func() error { return errBoom }))
	require.Error(t, cb.Execute("db", func() error { return errBoom }))
	require.NoError(t, cb.Execute("db", func() error { return nil }))

	// Two more failures should not trip the threshold of three.
	require.Error(t, cb.Execute("db", func() error { return errBoom }))
	require.Error(t, cb.Execute("db", func() error { return errBoom }))
	assert.Equal(t, BreakerClosed, cb.State("db"))
}

func TestBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)

	require.Error(t, cb.Execute("db", func() error { return errBoom }))
	assert.Equal(t, BreakerOpen, cb.State("db"))

	cb.Reset("db")
	assert.Equal(t, BreakerClosed, cb.State("db"))
}
