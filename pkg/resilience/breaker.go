package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker for
// its resource is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState represents the state of one resource's breaker
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerSettings defines thresholds and timeouts
type BreakerSettings struct {
	FailureThreshold int           // consecutive failures to trip the breaker
	RecoveryTimeout  time.Duration // how long to stay open before probing
}

// breaker tracks one resource's failure state
type breaker struct {
	state     BreakerState
	failures  int
	openSince time.Time
}

// CircuitBreaker fail-fasts calls to repeatedly failing resources, keyed by
// resource name. Heartbeats and requests update counters concurrently, so
// all state lives behind one mutex.
type CircuitBreaker struct {
	settings BreakerSettings
	mu       sync.Mutex
	breakers map[string]*breaker
	now      func() time.Time
}

// NewCircuitBreaker creates a breaker registry with the given settings
func NewCircuitBreaker(settings BreakerSettings) *CircuitBreaker {
	return &CircuitBreaker{
		settings: settings,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// Execute runs fn guarded by the breaker for the named resource. While open,
// calls fail fast with ErrCircuitOpen without attempting fn. After the
// recovery timeout the breaker goes half-open and lets one probe through; a
// success closes it, a failure reopens it.
func (cb *CircuitBreaker) Execute(resource string, fn func() error) error {
	if err := cb.before(resource); err != nil {
		return err
	}

	err := fn()
	cb.after(resource, err == nil)
	return err
}

// State returns the current state for a resource
func (cb *CircuitBreaker) State(resource string) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b, ok := cb.breakers[resource]
	if !ok {
		return BreakerClosed
	}
	if b.state == BreakerOpen && cb.now().Sub(b.openSince) >= cb.settings.RecoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset clears the breaker for a resource back to closed
func (cb *CircuitBreaker) Reset(resource string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.breakers, resource)
}

func (cb *CircuitBreaker) before(resource string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b, ok := cb.breakers[resource]
	if !ok {
		b = &breaker{state: BreakerClosed}
		cb.breakers[resource] = b
	}

	if b.state == BreakerOpen {
		if cb.now().Sub(b.openSince) < cb.settings.RecoveryTimeout {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, resource)
		}
		b.state = BreakerHalfOpen
	}
	return nil
}

func (cb *CircuitBreaker) after(resource string, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b, ok := cb.breakers[resource]
	if !ok {
		return
	}

	if success {
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= cb.settings.FailureThreshold {
		b.state = BreakerOpen
		b.openSince = cb.now()
	}
}
