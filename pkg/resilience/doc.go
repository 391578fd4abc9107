/*
Package resilience provides the circuit-breaker and retry shim used by every
worker-facing and database-facing call in Conductor.

# Circuit Breaker

Breakers are keyed by resource name, so a flapping worker opens only its own
breaker, never the whole fleet's:

	cb := resilience.NewCircuitBreaker(resilience.BreakerSettings{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	})

	err := cb.Execute("worker:w1", func() error {
		return client.FetchState(ctx, "w1")
	})

State machine: closed -> open after N consecutive failures, open -> half-open
once the recovery timeout elapses, half-open -> closed on the next success
(or straight back to open on failure). Open breakers reject calls with
ErrCircuitOpen without attempting the underlying operation.

# Retry

Retry wraps transient operations in capped exponential backoff with jitter.
Structural errors are marked with NewPermanent so they surface immediately;
only unmarked errors consume attempts. Backoff sleeps observe the context,
so a shutdown never waits out a pending delay.
*/
package resilience
