/*
Package client provides the HTTP client Conductor uses to talk to worker
instances.

Workers expose a small HTTP surface (/v1/assignments, /v1/streams/release,
/healthz). The client wraps every call in the per-worker circuit breaker and
the transient-error retry policy from the resilience package: a worker that
stops answering opens only its own breaker, subsequent calls to it fail fast
with ErrCircuitOpen, and the control loops that poll the fleet keep their
cadence instead of stacking up timeouts.
*/
package client
