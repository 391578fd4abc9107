/*
Package metrics provides Prometheus instrumentation and component health
tracking for Conductor.

Collectors cover the fleet (instance and stream gauges, utilization),
assignment flow (assigned/released/heartbeat counters), rebalancing
(executions, streams moved, duration), failure handling (failures by kind,
recovery attempts), consistency checking (score, issues by type, check
duration), the circuit breaker, and the API surface. All collectors are
registered in init and exposed through Handler at /metrics.

Component health is separate from Prometheus: components register and update
a simple healthy/unhealthy flag, and HealthHandler / ReadinessHandler serve
the aggregate as JSON for liveness and readiness probes. Readiness requires
the storage, orchestrator, and api components to have reported healthy.
*/
package metrics
