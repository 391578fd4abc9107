/*
Package orchestrator is the coordination core of Conductor. It owns the
instance lifecycle, the stream assignment flow, and all recovery paths, and
it is the only component that executes balancer plans against the store.

	┌───────────────────── ORCHESTRATOR ─────────────────────┐
	│                                                          │
	│  RegisterInstance ── idempotent upsert + initial claim   │
	│  ProcessHeartbeat ── liveness + correction instructions  │
	│  AssignStreams ───── transactional claim from pending    │
	│  ReleaseStreams ──── active → pending                    │
	│  TriggerRebalance ── balancer plan → store transfers     │
	│                                                          │
	│  background monitors (ticker + stop channel):            │
	│    heartbeatMonitor ── warning / timeout / emergency     │
	│    healthMonitor ───── fleet gauges + system health      │
	│    recoveryMonitor ─── bounded, backed-off ping probes   │
	└──────────────────────────────────────────────────────────┘

# Instance State Machine

Heartbeat age drives transitions. An active instance whose heartbeat is late
past the warning threshold becomes recovering; past the timeout threshold it
is failed and its streams are released and redistributed; past the emergency
threshold the full emergency pipeline runs. A failed instance that reports in
again becomes recovering, and the recovery monitor probes it with
exponentially backed-off attempts before promoting it back to active.
Maintenance instances are exempt from liveness checks.

# Failure Handling

Graceful failure releases the instance's streams to the pending pool, then
redistributes them: first along the balancer's optimal distribution, then
round-robin over remaining spare capacity. Streams that cannot be placed stay
pending and are picked up by later registrations, heartbeat pull hints, or
the next recovery pass.

Emergency recovery is a four-step best-effort pipeline: force-release the
instance's assignments, redistribute the pending backlog, run a consistency
verification with auto-recovery, and reset the instance's counters. A failing
step is logged and the pipeline continues.

# Health Derivation

System health is derived from counts alone: emergency when no instance is
active, critical below half the fleet active, degraded below 80% active, at
over 90% utilization, or within an hour of a critical failure.
*/
package orchestrator
