/*
Package types defines the core data model shared by all Conductor components.

The control plane tracks two persistent record kinds and several ephemeral
value types computed from them:

	┌──────────────────── DATA MODEL ────────────────────────┐
	│                                                          │
	│  Persistent (source of truth, bbolt-backed)              │
	│  ┌──────────────┐      ┌────────────────────┐           │
	│  │   Instance   │◄─────│  StreamAssignment  │           │
	│  │  server_id   │ owns │  stream_id          │           │
	│  │  max_streams │      │  server_id          │           │
	│  │  status      │      │  status             │           │
	│  └──────────────┘      └────────────────────┘           │
	│                                                          │
	│  Ephemeral (recomputed each cycle)                       │
	│  InstanceMetrics ── load factor, performance score       │
	│  RebalancePlan ──── ordered migrations                   │
	│  ConsistencyReport ─ issues + consistency score          │
	└──────────────────────────────────────────────────────────┘

# Invariants

Each stream has at most one assignment row with status "active", and every
active assignment refers to a live instance. Neither is guaranteed
instantaneously; the consistency checker restores them after drift.

An Instance's CurrentStreams is a denormalized count that must equal the
number of its active assignment rows. The checker's instance sync repairs
divergence.

# Derived Metrics

InstanceMetrics.LoadFactor is current/max streams, returning 0 when max is
zero so callers never divide by zero. PerformanceScore folds CPU, memory,
response-time, and failure signals into [0,1]; the load balancer weights it
against raw capacity when computing target distributions.
*/
package types
