/*
Package balancer implements the smart load-balancing algorithm for Conductor.

The balancer is deliberately storage-free. It answers three questions from
instance metrics alone and hands the answers to the orchestrator:

	┌──────────────────── BALANCER PIPELINE ────────────────────┐
	│                                                             │
	│  InstanceMetrics[]                                          │
	│        │                                                    │
	│        ▼                                                    │
	│  ShouldRebalance ──── cooldown + imbalance detection        │
	│        │                                                    │
	│        ▼                                                    │
	│  CalculateOptimalDistribution ── weighted shares,           │
	│        │                         largest-remainder rounding │
	│        ▼                                                    │
	│  GenerateRebalancePlan ── greedy overloaded/underloaded     │
	│        │                  pairing, min-move threshold       │
	│        ▼                                                    │
	│  ExecuteGradualMigration ── capped batches via a            │
	│                             caller-supplied migrate func    │
	└─────────────────────────────────────────────────────────────┘

# Imbalance Detection

Imbalance is flagged when the spread between the highest and lowest load
factor exceeds the configured threshold, or when any instance's stream count
sits further above the fleet average than the max stream difference allows.
Empty input and single-instance fleets are never imbalanced, and no code
path divides by zero.

# Target Distribution

Each instance's share blends three signals with configured weights summing
to 1.0: relative capacity, the performance score from its metrics, and an
inverse recent-failure factor. Raw shares are rounded with largest-remainder
apportionment, so targets always sum exactly to the requested total while
respecting every instance's MaxStreams. Instances with zero capacity are
excluded entirely.

# Execution Semantics

All computations are pure except the cooldown timestamp, which is updated
under a mutex when a rebalance actually moves streams. Execution is
best-effort: one failed migration is counted and logged, and the remaining
migrations still run.
*/
package balancer
