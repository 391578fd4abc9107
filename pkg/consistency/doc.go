/*
Package consistency verifies the stream assignment store against live
instance state and repairs the discrepancies it finds.

	┌──────────────── CONSISTENCY ENGINE ────────────────┐
	│                                                      │
	│  VerifyStreamAssignments                             │
	│    ├─ duplicates ── >1 active row per stream         │
	│    ├─ orphans ───── owner gone, inactive, or stale   │
	│    ├─ instance state ── stale heartbeat, counter     │
	│    │                    drift                        │
	│    └─ worker reports ── streams the store never saw  │
	│                                                      │
	│  ResolveConflicts / AutoRecoverInconsistencies       │
	│    orphaned ──→ reassign to pending                  │
	│    duplicate ─→ keep one winner, fail the rest       │
	│    missing ───→ report only, never adopt             │
	│                                                      │
	│  Monitor ── ticker, non-overlapping runs, optional   │
	│             auto-recovery, bounded report history    │
	└──────────────────────────────────────────────────────┘

# Scoring

The consistency score is 1.0 minus a severity-weighted penalty divided by
the number of streams checked, floored at zero. Duplicates are critical and
weigh the most; counter drift is low severity.

# Resolution Semantics

Duplicate resolution keeps the active row whose owning instance has the most
recent heartbeat, with ties broken by lowest server ID so the outcome is
deterministic. Losing rows are marked failed, their owners' counters
decremented, and the losing workers told to stop processing the stream.
Orphan resolution deletes the dead active row and re-creates the stream as
pending so the normal assignment flow picks it up.

Instance synchronization treats the worker itself as the source of truth
when its heartbeat has gone stale: an unreachable instance is marked failed,
a reachable one has its own assignment report fetched and is told to drop
streams it no longer owns here. The stream counter is always reconciled
against the actual active assignment rows.

Every non-critical issue key is attempted at most a configured number of
times. Critical issues bypass the cap: an unresolved duplicate means the
same stream is processed twice.

Worker-reported streams the store has no record of are surfaced as missing
issues with a recommendation; they are never silently adopted. The stream
intake path is the only way a stream record enters the system.

All repairs are idempotent. Re-running a recovery pass over an already
repaired state performs no further writes.
*/
package consistency
