/*
Package storage provides persistent state management for Conductor using BoltDB.

The store is the single source of truth for instance and stream-assignment
records. All other components either read it or apply changes through it;
nothing mutates assignment state outside a store transaction.

# Buckets

	instances            server_id -> Instance (JSON)
	stream_assignments   stream_id/server_id -> StreamAssignment (JSON)
	rebalance_history    timestamp/uuid -> RebalanceResult (append-only)
	consistency_reports  timestamp/uuid -> ConsistencyReport (bounded)

Assignments are keyed by the composite stream_id/server_id so a stream can
transiently hold rows on more than one instance. That is deliberate: the
consistency checker detects exactly this duplicate-active condition and
resolves it, which requires the store to be able to represent it.

# Transactional Primitives

Beyond plain CRUD, the store exposes ClaimStreams, ReleaseStreams,
ReleaseAllStreams, and TransferStreams. Each runs as one BoltDB Update
transaction covering the capacity check, the row changes, and the
denormalized counter update. Bolt serializes writers, so two concurrent
claims can never both observe the same spare capacity, and a stream mid-
transfer in one transaction is simply not visible as claimable to the next.
This is the skip-rather-than-block behavior the assignment path relies on.

# History Retention

Rebalance results are append-only audit rows. Consistency reports keep only
the most recent N (configured); SaveConsistencyReport prunes older rows in
the same transaction that writes the new one.
*/
package storage
