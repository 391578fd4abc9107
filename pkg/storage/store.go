package storage

import (
	"errors"

	"github.com/audiomesh/conductor/pkg/types"
)

var (
	// ErrInstanceNotFound is returned when an instance ID has no record
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrAssignmentNotFound is returned when a stream has no assignment rows
	ErrAssignmentNotFound = errors.New("assignment not found")

	// ErrStreamExists is returned when creating a stream that already has rows
	ErrStreamExists = errors.New("stream already exists")
)

// Store is the persistence interface for the stream assignment state. It is
// the single writer-of-record: the balancer and the consistency checker only
// read it and propose changes that are applied back through these methods.
type Store interface {
	// Instance operations
	CreateInstance(instance *types.Instance) error
	GetInstance(serverID string) (*types.Instance, error)
	ListInstances() ([]*types.Instance, error)
	UpdateInstance(instance *types.Instance) error
	DeleteInstance(serverID string) error

	// Assignment operations
	CreateAssignment(assignment *types.StreamAssignment) error
	ListAssignments() ([]*types.StreamAssignment, error)
	ListAssignmentsByStream(streamID string) ([]*types.StreamAssignment, error)
	ListAssignmentsByInstance(serverID string) ([]*types.StreamAssignment, error)
	ListAssignmentsByStatus(status types.AssignmentStatus) ([]*types.StreamAssignment, error)
	UpdateAssignment(assignment *types.StreamAssignment) error
	DeleteAssignment(streamID, serverID string) error

	// ClaimStreams atomically assigns up to max pending streams to the given
	// instance, bounded by its available capacity, and bumps its counter.
	// Streams already claimed by another instance are skipped, not blocked on.
	ClaimStreams(serverID string, max int) ([]string, error)

	// ReleaseStreams atomically returns the given active streams owned by the
	// instance to the pending pool and decrements its counter. Stream IDs not
	// owned by the instance are ignored.
	ReleaseStreams(serverID string, streamIDs []string) ([]string, error)

	// ReleaseAllStreams force-releases every active stream owned by the
	// instance, setting each row to the given status and zeroing the counter.
	ReleaseAllStreams(serverID string, to types.AssignmentStatus) ([]string, error)

	// TransferStreams atomically moves up to count active streams from source
	// to target, respecting the target's capacity. Returns the moved IDs.
	TransferStreams(sourceID, targetID string, count int) ([]string, error)

	// Audit log
	AppendRebalanceRecord(result *types.RebalanceResult) error
	ListRebalanceHistory(limit int) ([]*types.RebalanceResult, error)
	SaveConsistencyReport(report *types.ConsistencyReport, keep int) error
	ListConsistencyReports(limit int) ([]*types.ConsistencyReport, error)

	Close() error
}
