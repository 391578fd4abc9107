package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/audiomesh/conductor/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketInstances          = []byte("instances")
	bucketAssignments        = []byte("stream_assignments")
	bucketRebalanceHistory   = []byte("rebalance_history")
	bucketConsistencyReports = []byte("consistency_reports")
)

// BoltStore implements Store using BoltDB. Bolt serializes Update
// transactions, which gives the claim/release/transfer primitives their
// atomicity: two concurrent claims can never both see the same spare
// capacity.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conductor.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketInstances,
			bucketAssignments,
			bucketRebalanceHistory,
			bucketConsistencyReports,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// assignmentKey builds the composite bucket key. Keying by stream and server
// lets duplicate active rows for one stream exist and be detected, which is
// exactly what the consistency checker looks for.
func assignmentKey(streamID, serverID string) []byte {
	return []byte(streamID + "/" + serverID)
}

// Instance operations

func (s *BoltStore) CreateInstance(instance *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putInstance(tx, instance)
	})
}

func (s *BoltStore) GetInstance(serverID string) (*types.Instance, error) {
	var instance types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(serverID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, serverID)
		}
		return json.Unmarshal(data, &instance)
	})
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *BoltStore) ListInstances() ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var instance types.Instance
			if err := json.Unmarshal(v, &instance); err != nil {
				return err
			}
			instances = append(instances, &instance)
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) UpdateInstance(instance *types.Instance) error {
	return s.CreateInstance(instance) // Same as create (upsert)
}

func (s *BoltStore) DeleteInstance(serverID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete([]byte(serverID))
	})
}

// Assignment operations

func (s *BoltStore) CreateAssignment(assignment *types.StreamAssignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putAssignment(tx, assignment)
	})
}

func (s *BoltStore) ListAssignments() ([]*types.StreamAssignment, error) {
	var assignments []*types.StreamAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		assignments, err = listAssignments(tx, func(*types.StreamAssignment) bool { return true })
		return err
	})
	return assignments, err
}

func (s *BoltStore) ListAssignmentsByStream(streamID string) ([]*types.StreamAssignment, error) {
	var assignments []*types.StreamAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		assignments, err = listAssignments(tx, func(a *types.StreamAssignment) bool {
			return a.StreamID == streamID
		})
		return err
	})
	return assignments, err
}

func (s *BoltStore) ListAssignmentsByInstance(serverID string) ([]*types.StreamAssignment, error) {
	var assignments []*types.StreamAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		assignments, err = listAssignments(tx, func(a *types.StreamAssignment) bool {
			return a.ServerID == serverID
		})
		return err
	})
	return assignments, err
}

func (s *BoltStore) ListAssignmentsByStatus(status types.AssignmentStatus) ([]*types.StreamAssignment, error) {
	var assignments []*types.StreamAssignment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		assignments, err = listAssignments(tx, func(a *types.StreamAssignment) bool {
			return a.Status == status
		})
		return err
	})
	return assignments, err
}

func (s *BoltStore) UpdateAssignment(assignment *types.StreamAssignment) error {
	return s.CreateAssignment(assignment)
}

func (s *BoltStore) DeleteAssignment(streamID, serverID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		key := assignmentKey(streamID, serverID)
		if b.Get(key) == nil {
			return fmt.Errorf("%w: %s on %s", ErrAssignmentNotFound, streamID, serverID)
		}
		return b.Delete(key)
	})
}

// ClaimStreams assigns up to max pending streams to the instance in a single
// transaction: capacity check, claim, counter bump. Streams whose only rows
// are active elsewhere are skipped.
func (s *BoltStore) ClaimStreams(serverID string, max int) ([]string, error) {
	var claimed []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		instance, err := getInstance(tx, serverID)
		if err != nil {
			return err
		}

		capacity := instance.MaxStreams - instance.CurrentStreams
		if capacity <= 0 {
			return nil
		}
		if max < capacity {
			capacity = max
		}

		pending, err := listAssignments(tx, func(a *types.StreamAssignment) bool {
			return a.Status == types.AssignmentStatusPending
		})
		if err != nil {
			return err
		}

		// A pending row whose stream is already active elsewhere is a
		// half-resolved duplicate. Skip it rather than creating a second
		// active owner.
		activeStreams := make(map[string]bool)
		active, err := listAssignments(tx, func(a *types.StreamAssignment) bool {
			return a.Status == types.AssignmentStatusActive
		})
		if err != nil {
			return err
		}
		for _, a := range active {
			activeStreams[a.StreamID] = true
		}

		now := time.Now()
		for _, a := range pending {
			if len(claimed) >= capacity {
				break
			}
			if activeStreams[a.StreamID] {
				continue
			}

			// Re-key the row under the claiming instance.
			if err := tx.Bucket(bucketAssignments).Delete(assignmentKey(a.StreamID, a.ServerID)); err != nil {
				return err
			}
			a.ServerID = serverID
			a.Status = types.AssignmentStatusActive
			a.AssignedAt = now
			a.UpdatedAt = now
			if err := putAssignment(tx, a); err != nil {
				return err
			}
			claimed = append(claimed, a.StreamID)
		}

		if len(claimed) > 0 {
			instance.CurrentStreams += len(claimed)
			instance.UpdatedAt = now
			if err := putInstance(tx, instance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseStreams returns the named active streams to the pending pool
func (s *BoltStore) ReleaseStreams(serverID string, streamIDs []string) ([]string, error) {
	var released []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		instance, err := getInstance(tx, serverID)
		if err != nil {
			return err
		}

		now := time.Now()
		for _, streamID := range streamIDs {
			b := tx.Bucket(bucketAssignments)
			data := b.Get(assignmentKey(streamID, serverID))
			if data == nil {
				continue
			}
			var a types.StreamAssignment
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			if a.Status != types.AssignmentStatusActive {
				continue
			}
			a.Status = types.AssignmentStatusPending
			a.UpdatedAt = now
			if err := putAssignment(tx, &a); err != nil {
				return err
			}
			released = append(released, streamID)
		}

		if len(released) > 0 {
			instance.CurrentStreams -= len(released)
			if instance.CurrentStreams < 0 {
				instance.CurrentStreams = 0
			}
			instance.UpdatedAt = now
			if err := putInstance(tx, instance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// ReleaseAllStreams force-releases everything the instance owns
func (s *BoltStore) ReleaseAllStreams(serverID string, to types.AssignmentStatus) ([]string, error) {
	var released []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		owned, err := listAssignments(tx, func(a *types.StreamAssignment) bool {
			return a.ServerID == serverID && a.Status == types.AssignmentStatusActive
		})
		if err != nil {
			return err
		}

		now := time.Now()
		for _, a := range owned {
			a.Status = to
			a.UpdatedAt = now
			if err := putAssignment(tx, a); err != nil {
				return err
			}
			released = append(released, a.StreamID)
		}

		// The instance row may already be gone; zero the counter when it
		// still exists.
		instance, err := getInstance(tx, serverID)
		if err == nil {
			instance.CurrentStreams = 0
			instance.UpdatedAt = now
			if err := putInstance(tx, instance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// TransferStreams moves up to count active streams from source to target in
// one transaction, bounded by the target's spare capacity
func (s *BoltStore) TransferStreams(sourceID, targetID string, count int) ([]string, error) {
	var moved []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		source, err := getInstance(tx, sourceID)
		if err != nil {
			return err
		}
		target, err := getInstance(tx, targetID)
		if err != nil {
			return err
		}

		capacity := target.MaxStreams - target.CurrentStreams
		if capacity < count {
			count = capacity
		}
		if count <= 0 {
			return nil
		}

		owned, err := listAssignments(tx, func(a *types.StreamAssignment) bool {
			return a.ServerID == sourceID && a.Status == types.AssignmentStatusActive
		})
		if err != nil {
			return err
		}

		now := time.Now()
		for _, a := range owned {
			if len(moved) >= count {
				break
			}
			if err := tx.Bucket(bucketAssignments).Delete(assignmentKey(a.StreamID, a.ServerID)); err != nil {
				return err
			}
			a.ServerID = targetID
			a.AssignedAt = now
			a.UpdatedAt = now
			if err := putAssignment(tx, a); err != nil {
				return err
			}
			moved = append(moved, a.StreamID)
		}

		if len(moved) > 0 {
			source.CurrentStreams -= len(moved)
			if source.CurrentStreams < 0 {
				source.CurrentStreams = 0
			}
			source.UpdatedAt = now
			target.CurrentStreams += len(moved)
			target.UpdatedAt = now
			if err := putInstance(tx, source); err != nil {
				return err
			}
			if err := putInstance(tx, target); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// Rebalance history (append-only audit log)

func (s *BoltStore) AppendRebalanceRecord(result *types.RebalanceResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRebalanceHistory)
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		key := auditKey(result.ExecutedAt)
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListRebalanceHistory(limit int) ([]*types.RebalanceResult, error) {
	var results []*types.RebalanceResult
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRebalanceHistory).Cursor()
		// Keys sort chronologically; walk backwards for most-recent-first.
		for k, v := c.Last(); k != nil && len(results) < limit; k, v = c.Prev() {
			var r types.RebalanceResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			results = append(results, &r)
		}
		return nil
	})
	return results, err
}

// Consistency reports (bounded most-recent-N history)

func (s *BoltStore) SaveConsistencyReport(report *types.ConsistencyReport, keep int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConsistencyReports)
		data, err := json.Marshal(report)
		if err != nil {
			return err
		}
		if err := b.Put(auditKey(report.CheckedAt), data); err != nil {
			return err
		}

		// Prune oldest entries beyond the retention bound. Deleting through
		// the cursor keeps its position valid while iterating.
		count := b.Stats().KeyN + 1
		c := b.Cursor()
		for k, _ := c.First(); k != nil && count > keep; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			count--
		}
		return nil
	})
}

func (s *BoltStore) ListConsistencyReports(limit int) ([]*types.ConsistencyReport, error) {
	var reports []*types.ConsistencyReport
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConsistencyReports).Cursor()
		for k, v := c.Last(); k != nil && len(reports) < limit; k, v = c.Prev() {
			var r types.ConsistencyReport
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			reports = append(reports, &r)
		}
		return nil
	})
	return reports, err
}

// Transaction-scoped helpers

func getInstance(tx *bolt.Tx, serverID string) (*types.Instance, error) {
	data := tx.Bucket(bucketInstances).Get([]byte(serverID))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, serverID)
	}
	var instance types.Instance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

func putInstance(tx *bolt.Tx, instance *types.Instance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketInstances).Put([]byte(instance.ServerID), data)
}

func putAssignment(tx *bolt.Tx, a *types.StreamAssignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketAssignments).Put(assignmentKey(a.StreamID, a.ServerID), data)
}

func listAssignments(tx *bolt.Tx, match func(*types.StreamAssignment) bool) ([]*types.StreamAssignment, error) {
	var assignments []*types.StreamAssignment
	err := tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
		var a types.StreamAssignment
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		if match(&a) {
			assignments = append(assignments, &a)
		}
		return nil
	})
	return assignments, err
}

func auditKey(ts time.Time) []byte {
	return []byte(ts.UTC().Format(time.RFC3339Nano) + "/" + uuid.New().String())
}
