package storage

import (
	"testing"
	"time"

	"github.com/audiomesh/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addInstance(t *testing.T, store *BoltStore, id string, max, current int) {
	t.Helper()
	require.NoError(t, store.CreateInstance(&types.Instance{
		ServerID:       id,
		IP:             "10.0.0.1",
		Port:           9000,
		MaxStreams:     max,
		CurrentStreams: current,
		Status:         types.InstanceStatusActive,
		LastHeartbeat:  time.Now(),
	}))
}

func addPendingStream(t *testing.T, store *BoltStore, streamID string) {
	t.Helper()
	require.NoError(t, store.CreateAssignment(&types.StreamAssignment{
		StreamID:   streamID,
		ServerID:   "",
		Status:     types.AssignmentStatusPending,
		AssignedAt: time.Now(),
	}))
}

func TestInstanceCRUD(t *testing.T) {
	store := newTestStore(t)

	addInstance(t, store, "w1", 10, 0)

	got, err := store.GetInstance("w1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.MaxStreams)

	got.Status = types.InstanceStatusMaintenance
	require.NoError(t, store.UpdateInstance(got))

	got, err = store.GetInstance("w1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusMaintenance, got.Status)

	require.NoError(t, store.DeleteInstance("w1"))
	_, err = store.GetInstance("w1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestGetInstanceNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetInstance("missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestClaimStreamsRespectsCapacity(t *testing.T) {
	store := newTestStore(t)
	addInstance(t, store, "w1", 3, 1)
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		addPendingStream(t, store, id)
	}

	claimed, err := store.ClaimStreams("w1", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2) // capacity 3, already holding 1

	instance, err := store.GetInstance("w1")
	require.NoError(t, err)
	assert.Equal(t, 3, instance.CurrentStreams)

	// Full instance claims nothing.
	claimed, err = store.ClaimStreams("w1", 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimStreamsRespectsRequestedCount(t *testing.T) {
	store := newTestStore(t)
	addInstance(t, store, "w1", 10, 0)
	for _, id := range []string{"s1", "s2", "s3"} {
		addPendingStream(t, store, id)
	}

	claimed, err := store.ClaimStreams("w1", 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestClaimSkipsStreamsActiveElsewhere(t *testing.T) {
	store := newTestStore(t)
	addInstance(t, store, "w1", 10, 0)

	// s1 pending but also active on w2: a half-resolved duplicate.
	addPendingStream(t, store, "s1")
	require.NoError(t, store.CreateAssignment(&types.StreamAssignment{
		StreamID: "s1", ServerID: "w2", Status: types.AssignmentStatusActive,
	}))
	addPendingStream(t, store, "s2")

	claimed, err := store.ClaimStreams("w1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, claimed)
}

func TestClaimUnknownInstance(t *testing.T) {
	store := newTestStore(t)
	_, err := store.ClaimStreams("ghost", 5)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestAssignReleaseRoundTrip(t *testing.T) {
	store := newTestStore(t)
	addInstance(t, store, "w1", 10, 0)
	for _, id := range []string{"s1", "s2", "s3"} {
		addPendingStream(t, store, id)
	}

	claimed, err := store.ClaimStreams("w1", 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	released, err := store.ReleaseStreams("w1", claimed)
	require.NoError(t, err)
	assert.Len(t, released, 3)

	instance, err := store.GetInstance("w1")
	require.NoError(t, err)
	assert.Equal(t, 0, instance.CurrentStreams)

	pending, err := store.ListAssignmentsByStatus(types.AssignmentStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestReleaseIgnoresUnownedStreams(t *testing.T) {
	store := newTestStore(t)
	addInstance(t, store, "w1", 10, 0)
	addPendingStream(t, store, "s1")

	released, err := store.ReleaseStreams("w1", []string{"s1", "never-assigned"})
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestReleaseAllStreams(t *testing.T) {
	store := newTestStore(t)
	addInstance(t, store, "w1", 10, 0)
	for _, id := range []string{"s1", "s2"} {
		addPendingStream(t, store, id)
	}
	_, err := store.ClaimStreams("w1", 2)
	require.NoError(t, err)

	released, err := store.ReleaseAllStreams("w1", types.AssignmentStatusPending)
	require.NoError(t, err)
	assert.Len(t, released, 2)

	instance, err := store.GetInstance("w1")
	require.NoError(t, err)
	assert.Equal(t, 0, instance.CurrentStreams)

	active, err := store.ListAssignmentsByStatus(types.AssignmentStatusActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestTransferStreamsBoundedByTargetCapacity(t *testing.T) {
	store := newTestStore(t)
	addInstance(t, store, "w1", 10, 0)
	addInstance(t, store, "w2", 3, 1)
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		addPendingStream(t, store, id)
	}
	_, err := store.ClaimStreams("w1", 5)
	require.NoError(t, err)

	moved, err := store.TransferStreams("w1", "w2", 4)
	require.NoError(t, err)
	assert.Len(t, moved, 2) // w2 only has room for 2

	w1, err := store.GetInstance("w1")
	require.NoError(t, err)
	w2, err := store.GetInstance("w2")
	require.NoError(t, err)
	assert.Equal(t, 3, w1.CurrentStreams)
	assert.Equal(t, 3, w2.CurrentStreams)

	owned, err := store.ListAssignmentsByInstance("w2")
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestRebalanceHistoryMostRecentFirst(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendRebalanceRecord(&types.RebalanceResult{
			Success:      true,
			StreamsMoved: i,
			ExecutedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	results, err := store.ListRebalanceHistory(2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].StreamsMoved)
	assert.Equal(t, 1, results[1].StreamsMoved)
}

func TestConsistencyReportPruning(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveConsistencyReport(&types.ConsistencyReport{
			ID:             "r",
			CheckedAt:      base.Add(time.Duration(i) * time.Minute),
			StreamsChecked: i,
		}, 3))
	}

	reports, err := store.ListConsistencyReports(10)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	// Oldest rows pruned, newest retained.
	assert.Equal(t, 4, reports[0].StreamsChecked)
	assert.Equal(t, 2, reports[2].StreamsChecked)
}

func TestConsistencyReportPruningManyAtOnce(t *testing.T) {
	store := newTestStore(t)

	// Build up a long history, then drop the retention bound so one save has
	// to prune many rows in a single transaction.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 199; i++ {
		require.NoError(t, store.SaveConsistencyReport(&types.ConsistencyReport{
			ID:             "r",
			CheckedAt:      base.Add(time.Duration(i) * time.Second),
			StreamsChecked: i,
		}, 500))
	}
	require.NoError(t, store.SaveConsistencyReport(&types.ConsistencyReport{
		ID:             "r",
		CheckedAt:      base.Add(199 * time.Second),
		StreamsChecked: 199,
	}, 10))

	reports, err := store.ListConsistencyReports(500)
	require.NoError(t, err)
	require.Len(t, reports, 10)
	assert.Equal(t, 199, reports[0].StreamsChecked)
	assert.Equal(t, 190, reports[9].StreamsChecked)
}

func TestDeleteAssignmentMissingRow(t *testing.T) {
	store := newTestStore(t)
	addInstance(t, store, "w1", 10, 0)
	addPendingStream(t, store, "s1")

	err := store.DeleteAssignment("s1", "w2")
	assert.ErrorIs(t, err, ErrAssignmentNotFound)

	// Pending rows are keyed with an empty owner.
	require.NoError(t, store.DeleteAssignment("s1", ""))
	rows, err := store.ListAssignmentsByStream("s1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
