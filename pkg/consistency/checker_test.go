package consistency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiomesh/conductor/pkg/client"
	"github.com/audiomesh/conductor/pkg/config"
	"github.com/audiomesh/conductor/pkg/events"
	"github.com/audiomesh/conductor/pkg/resilience"
	"github.com/audiomesh/conductor/pkg/storage"
	"github.com/audiomesh/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChecker(t *testing.T) (*Checker, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	workers := client.NewWorkerClient(resilience.NewCircuitBreaker(resilience.BreakerSettings{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	}))

	return New(cfg.Consistency, store, workers, events.NewBroker()), store
}

// startWorker runs a fake worker that reports the given stream IDs
func startWorker(t *testing.T, streamIDs []string) (string, int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/assignments" {
			json.NewEncoder(w).Encode(map[string]any{"stream_ids": streamIDs})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(host, ":")
	require.Len(t, parts, 2)
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)
	return parts[0], port
}

// startRecordingWorker runs a fake worker that reports the given stream IDs
// and records every release it is asked to perform
func startRecordingWorker(t *testing.T, streamIDs []string) (string, int, func() []string) {
	t.Helper()

	var mu sync.Mutex
	var released []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/assignments":
			json.NewEncoder(w).Encode(map[string]any{"stream_ids": streamIDs})
		case "/v1/streams/release":
			var req struct {
				StreamIDs []string `json:"stream_ids"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			mu.Lock()
			released = append(released, req.StreamIDs...)
			mu.Unlock()
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(host, ":")
	require.Len(t, parts, 2)
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), released...)
	}
	return parts[0], port, snapshot
}

func addWorkerInstance(t *testing.T, store storage.Store, id string, current int, heartbeat time.Time, reported []string) {
	t.Helper()
	ip, port := startWorker(t, reported)
	require.NoError(t, store.CreateInstance(&types.Instance{
		ServerID:       id,
		IP:             ip,
		Port:           port,
		MaxStreams:     10,
		CurrentStreams: current,
		Status:         types.InstanceStatusActive,
		LastHeartbeat:  heartbeat,
	}))
}

func addActiveRow(t *testing.T, store storage.Store, streamID, serverID string) {
	t.Helper()
	require.NoError(t, store.CreateAssignment(&types.StreamAssignment{
		StreamID:   streamID,
		ServerID:   serverID,
		Status:     types.AssignmentStatusActive,
		AssignedAt: time.Now(),
	}))
}

func TestVerifyCleanState(t *testing.T) {
	checker, store := newTestChecker(t)
	addWorkerInstance(t, store, "w1", 1, time.Now(), []string{"s1"})
	addActiveRow(t, store, "s1", "w1")

	report, err := checker.VerifyStreamAssignments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.IssueCount())
	assert.Equal(t, 1.0, report.ConsistencyScore)
	assert.Equal(t, 1, report.StreamsChecked)
	assert.Equal(t, 1, report.InstancesChecked)
	assert.Empty(t, report.Recommendations)
}

func TestVerifyDetectsDuplicate(t *testing.T) {
	checker, store := newTestChecker(t)
	addWorkerInstance(t, store, "w1", 1, time.Now().Add(-time.Minute), []string{"42"})
	addWorkerInstance(t, store, "w2", 1, time.Now(), []string{"42"})
	addActiveRow(t, store, "42", "w1")
	addActiveRow(t, store, "42", "w2")

	report, err := checker.VerifyStreamAssignments(context.Background())
	require.NoError(t, err)

	require.Len(t, report.StreamIssues, 1)
	issue := report.StreamIssues[0]
	assert.Equal(t, types.IssueTypeDuplicate, issue.IssueType)
	assert.Equal(t, types.SeverityCritical, issue.Severity)
	assert.Equal(t, "42", issue.StreamID)
	assert.Equal(t, []string{"w1", "w2"}, issue.WorkerAssignments)
	assert.Less(t, report.ConsistencyScore, 1.0)
	assert.NotEmpty(t, report.Recommendations)
}

func TestResolveDuplicateKeepsMostRecentHeartbeat(t *testing.T) {
	checker, store := newTestChecker(t)
	// w2 heartbeat-confirmed more recently, so it wins.
	addWorkerInstance(t, store, "w1", 1, time.Now().Add(-time.Minute), nil)
	addWorkerInstance(t, store, "w2", 1, time.Now(), nil)
	addActiveRow(t, store, "42", "w1")
	addActiveRow(t, store, "42", "w2")

	results := checker.ResolveConflicts(context.Background(), []types.StreamAssignmentIssue{{
		StreamID:  "42",
		IssueType: types.IssueTypeDuplicate,
		Severity:  types.SeverityCritical,
	}})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, types.RecoveryActionResolveConflict, results[0].Action)

	rows, err := store.ListAssignmentsByStream("42")
	require.NoError(t, err)
	var activeOn []string
	for _, row := range rows {
		if row.Status == types.AssignmentStatusActive {
			activeOn = append(activeOn, row.ServerID)
		}
	}
	assert.Equal(t, []string{"w2"}, activeOn)

	// The loser's counter comes down with its demoted row.
	w1, err := store.GetInstance("w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w1.CurrentStreams)
}

func TestResolveDuplicateTieBreaksOnLowestServerID(t *testing.T) {
	checker, store := newTestChecker(t)
	hb := time.Now().Truncate(time.Second)
	addWorkerInstance(t, store, "w2", 1, hb, nil)
	addWorkerInstance(t, store, "w1", 1, hb, nil)
	addActiveRow(t, store, "42", "w1")
	addActiveRow(t, store, "42", "w2")

	results := checker.ResolveConflicts(context.Background(), []types.StreamAssignmentIssue{{
		StreamID:  "42",
		IssueType: types.IssueTypeDuplicate,
		Severity:  types.SeverityCritical,
	}})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	rows, err := store.ListAssignmentsByStream("42")
	require.NoError(t, err)
	for _, row := range rows {
		if row.Status == types.AssignmentStatusActive {
			assert.Equal(t, "w1", row.ServerID)
		}
	}
}

func TestResolveDuplicateNotifiesLosingWorker(t *testing.T) {
	checker, store := newTestChecker(t)

	ip, port, released := startRecordingWorker(t, nil)
	require.NoError(t, store.CreateInstance(&types.Instance{
		ServerID:       "w1",
		IP:             ip,
		Port:           port,
		MaxStreams:     10,
		CurrentStreams: 1,
		Status:         types.InstanceStatusActive,
		LastHeartbeat:  time.Now().Add(-time.Minute),
	}))
	addWorkerInstance(t, store, "w2", 1, time.Now(), nil)
	addActiveRow(t, store, "42", "w1")
	addActiveRow(t, store, "42", "w2")

	results := checker.ResolveConflicts(context.Background(), []types.StreamAssignmentIssue{{
		StreamID:  "42",
		IssueType: types.IssueTypeDuplicate,
		Severity:  types.SeverityCritical,
	}})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	// The losing worker is told to stop processing the stream it lost.
	assert.Equal(t, []string{"42"}, released())
}

func TestVerifyDetectsOrphanMissingOwner(t *testing.T) {
	checker, store := newTestChecker(t)
	addActiveRow(t, store, "s1", "ghost")

	report, err := checker.VerifyStreamAssignments(context.Background())
	require.NoError(t, err)

	require.Len(t, report.StreamIssues, 1)
	issue := report.StreamIssues[0]
	assert.Equal(t, types.IssueTypeOrphaned, issue.IssueType)
	assert.Equal(t, types.SeverityHigh, issue.Severity)
	assert.Equal(t, "ghost", issue.OrchestratorAssignment)
}

func TestVerifyDetectsOrphanStaleOwner(t *testing.T) {
	checker, store := newTestChecker(t)
	addWorkerInstance(t, store, "w1", 1, time.Now().Add(-10*time.Minute), []string{"s1"})
	addActiveRow(t, store, "s1", "w1")

	report, err := checker.VerifyStreamAssignments(context.Background())
	require.NoError(t, err)

	require.Len(t, report.StreamIssues, 1)
	assert.Equal(t, types.IssueTypeOrphaned, report.StreamIssues[0].IssueType)
	assert.Equal(t, types.SeverityMedium, report.StreamIssues[0].Severity)

	// The stale heartbeat also surfaces as an instance issue.
	require.Len(t, report.InstanceIssues, 1)
	assert.Equal(t, "w1", report.InstanceIssues[0].InstanceID)
}

func TestResolveOrphanedReturnsStreamToPending(t *testing.T) {
	checker, store := newTestChecker(t)
	addActiveRow(t, store, "s1", "ghost")

	results := checker.ResolveConflicts(context.Background(), []types.StreamAssignmentIssue{{
		StreamID:  "s1",
		IssueType: types.IssueTypeOrphaned,
		Severity:  types.SeverityHigh,
	}})
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, types.RecoveryActionReassign, results[0].Action)

	pending, err := store.ListAssignmentsByStatus(types.AssignmentStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].StreamID)

	active, err := store.ListAssignmentsByStatus(types.AssignmentStatusActive)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestVerifyDetectsMissingStream(t *testing.T) {
	checker, store := newTestChecker(t)
	addWorkerInstance(t, store, "w1", 0, time.Now(), []string{"phantom"})

	report, err := checker.VerifyStreamAssignments(context.Background())
	require.NoError(t, err)

	require.Len(t, report.StreamIssues, 1)
	issue := report.StreamIssues[0]
	assert.Equal(t, types.IssueTypeMissing, issue.IssueType)
	assert.Equal(t, "phantom", issue.StreamID)
	assert.Equal(t, []string{"w1"}, issue.WorkerAssignments)

	// Missing streams are never adopted automatically.
	results := checker.ResolveConflicts(context.Background(), report.StreamIssues)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)

	rows, err := store.ListAssignmentsByStream("phantom")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestVerifyDetectsCounterDrift(t *testing.T) {
	checker, store := newTestChecker(t)
	addWorkerInstance(t, store, "w1", 5, time.Now(), []string{"s1"})
	addActiveRow(t, store, "s1", "w1")

	report, err := checker.VerifyStreamAssignments(context.Background())
	require.NoError(t, err)

	require.Len(t, report.InstanceIssues, 1)
	assert.Equal(t, types.SeverityLow, report.InstanceIssues[0].Severity)
}

func TestSynchronizeInstanceState(t *testing.T) {
	checker, store := newTestChecker(t)
	addWorkerInstance(t, store, "w1", 5, time.Now(), nil)
	addActiveRow(t, store, "s1", "w1")

	result, err := checker.SynchronizeInstanceState(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, types.RecoveryActionSync, result.Action)

	instance, err := store.GetInstance("w1")
	require.NoError(t, err)
	assert.Equal(t, 1, instance.CurrentStreams)

	// Already consistent: a no-op, still successful.
	result, err = checker.SynchronizeInstanceState(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestSynchronizeStaleUnreachableInstanceMarkedFailed(t *testing.T) {
	checker, store := newTestChecker(t)

	// Stale heartbeat and nothing listening on the address.
	require.NoError(t, store.CreateInstance(&types.Instance{
		ServerID:       "w1",
		IP:             "127.0.0.1",
		Port:           1,
		MaxStreams:     10,
		CurrentStreams: 3,
		Status:         types.InstanceStatusActive,
		LastHeartbeat:  time.Now().Add(-10 * time.Minute),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	result, err := checker.SynchronizeInstanceState(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "unreachable")

	instance, err := store.GetInstance("w1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusFailed, instance.Status)
	assert.Equal(t, 1, instance.FailureCount)
}

func TestSynchronizeStaleReachableInstanceReconciled(t *testing.T) {
	checker, store := newTestChecker(t)

	// The worker reports one stream this control plane never assigned it.
	ip, port, released := startRecordingWorker(t, []string{"s1", "rogue"})
	require.NoError(t, store.CreateInstance(&types.Instance{
		ServerID:       "w1",
		IP:             ip,
		Port:           port,
		MaxStreams:     10,
		CurrentStreams: 5,
		Status:         types.InstanceStatusActive,
		LastHeartbeat:  time.Now().Add(-10 * time.Minute),
	}))
	addActiveRow(t, store, "s1", "w1")

	result, err := checker.SynchronizeInstanceState(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Reachable, so it stays active with its counter reconciled, and was
	// told to drop the stream it no longer owns here.
	instance, err := store.GetInstance("w1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusActive, instance.Status)
	assert.Equal(t, 1, instance.CurrentStreams)
	assert.Equal(t, []string{"rogue"}, released())
}

func TestSynchronizeUnknownInstanceFailsExplicitly(t *testing.T) {
	checker, _ := newTestChecker(t)

	_, err := checker.SynchronizeInstanceState(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrInstanceNotFound)
}

func TestAttemptCapExhaustsNonCritical(t *testing.T) {
	checker, _ := newTestChecker(t)
	checker.cfg.RecoveryAttempts = 2

	// Missing issues always fail to resolve, so they burn through the cap.
	issue := types.StreamAssignmentIssue{
		StreamID:  "phantom",
		IssueType: types.IssueTypeMissing,
		Severity:  types.SeverityMedium,
	}

	for i := 0; i < 2; i++ {
		result := checker.resolveIssue(context.Background(), issue)
		assert.False(t, result.Success)
		assert.NotContains(t, result.Message, ErrRecoveryExhausted.Error())
	}

	result := checker.resolveIssue(context.Background(), issue)
	assert.Contains(t, result.Message, ErrRecoveryExhausted.Error())
}

func TestCriticalSeverityBypassesAttemptCap(t *testing.T) {
	checker, store := newTestChecker(t)
	checker.cfg.RecoveryAttempts = 1

	addWorkerInstance(t, store, "w1", 1, time.Now().Add(-time.Minute), nil)
	addWorkerInstance(t, store, "w2", 1, time.Now(), nil)
	addActiveRow(t, store, "42", "w1")
	addActiveRow(t, store, "42", "w2")

	issue := types.StreamAssignmentIssue{
		StreamID:  "42",
		IssueType: types.IssueTypeDuplicate,
		Severity:  types.SeverityCritical,
	}

	// Burn the cap with an unrelated key, then confirm critical issues are
	// still attempted.
	checker.attempts["duplicate:42"] = 10

	result := checker.resolveIssue(context.Background(), issue)
	assert.True(t, result.Success)
}

func TestAutoRecoverIdempotent(t *testing.T) {
	checker, store := newTestChecker(t)
	addWorkerInstance(t, store, "w1", 1, time.Now().Add(-time.Minute), nil)
	addWorkerInstance(t, store, "w2", 1, time.Now(), nil)
	addActiveRow(t, store, "42", "w1")
	addActiveRow(t, store, "42", "w2")

	report, err := checker.VerifyStreamAssignments(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, len(report.StreamIssues))

	results := checker.AutoRecoverInconsistencies(context.Background(), report)
	assert.NotEmpty(t, results)

	// A second verification finds a clean state, and a second recovery pass
	// changes nothing.
	report, err = checker.VerifyStreamAssignments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.StreamIssues)

	results = checker.AutoRecoverInconsistencies(context.Background(), report)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestMonitorRunOnce(t *testing.T) {
	checker, store := newTestChecker(t)
	addActiveRow(t, store, "s1", "ghost")

	cfg := config.Default().Consistency
	monitor := NewMonitor(cfg, checker)

	require.True(t, monitor.RunOnce(context.Background()))

	// Auto-recovery is on by default, so the orphan is repaired in the pass.
	pending, err := store.ListAssignmentsByStatus(types.AssignmentStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// And the report landed in the bounded history.
	reports, err := store.ListConsistencyReports(10)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}
