package consistency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/audiomesh/conductor/pkg/client"
	"github.com/audiomesh/conductor/pkg/config"
	"github.com/audiomesh/conductor/pkg/events"
	"github.com/audiomesh/conductor/pkg/log"
	"github.com/audiomesh/conductor/pkg/metrics"
	"github.com/audiomesh/conductor/pkg/storage"
	"github.com/audiomesh/conductor/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// severity penalty weights for the consistency score. Duplicates carry the
// heaviest penalty: an unresolved duplicate means double processing.
var severityWeight = map[types.Severity]float64{
	types.SeverityLow:      0.5,
	types.SeverityMedium:   1.0,
	types.SeverityHigh:     2.0,
	types.SeverityCritical: 3.0,
}

// Checker verifies the stream assignment store against live instance state
// and repairs the discrepancies it finds.
type Checker struct {
	cfg     config.ConsistencyConfig
	store   storage.Store
	workers *client.WorkerClient
	broker  *events.Broker
	logger  zerolog.Logger

	mu       sync.Mutex
	attempts map[string]int

	now func() time.Time
}

// New creates a consistency checker
func New(cfg config.ConsistencyConfig, store storage.Store, workers *client.WorkerClient, broker *events.Broker) *Checker {
	return &Checker{
		cfg:      cfg,
		store:    store,
		workers:  workers,
		broker:   broker,
		logger:   log.WithComponent("consistency"),
		attempts: make(map[string]int),
		now:      time.Now,
	}
}

// VerifyStreamAssignments runs a full scan comparing assignment rows against
// instance liveness and the workers' own reports. The resulting report is
// persisted in the bounded history.
func (c *Checker) VerifyStreamAssignments(ctx context.Context) (*types.ConsistencyReport, error) {
	start := c.now()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConsistencyCheckDuration)
	metrics.ConsistencyChecksTotal.Inc()

	instances, err := c.store.ListInstances()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	assignments, err := c.store.ListAssignments()
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}

	byID := make(map[string]*types.Instance, len(instances))
	for _, instance := range instances {
		byID[instance.ServerID] = instance
	}

	report := &types.ConsistencyReport{
		ID:               uuid.New().String(),
		CheckedAt:        start,
		InstancesChecked: len(instances),
	}

	activeByStream := c.collectActiveRows(assignments)
	report.StreamsChecked = len(activeByStream)

	c.checkDuplicates(report, activeByStream)
	c.checkOrphans(report, activeByStream, byID)
	c.checkInstanceState(report, instances, assignments)
	c.checkWorkerReports(ctx, report, instances, byID, activeByStream)

	report.ConsistencyScore = c.score(report)
	report.Recommendations = c.recommendations(report)
	report.DurationMs = c.now().Sub(start).Milliseconds()

	c.exportMetrics(report)

	if report.IssueCount() > 0 {
		c.logger.Warn().
			Int("stream_issues", len(report.StreamIssues)).
			Int("instance_issues", len(report.InstanceIssues)).
			Float64("score", report.ConsistencyScore).
			Msg("consistency issues found")
		c.broker.Publish(events.New(events.EventConsistencyIssues,
			fmt.Sprintf("%d consistency issues found", report.IssueCount()), nil))
	}

	if err := c.store.SaveConsistencyReport(report, c.cfg.HistorySize); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist consistency report")
	}

	return report, nil
}

// collectActiveRows groups active assignment rows by stream ID
func (c *Checker) collectActiveRows(assignments []*types.StreamAssignment) map[string][]*types.StreamAssignment {
	active := make(map[string][]*types.StreamAssignment)
	for _, a := range assignments {
		if a.Status == types.AssignmentStatusActive {
			active[a.StreamID] = append(active[a.StreamID], a)
		}
	}
	return active
}

// checkDuplicates flags streams with more than one active row
func (c *Checker) checkDuplicates(report *types.ConsistencyReport, active map[string][]*types.StreamAssignment) {
	for streamID, rows := range active {
		if len(rows) <= 1 {
			continue
		}
		servers := make([]string, 0, len(rows))
		for _, row := range rows {
			servers = append(servers, row.ServerID)
		}
		sort.Strings(servers)
		report.StreamIssues = append(report.StreamIssues, types.StreamAssignmentIssue{
			StreamID:          streamID,
			IssueType:         types.IssueTypeDuplicate,
			WorkerAssignments: servers,
			Severity:          types.SeverityCritical,
			Description:       fmt.Sprintf("stream active on %d instances", len(rows)),
		})
	}
}

// checkOrphans flags active rows whose owner is gone, not active, or past
// the staleness threshold
func (c *Checker) checkOrphans(report *types.ConsistencyReport, active map[string][]*types.StreamAssignment, byID map[string]*types.Instance) {
	for streamID, rows := range active {
		if len(rows) != 1 {
			continue // duplicates are handled separately
		}
		row := rows[0]
		owner, ok := byID[row.ServerID]
		switch {
		case !ok:
			report.StreamIssues = append(report.StreamIssues, types.StreamAssignmentIssue{
				StreamID:               streamID,
				IssueType:              types.IssueTypeOrphaned,
				OrchestratorAssignment: row.ServerID,
				Severity:               types.SeverityHigh,
				Description:            "owning instance does not exist",
			})
		case owner.Status != types.InstanceStatusActive:
			report.StreamIssues = append(report.StreamIssues, types.StreamAssignmentIssue{
				StreamID:               streamID,
				IssueType:              types.IssueTypeOrphaned,
				OrchestratorAssignment: row.ServerID,
				Severity:               types.SeverityHigh,
				Description:            fmt.Sprintf("owning instance is %s", owner.Status),
			})
		case c.now().Sub(owner.LastHeartbeat) > c.cfg.StalenessThreshold:
			report.StreamIssues = append(report.StreamIssues, types.StreamAssignmentIssue{
				StreamID:               streamID,
				IssueType:              types.IssueTypeOrphaned,
				OrchestratorAssignment: row.ServerID,
				Severity:               types.SeverityMedium,
				Description:            "owning instance heartbeat is stale",
			})
		}
	}
}

// checkInstanceState flags stale heartbeats and counter drift
func (c *Checker) checkInstanceState(report *types.ConsistencyReport, instances []*types.Instance, assignments []*types.StreamAssignment) {
	activeCount := make(map[string]int)
	for _, a := range assignments {
		if a.Status == types.AssignmentStatusActive {
			activeCount[a.ServerID]++
		}
	}

	for _, instance := range instances {
		if instance.Status == types.InstanceStatusActive &&
			c.now().Sub(instance.LastHeartbeat) > c.cfg.StalenessThreshold {
			report.InstanceIssues = append(report.InstanceIssues, types.InstanceStateIssue{
				InstanceID:  instance.ServerID,
				Description: fmt.Sprintf("marked active but heartbeat is %s old", c.now().Sub(instance.LastHeartbeat).Round(time.Second)),
				Severity:    types.SeverityMedium,
			})
		}
		if got := activeCount[instance.ServerID]; got != instance.CurrentStreams {
			report.InstanceIssues = append(report.InstanceIssues, types.InstanceStateIssue{
				InstanceID:  instance.ServerID,
				Description: fmt.Sprintf("stream counter is %d but %d active assignments exist", instance.CurrentStreams, got),
				Severity:    types.SeverityLow,
			})
		}
	}
}

// checkWorkerReports cross-checks each reachable active worker's own stream
// list against the store. Worker-reported streams the store has no active
// row for are reported as missing, never silently adopted.
func (c *Checker) checkWorkerReports(ctx context.Context, report *types.ConsistencyReport, instances []*types.Instance, byID map[string]*types.Instance, active map[string][]*types.StreamAssignment) {
	for _, instance := range instances {
		if instance.Status != types.InstanceStatusActive {
			continue
		}
		reported, err := c.workers.FetchAssignments(ctx, instance)
		if err != nil {
			report.InstanceIssues = append(report.InstanceIssues, types.InstanceStateIssue{
				InstanceID:  instance.ServerID,
				Description: "worker unreachable during verification: " + err.Error(),
				Severity:    types.SeverityHigh,
			})
			continue
		}
		for _, streamID := range reported {
			ownedHere := false
			for _, row := range active[streamID] {
				if row.ServerID == instance.ServerID {
					ownedHere = true
					break
				}
			}
			if !ownedHere {
				report.StreamIssues = append(report.StreamIssues, types.StreamAssignmentIssue{
					StreamID:          streamID,
					IssueType:         types.IssueTypeMissing,
					WorkerAssignments: []string{instance.ServerID},
					Severity:          types.SeverityMedium,
					Description:       "worker reports a stream the store has no active row for",
				})
			}
		}
	}
}

// score converts the weighted issue count into a [0,1] consistency score
func (c *Checker) score(report *types.ConsistencyReport) float64 {
	penalty := 0.0
	for _, issue := range report.StreamIssues {
		penalty += severityWeight[issue.Severity]
	}
	for _, issue := range report.InstanceIssues {
		penalty += severityWeight[issue.Severity]
	}

	denom := report.StreamsChecked
	if denom < 1 {
		denom = 1
	}
	score := 1.0 - penalty/float64(denom)
	if score < 0 {
		return 0
	}
	return score
}

// recommendations derives human-readable next steps from the issue mix
func (c *Checker) recommendations(report *types.ConsistencyReport) []string {
	counts := make(map[types.IssueType]int)
	for _, issue := range report.StreamIssues {
		counts[issue.IssueType]++
	}

	var recs []string
	if n := counts[types.IssueTypeDuplicate]; n > 0 {
		recs = append(recs, fmt.Sprintf("resolve %d duplicate active assignments immediately", n))
	}
	if n := counts[types.IssueTypeOrphaned]; n > 0 {
		recs = append(recs, fmt.Sprintf("reassign %d orphaned streams to the pending pool", n))
	}
	if n := counts[types.IssueTypeMissing]; n > 0 {
		recs = append(recs, fmt.Sprintf("register %d worker-reported streams via the stream intake", n))
	}
	if len(report.InstanceIssues) > 0 {
		recs = append(recs, "synchronize instance state for the flagged instances")
	}
	return recs
}

func (c *Checker) exportMetrics(report *types.ConsistencyReport) {
	metrics.ConsistencyScore.Set(report.ConsistencyScore)

	counts := make(map[types.IssueType]int)
	for _, issue := range report.StreamIssues {
		counts[issue.IssueType]++
	}
	for _, issueType := range []types.IssueType{types.IssueTypeOrphaned, types.IssueTypeDuplicate, types.IssueTypeMissing} {
		metrics.ConsistencyIssues.WithLabelValues(string(issueType)).Set(float64(counts[issueType]))
	}
}
