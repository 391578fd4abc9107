package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/audiomesh/conductor/pkg/balancer"
	"github.com/audiomesh/conductor/pkg/client"
	"github.com/audiomesh/conductor/pkg/config"
	"github.com/audiomesh/conductor/pkg/events"
	"github.com/audiomesh/conductor/pkg/log"
	"github.com/audiomesh/conductor/pkg/metrics"
	"github.com/audiomesh/conductor/pkg/storage"
	"github.com/audiomesh/conductor/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNoCapacity is returned when no instance has room for more streams.
	// Callers treat this as a normal outcome, not a failure.
	ErrNoCapacity = errors.New("no capacity available")

	// ErrInstanceNotActive is returned when an operation requires an active
	// instance
	ErrInstanceNotActive = errors.New("instance not active")
)

// Checker is the consistency-verification dependency used by emergency
// recovery. Implemented by the consistency package.
type Checker interface {
	VerifyStreamAssignments(ctx context.Context) (*types.ConsistencyReport, error)
	AutoRecoverInconsistencies(ctx context.Context, report *types.ConsistencyReport) []types.RecoveryResult
}

// Orchestrator coordinates registration, heartbeats, stream assignment, and
// failure recovery for the worker fleet. It is the only component that
// executes balancer plans against the store.
type Orchestrator struct {
	cfg      *config.Config
	store    storage.Store
	balancer *balancer.Balancer
	workers  *client.WorkerClient
	broker   *events.Broker
	checker  Checker
	logger   zerolog.Logger

	mu             sync.Mutex
	recovery       map[string]*recoveryState
	recentFailures []time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// recoveryState tracks bounded, backed-off recovery attempts per instance
type recoveryState struct {
	attempts    int
	nextAttempt time.Time
}

// New creates an orchestrator. The checker is optional; without it emergency
// recovery skips its consistency-verification step.
func New(cfg *config.Config, store storage.Store, bal *balancer.Balancer, workers *client.WorkerClient, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		balancer: bal,
		workers:  workers,
		broker:   broker,
		logger:   log.WithComponent("orchestrator"),
		recovery: make(map[string]*recoveryState),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// SetChecker wires the consistency checker used by emergency recovery
func (o *Orchestrator) SetChecker(c Checker) {
	o.checker = c
}

// RegisterResult reports the outcome of a registration
type RegisterResult struct {
	Status          string   `json:"status"` // "registered" or "already_registered"
	ServerID        string   `json:"server_id"`
	AssignedStreams []string `json:"assigned_streams"`
}

// RegisterInstance idempotently upserts a worker instance. A re-registered
// instance starts with zero active assignments: anything it still owned is
// released back to the pending pool first, so registration can never create
// duplicate ownership.
func (o *Orchestrator) RegisterInstance(serverID, ip string, port, maxStreams int) (*RegisterResult, error) {
	if serverID == "" {
		return nil, fmt.Errorf("server_id is required")
	}
	if maxStreams <= 0 {
		return nil, fmt.Errorf("max_streams must be positive, got %d", maxStreams)
	}

	now := o.now()
	status := "registered"

	existing, err := o.store.GetInstance(serverID)
	if err == nil {
		status = "already_registered"
		// Stale ownership from a previous life of this instance is released
		// before the fresh start.
		if _, err := o.store.ReleaseAllStreams(serverID, types.AssignmentStatusPending); err != nil {
			return nil, fmt.Errorf("failed to release stale assignments: %w", err)
		}
	} else if !errors.Is(err, storage.ErrInstanceNotFound) {
		return nil, err
	}

	instance := &types.Instance{
		ServerID:       serverID,
		IP:             ip,
		Port:           port,
		MaxStreams:     maxStreams,
		CurrentStreams: 0,
		Status:         types.InstanceStatusActive,
		LastHeartbeat:  now,
		RegisteredAt:   now,
		UpdatedAt:      now,
	}
	if existing != nil {
		instance.RegisteredAt = existing.RegisteredAt
	}

	if err := o.store.UpdateInstance(instance); err != nil {
		return nil, fmt.Errorf("failed to store instance: %w", err)
	}

	o.clearRecoveryState(serverID)

	o.logger.Info().
		Str("instance_id", serverID).
		Str("status", status).
		Int("max_streams", maxStreams).
		Msg("instance registered")
	o.broker.Publish(events.New(events.EventInstanceRegistered, "instance "+serverID+" registered", map[string]string{
		"server_id": serverID,
	}))

	// Hand the new instance an initial batch if pending work exists.
	assigned, err := o.store.ClaimStreams(serverID, maxStreams)
	if err != nil {
		o.logger.Warn().Err(err).Str("instance_id", serverID).Msg("initial assignment failed")
		assigned = nil
	}
	if len(assigned) > 0 {
		metrics.StreamsAssigned.Add(float64(len(assigned)))
	}

	return &RegisterResult{Status: status, ServerID: serverID, AssignedStreams: assigned}, nil
}

// HeartbeatRequest carries a worker's periodic self-report
type HeartbeatRequest struct {
	ServerID       string   `json:"server_id"`
	CurrentStreams int      `json:"current_streams"`
	CPUPercent     float64  `json:"cpu_percent,omitempty"`
	MemoryPercent  float64  `json:"memory_percent,omitempty"`
	LoadAverage1m  float64  `json:"load_average_1m,omitempty"`
	ResponseTimeMs float64  `json:"response_time_ms,omitempty"`
	StreamIDs      []string `json:"stream_ids,omitempty"`
}

// Instruction is a correction directive returned to a worker in its
// heartbeat response
type Instruction struct {
	Action    string   `json:"action"` // "assign_streams" or "release_streams"
	Count     int      `json:"count,omitempty"`
	StreamIDs []string `json:"stream_ids,omitempty"`
}

// ProcessHeartbeat ingests a worker heartbeat. Heartbeats from unknown or
// previously failed instances are treated as re-registration/recovery
// signals rather than errors.
func (o *Orchestrator) ProcessHeartbeat(req *HeartbeatRequest) ([]Instruction, error) {
	if req.ServerID == "" {
		return nil, fmt.Errorf("server_id is required")
	}

	metrics.HeartbeatsTotal.Inc()
	now := o.now()

	instance, err := o.store.GetInstance(req.ServerID)
	if errors.Is(err, storage.ErrInstanceNotFound) {
		// Never-registered sender: adopt it provisionally so its streams are
		// not lost; a proper register call can correct the capacity later.
		o.logger.Warn().Str("instance_id", req.ServerID).Msg("heartbeat from unregistered instance, adopting")
		instance = &types.Instance{
			ServerID:     req.ServerID,
			MaxStreams:   req.CurrentStreams,
			Status:       types.InstanceStatusRecovering,
			RegisteredAt: now,
		}
	} else if err != nil {
		return nil, err
	}

	switch instance.Status {
	case types.InstanceStatusFailed, types.InstanceStatusInactive:
		// A failed instance reporting in is a recovery signal; the recovery
		// monitor confirms reachability before it goes active again.
		o.logger.Info().Str("instance_id", req.ServerID).Msg("heartbeat from failed instance, scheduling recovery")
		instance.Status = types.InstanceStatusRecovering
		o.scheduleRecovery(req.ServerID)
		o.broker.Publish(events.New(events.EventInstanceRecovering, "instance "+req.ServerID+" recovering", nil))
	case types.InstanceStatusRecovering:
		// Stay in recovering; the monitor promotes it.
	default:
		instance.Status = types.InstanceStatusActive
	}

	instance.CPUPercent = req.CPUPercent
	instance.MemoryPercent = req.MemoryPercent
	instance.LoadAverage1m = req.LoadAverage1m
	instance.ResponseTimeMs = req.ResponseTimeMs
	instance.LastHeartbeat = now
	instance.UpdatedAt = now

	if err := o.store.UpdateInstance(instance); err != nil {
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	return o.heartbeatInstructions(instance, req)
}

// heartbeatInstructions builds correction directives for the worker
func (o *Orchestrator) heartbeatInstructions(instance *types.Instance, req *HeartbeatRequest) ([]Instruction, error) {
	var instructions []Instruction

	// Streams the worker reports but the orchestrator does not consider its
	// active assignments should be dropped by the worker.
	if len(req.StreamIDs) > 0 {
		owned, err := o.store.ListAssignmentsByInstance(instance.ServerID)
		if err != nil {
			return nil, err
		}
		ownedActive := make(map[string]bool)
		for _, a := range owned {
			if a.Status == types.AssignmentStatusActive {
				ownedActive[a.StreamID] = true
			}
		}
		var toRelease []string
		for _, id := range req.StreamIDs {
			if !ownedActive[id] {
				toRelease = append(toRelease, id)
			}
		}
		if len(toRelease) > 0 {
			instructions = append(instructions, Instruction{
				Action:    "release_streams",
				StreamIDs: toRelease,
			})
		}
	}

	// Spare capacity plus pending work gets a pull hint.
	if instance.Status == types.InstanceStatusActive {
		capacity := instance.MaxStreams - instance.CurrentStreams
		if capacity > 0 {
			pending, err := o.store.ListAssignmentsByStatus(types.AssignmentStatusPending)
			if err != nil {
				return nil, err
			}
			if len(pending) > 0 {
				count := capacity
				if len(pending) < count {
					count = len(pending)
				}
				instructions = append(instructions, Instruction{
					Action: "assign_streams",
					Count:  count,
				})
			}
		}
	}

	return instructions, nil
}

// AssignStreams assigns up to requestedCount unassigned streams to the
// instance in a single transaction. Returns ErrNoCapacity when the instance
// is full, and ErrInstanceNotActive when it is not in a state to take work.
func (o *Orchestrator) AssignStreams(serverID string, requestedCount int) ([]string, error) {
	if requestedCount <= 0 {
		return nil, fmt.Errorf("requested_count must be positive, got %d", requestedCount)
	}

	instance, err := o.store.GetInstance(serverID)
	if err != nil {
		return nil, err
	}
	if instance.Status != types.InstanceStatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrInstanceNotActive, serverID, instance.Status)
	}
	if instance.CurrentStreams >= instance.MaxStreams {
		return nil, fmt.Errorf("%w: %s at %d/%d", ErrNoCapacity, serverID, instance.CurrentStreams, instance.MaxStreams)
	}

	assigned, err := o.store.ClaimStreams(serverID, requestedCount)
	if err != nil {
		return nil, err
	}

	if len(assigned) > 0 {
		metrics.StreamsAssigned.Add(float64(len(assigned)))
		o.broker.Publish(events.New(events.EventStreamsAssigned,
			fmt.Sprintf("%d streams assigned to %s", len(assigned), serverID),
			map[string]string{"server_id": serverID}))
	}

	return assigned, nil
}

// ReleaseStreams returns the given streams from the instance to the pending
// pool
func (o *Orchestrator) ReleaseStreams(serverID string, streamIDs []string) ([]string, error) {
	released, err := o.store.ReleaseStreams(serverID, streamIDs)
	if err != nil {
		return nil, err
	}

	if len(released) > 0 {
		metrics.StreamsReleased.Add(float64(len(released)))
		o.broker.Publish(events.New(events.EventStreamsReleased,
			fmt.Sprintf("%d streams released by %s", len(released), serverID),
			map[string]string{"server_id": serverID}))
	}

	return released, nil
}

// CreateStream registers a new stream as pending so the normal assignment
// flow picks it up
func (o *Orchestrator) CreateStream(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream_id is required")
	}

	existing, err := o.store.ListAssignmentsByStream(streamID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %s", storage.ErrStreamExists, streamID)
	}

	now := o.now()
	return o.store.CreateAssignment(&types.StreamAssignment{
		StreamID:   streamID,
		Status:     types.AssignmentStatusPending,
		AssignedAt: now,
		UpdatedAt:  now,
	})
}

// InstanceMetricsSnapshot builds the ephemeral metrics view of the fleet
func (o *Orchestrator) InstanceMetricsSnapshot() ([]*types.InstanceMetrics, error) {
	instances, err := o.store.ListInstances()
	if err != nil {
		return nil, err
	}

	var snapshot []*types.InstanceMetrics
	for _, instance := range instances {
		if instance.Status != types.InstanceStatusActive {
			continue
		}
		snapshot = append(snapshot, &types.InstanceMetrics{
			ServerID:       instance.ServerID,
			CurrentStreams: instance.CurrentStreams,
			MaxStreams:     instance.MaxStreams,
			CPUPercent:     instance.CPUPercent,
			MemoryPercent:  instance.MemoryPercent,
			LoadAverage1m:  instance.LoadAverage1m,
			ResponseTimeMs: instance.ResponseTimeMs,
			FailureCount:   instance.FailureCount,
			LastHeartbeat:  instance.LastHeartbeat,
		})
	}
	return snapshot, nil
}

// TriggerRebalance computes and executes a rebalance plan. Manual triggers
// skip the cooldown; scheduled ones honor it.
func (o *Orchestrator) TriggerRebalance(reason types.RebalanceReason) (*types.RebalanceResult, error) {
	snapshot, err := o.InstanceMetricsSnapshot()
	if err != nil {
		return nil, err
	}

	if reason != types.RebalanceReasonManual {
		ok, why := o.balancer.ShouldRebalance(snapshot)
		if !ok {
			return &types.RebalanceResult{
				Success:      false,
				Reason:       reason,
				ErrorMessage: why,
				ExecutedAt:   o.now(),
			}, nil
		}
	}

	current := make(map[string]int, len(snapshot))
	for _, m := range snapshot {
		current[m.ServerID] = m.CurrentStreams
	}

	plan := o.balancer.GenerateRebalancePlan(snapshot, current, reason)
	if plan.Empty() {
		return &types.RebalanceResult{
			Success:      false,
			Reason:       reason,
			ErrorMessage: "no beneficial migrations",
			ExecutedAt:   o.now(),
		}, nil
	}

	o.broker.Publish(events.New(events.EventRebalanceStarted,
		fmt.Sprintf("rebalance started: %d migrations", len(plan.Migrations)),
		map[string]string{"reason": string(reason)}))

	timer := metrics.NewTimer()
	result := o.balancer.ExecuteGradualMigration(plan, o.store.TransferStreams)
	timer.ObserveDuration(metrics.RebalanceDuration)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.RebalancesTotal.WithLabelValues(string(reason), outcome).Inc()
	metrics.StreamsMoved.Add(float64(result.StreamsMoved))

	if err := o.store.AppendRebalanceRecord(result); err != nil {
		o.logger.Warn().Err(err).Msg("failed to append rebalance record")
	}

	o.broker.Publish(events.New(events.EventRebalanceCompleted,
		fmt.Sprintf("rebalance completed: %d streams moved", result.StreamsMoved),
		map[string]string{"reason": string(reason)}))

	return result, nil
}

// SystemStatus aggregates fleet health from instance and assignment counts
func (o *Orchestrator) SystemStatus() (*types.SystemStatus, error) {
	instances, err := o.store.ListInstances()
	if err != nil {
		return nil, err
	}
	assignments, err := o.store.ListAssignments()
	if err != nil {
		return nil, err
	}

	status := &types.SystemStatus{ComputedAt: o.now()}
	for _, instance := range instances {
		status.TotalInstances++
		if instance.Status == types.InstanceStatusActive {
			status.ActiveInstances++
			status.TotalCapacity += instance.MaxStreams
		}
	}
	for _, a := range assignments {
		switch a.Status {
		case types.AssignmentStatusActive:
			status.ActiveStreams++
		case types.AssignmentStatusPending:
			status.PendingStreams++
		}
	}
	if status.TotalCapacity > 0 {
		status.Utilization = float64(status.ActiveStreams) / float64(status.TotalCapacity)
	}

	status.Health = o.deriveHealth(status)
	return status, nil
}

// deriveHealth applies the health thresholds to a computed status
func (o *Orchestrator) deriveHealth(status *types.SystemStatus) types.SystemHealth {
	if status.TotalInstances == 0 {
		if status.PendingStreams > 0 {
			return types.SystemHealthEmergency
		}
		return types.SystemHealthHealthy
	}

	activeRatio := float64(status.ActiveInstances) / float64(status.TotalInstances)

	if status.ActiveInstances == 0 {
		return types.SystemHealthEmergency
	}
	if activeRatio < 0.5 {
		return types.SystemHealthCritical
	}
	if activeRatio < 0.8 || status.Utilization > 0.9 || o.hasRecentCriticalFailure() {
		return types.SystemHealthDegraded
	}
	return types.SystemHealthHealthy
}

// recordCriticalFailure remembers a failure for the degraded-health window
func (o *Orchestrator) recordCriticalFailure() {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.now().Add(-time.Hour)
	kept := o.recentFailures[:0]
	for _, ts := range o.recentFailures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	o.recentFailures = append(kept, o.now())
}

func (o *Orchestrator) hasRecentCriticalFailure() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := o.now().Add(-time.Hour)
	for _, ts := range o.recentFailures {
		if ts.After(cutoff) {
			return true
		}
	}
	return false
}

// Shutdown stops all background monitors and waits for in-flight cycles
func (o *Orchestrator) Shutdown() {
	close(o.stopCh)
	o.wg.Wait()
	o.logger.Info().Msg("orchestrator stopped")
}
