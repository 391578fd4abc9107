package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/audiomesh/conductor/pkg/events"
	"github.com/audiomesh/conductor/pkg/log"
	"github.com/audiomesh/conductor/pkg/metrics"
	"github.com/audiomesh/conductor/pkg/types"
)

// FailureResult summarizes what graceful failure handling did for an instance
type FailureResult struct {
	RecoveryPerformed bool `json:"recovery_performed"`
	StreamsReleased   int  `json:"streams_released"`
	StreamsMoved      int  `json:"streams_moved"`
}

// HandleInstanceFailure marks an instance failed, releases its streams, and
// redistributes them across the remaining active fleet. It is the graceful
// path: each redistribution step is best-effort and streams that cannot be
// placed stay pending for later pickup.
func (o *Orchestrator) HandleInstanceFailure(serverID, reason string) (*FailureResult, error) {
	logger := log.WithInstanceID(serverID)
	logger.Warn().Str("reason", reason).Msg("handling instance failure")

	instance, err := o.store.GetInstance(serverID)
	if err != nil {
		return nil, err
	}
	if instance.Status == types.InstanceStatusFailed {
		logger.Debug().Msg("instance already failed, skipping")
		return &FailureResult{}, nil
	}

	instance.Status = types.InstanceStatusFailed
	instance.FailureCount++
	instance.UpdatedAt = o.now()
	if err := o.store.UpdateInstance(instance); err != nil {
		return nil, fmt.Errorf("failed to mark instance failed: %w", err)
	}

	metrics.InstanceFailures.WithLabelValues("graceful").Inc()
	o.recordCriticalFailure()
	o.broker.Publish(events.New(events.EventInstanceFailed,
		"instance "+serverID+" failed: "+reason,
		map[string]string{"server_id": serverID, "reason": reason}))

	released, err := o.store.ReleaseAllStreams(serverID, types.AssignmentStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to release streams of failed instance: %w", err)
	}
	logger.Info().Int("released", len(released)).Msg("streams released from failed instance")

	result := &FailureResult{RecoveryPerformed: true, StreamsReleased: len(released)}
	if len(released) > 0 {
		result.StreamsMoved = o.redistributePending(len(released))
	}
	return result, nil
}

// redistributePending places up to count pending streams on active instances,
// first via the balancer's optimal distribution, then round-robin across
// whatever spare capacity remains. Leftovers stay pending. Returns how many
// streams found a new home.
func (o *Orchestrator) redistributePending(count int) int {
	snapshot, err := o.InstanceMetricsSnapshot()
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to snapshot fleet for redistribution")
		return 0
	}
	if len(snapshot) == 0 {
		o.logger.Warn().Int("pending", count).Msg("no active instances, streams stay pending")
		return 0
	}

	currentTotal := 0
	for _, m := range snapshot {
		currentTotal += m.CurrentStreams
	}

	placed := 0
	targets := o.balancer.CalculateOptimalDistribution(snapshot, currentTotal+count)
	for _, m := range snapshot {
		delta := targets[m.ServerID] - m.CurrentStreams
		if delta <= 0 {
			continue
		}
		claimed, err := o.store.ClaimStreams(m.ServerID, delta)
		if err != nil {
			o.logger.Warn().Err(err).Str("instance_id", m.ServerID).Msg("redistribution claim failed")
			continue
		}
		placed += len(claimed)
	}

	// Targets can undershoot when claims race or fail; round-robin sweeps up
	// the remainder.
	if placed < count {
		placed += o.roundRobinClaim(snapshot, count-placed)
	}

	if placed > 0 {
		metrics.StreamsAssigned.Add(float64(placed))
	}
	o.logger.Info().Int("placed", placed).Int("total", count).Msg("redistribution complete")
	return placed
}

// roundRobinClaim hands out one stream at a time across instances with spare
// capacity until remaining is exhausted or nothing can take more
func (o *Orchestrator) roundRobinClaim(snapshot []*types.InstanceMetrics, remaining int) int {
	ordered := make([]*types.InstanceMetrics, len(snapshot))
	copy(ordered, snapshot)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ServerID < ordered[j].ServerID })

	placed := 0
	for remaining > 0 {
		progressed := false
		for _, m := range ordered {
			if remaining == 0 {
				break
			}
			claimed, err := o.store.ClaimStreams(m.ServerID, 1)
			if err != nil || len(claimed) == 0 {
				continue
			}
			placed++
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return placed
}

// ExecuteEmergencyRecovery runs the last-resort pipeline for an instance that
// has been unresponsive past the emergency threshold. Every step is
// best-effort: a failing step is logged and the pipeline continues, because a
// partially recovered system beats an aborted recovery.
func (o *Orchestrator) ExecuteEmergencyRecovery(ctx context.Context, serverID string) {
	logger := log.WithInstanceID(serverID)
	logger.Error().Msg("executing emergency recovery")

	metrics.InstanceFailures.WithLabelValues("emergency").Inc()
	o.recordCriticalFailure()
	o.broker.Publish(events.New(events.EventInstanceEmergency,
		"emergency recovery for instance "+serverID,
		map[string]string{"server_id": serverID}))

	// Step 1: force-release everything the instance owns and mark it failed.
	released, err := o.store.ReleaseAllStreams(serverID, types.AssignmentStatusPending)
	if err != nil {
		logger.Error().Err(err).Msg("emergency: force release failed")
	} else {
		logger.Info().Int("released", len(released)).Msg("emergency: streams force released")
	}

	if instance, err := o.store.GetInstance(serverID); err == nil {
		instance.Status = types.InstanceStatusFailed
		instance.FailureCount++
		instance.UpdatedAt = o.now()
		if err := o.store.UpdateInstance(instance); err != nil {
			logger.Error().Err(err).Msg("emergency: failed to mark instance failed")
		}
	}

	// Step 2: redistribute whatever is pending, not just this instance's
	// streams; an emergency is a good moment to drain the backlog.
	pending, err := o.store.ListAssignmentsByStatus(types.AssignmentStatusPending)
	if err != nil {
		logger.Error().Err(err).Msg("emergency: failed to list pending streams")
	} else if len(pending) > 0 {
		o.redistributePending(len(pending))
	}

	// Step 3: verify and auto-recover remaining inconsistencies.
	if o.checker != nil {
		report, err := o.checker.VerifyStreamAssignments(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("emergency: consistency verification failed")
		} else if report.IssueCount() > 0 {
			results := o.checker.AutoRecoverInconsistencies(ctx, report)
			logger.Info().Int("repairs", len(results)).Msg("emergency: auto recovery executed")
		}
	}

	// Step 4: reset counters so the instance re-enters cleanly when it
	// eventually reports in.
	if instance, err := o.store.GetInstance(serverID); err == nil {
		instance.CurrentStreams = 0
		instance.FailureCount = 0
		instance.UpdatedAt = o.now()
		if err := o.store.UpdateInstance(instance); err != nil {
			logger.Error().Err(err).Msg("emergency: failed to reset counters")
		}
	}

	o.clearRecoveryState(serverID)
	logger.Info().Msg("emergency recovery complete")
}

// scheduleRecovery arms bounded, backed-off recovery attempts for an instance
func (o *Orchestrator) scheduleRecovery(serverID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.recovery[serverID]; !ok {
		o.recovery[serverID] = &recoveryState{nextAttempt: o.now()}
	}
}

func (o *Orchestrator) clearRecoveryState(serverID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.recovery, serverID)
}

// recoveryDelay computes the exponential backoff for the given attempt number
func (o *Orchestrator) recoveryDelay(attempts int) time.Duration {
	delay := o.cfg.Recovery.RetryDelay
	for i := 0; i < attempts; i++ {
		delay = time.Duration(float64(delay) * o.cfg.Recovery.BackoffMultiplier)
		if delay >= o.cfg.Recovery.MaxRetryDelay {
			return o.cfg.Recovery.MaxRetryDelay
		}
	}
	return delay
}

// attemptRecovery pings a recovering instance and promotes it back to active
// on success. Exhausted attempts send it back to failed until the next
// heartbeat re-arms recovery.
func (o *Orchestrator) attemptRecovery(ctx context.Context, instance *types.Instance) {
	o.mu.Lock()
	state, ok := o.recovery[instance.ServerID]
	if !ok {
		state = &recoveryState{nextAttempt: o.now()}
		o.recovery[instance.ServerID] = state
	}
	if o.now().Before(state.nextAttempt) {
		o.mu.Unlock()
		return
	}
	state.attempts++
	attempts := state.attempts
	state.nextAttempt = o.now().Add(o.recoveryDelay(attempts))
	o.mu.Unlock()

	logger := o.logger.With().Str("instance_id", instance.ServerID).Int("attempt", attempts).Logger()

	err := o.workers.Ping(ctx, instance)
	if err == nil {
		instance.Status = types.InstanceStatusActive
		instance.FailureCount = 0
		instance.UpdatedAt = o.now()
		if updateErr := o.store.UpdateInstance(instance); updateErr != nil {
			logger.Error().Err(updateErr).Msg("failed to promote recovered instance")
			return
		}
		o.clearRecoveryState(instance.ServerID)
		metrics.RecoveryAttempts.WithLabelValues("success").Inc()
		o.broker.Publish(events.New(events.EventInstanceRecovered,
			"instance "+instance.ServerID+" recovered",
			map[string]string{"server_id": instance.ServerID}))
		logger.Info().Msg("instance recovered")
		return
	}

	metrics.RecoveryAttempts.WithLabelValues("failure").Inc()
	logger.Warn().Err(err).Msg("recovery attempt failed")

	if attempts >= o.cfg.Recovery.MaxRetryAttempts {
		logger.Error().Msg("recovery attempts exhausted, marking failed")
		o.clearRecoveryState(instance.ServerID)
		if _, failErr := o.HandleInstanceFailure(instance.ServerID, "recovery attempts exhausted"); failErr != nil {
			logger.Error().Err(failErr).Msg("failed to fail instance after exhausted recovery")
		}
	}
}
