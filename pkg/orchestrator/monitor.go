package orchestrator

import (
	"context"
	"time"

	"github.com/audiomesh/conductor/pkg/metrics"
	"github.com/audiomesh/conductor/pkg/types"
)

// Start launches the background monitors. They run until Shutdown.
func (o *Orchestrator) Start() {
	o.wg.Add(3)
	go o.heartbeatMonitor()
	go o.healthMonitor()
	go o.recoveryMonitor()
	o.logger.Info().
		Dur("heartbeat_interval", o.cfg.Heartbeat.MonitorInterval).
		Dur("health_interval", o.cfg.Recovery.HealthInterval).
		Msg("orchestrator monitors started")
}

// heartbeatMonitor drives the instance liveness state machine from heartbeat
// ages: warning demotes to recovering, timeout fails the instance, and the
// emergency threshold triggers the full recovery pipeline.
func (o *Orchestrator) heartbeatMonitor() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Heartbeat.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.checkHeartbeats()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) checkHeartbeats() {
	instances, err := o.store.ListInstances()
	if err != nil {
		o.logger.Error().Err(err).Msg("heartbeat monitor: failed to list instances")
		return
	}

	now := o.now()
	for _, instance := range instances {
		if instance.Status == types.InstanceStatusMaintenance {
			continue
		}
		age := now.Sub(instance.LastHeartbeat)

		switch {
		case age > o.cfg.Heartbeat.EmergencyThreshold && instance.Status != types.InstanceStatusFailed:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			o.ExecuteEmergencyRecovery(ctx, instance.ServerID)
			cancel()

		case age > o.cfg.Heartbeat.TimeoutThreshold &&
			(instance.Status == types.InstanceStatusActive || instance.Status == types.InstanceStatusRecovering):
			if _, err := o.HandleInstanceFailure(instance.ServerID, "heartbeat timeout"); err != nil {
				o.logger.Error().Err(err).Str("instance_id", instance.ServerID).Msg("failed to handle heartbeat timeout")
			}

		case age > o.cfg.Heartbeat.WarningThreshold && instance.Status == types.InstanceStatusActive:
			o.logger.Warn().
				Str("instance_id", instance.ServerID).
				Dur("heartbeat_age", age).
				Msg("heartbeat late, marking recovering")
			instance.Status = types.InstanceStatusRecovering
			instance.UpdatedAt = now
			if err := o.store.UpdateInstance(instance); err != nil {
				o.logger.Error().Err(err).Str("instance_id", instance.ServerID).Msg("failed to mark instance recovering")
			}
		}
	}
}

// healthMonitor periodically recomputes fleet health and exports it
func (o *Orchestrator) healthMonitor() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Recovery.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.updateHealthMetrics()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) updateHealthMetrics() {
	instances, err := o.store.ListInstances()
	if err != nil {
		o.logger.Error().Err(err).Msg("health monitor: failed to list instances")
		return
	}
	assignments, err := o.store.ListAssignments()
	if err != nil {
		o.logger.Error().Err(err).Msg("health monitor: failed to list assignments")
		return
	}

	byInstanceStatus := make(map[types.InstanceStatus]int)
	for _, instance := range instances {
		byInstanceStatus[instance.Status]++
	}
	for _, status := range []types.InstanceStatus{
		types.InstanceStatusActive,
		types.InstanceStatusInactive,
		types.InstanceStatusFailed,
		types.InstanceStatusRecovering,
		types.InstanceStatusMaintenance,
	} {
		metrics.InstancesTotal.WithLabelValues(string(status)).Set(float64(byInstanceStatus[status]))
	}

	byAssignmentStatus := make(map[types.AssignmentStatus]int)
	for _, a := range assignments {
		byAssignmentStatus[a.Status]++
	}
	for _, status := range []types.AssignmentStatus{
		types.AssignmentStatusPending,
		types.AssignmentStatusActive,
		types.AssignmentStatusFailed,
	} {
		metrics.StreamsTotal.WithLabelValues(string(status)).Set(float64(byAssignmentStatus[status]))
	}

	status, err := o.SystemStatus()
	if err != nil {
		o.logger.Error().Err(err).Msg("health monitor: failed to compute system status")
		return
	}
	metrics.FleetUtilization.Set(status.Utilization)

	if status.Health != types.SystemHealthHealthy {
		o.logger.Warn().
			Str("health", string(status.Health)).
			Int("active_instances", status.ActiveInstances).
			Int("total_instances", status.TotalInstances).
			Float64("utilization", status.Utilization).
			Msg("fleet health degraded")
	}
}

// recoveryMonitor drives pending recovery attempts for instances in the
// recovering state
func (o *Orchestrator) recoveryMonitor() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Recovery.RetryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.runRecoveryAttempts()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) runRecoveryAttempts() {
	instances, err := o.store.ListInstances()
	if err != nil {
		o.logger.Error().Err(err).Msg("recovery monitor: failed to list instances")
		return
	}

	for _, instance := range instances {
		if instance.Status != types.InstanceStatusRecovering {
			continue
		}
		// Only instances still reporting in are worth probing; silent ones
		// are left to the heartbeat monitor.
		if o.now().Sub(instance.LastHeartbeat) > o.cfg.Heartbeat.TimeoutThreshold {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		o.attemptRecovery(ctx, instance)
		cancel()
	}
}
