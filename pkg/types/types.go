package types

import (
	"time"
)

// Instance represents a fingerprinting worker registered with the control plane
type Instance struct {
	ServerID       string         `json:"server_id"`
	IP             string         `json:"ip"`
	Port           int            `json:"port"`
	MaxStreams     int            `json:"max_streams"`
	CurrentStreams int            `json:"current_streams"`
	CPUPercent     float64        `json:"cpu_percent"`
	MemoryPercent  float64        `json:"memory_percent"`
	LoadAverage1m  float64        `json:"load_average_1m"`
	ResponseTimeMs float64        `json:"response_time_ms"`
	Status         InstanceStatus `json:"status"`
	LastHeartbeat  time.Time      `json:"last_heartbeat"`
	FailureCount   int            `json:"failure_count"`
	RegisteredAt   time.Time      `json:"registered_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// InstanceStatus represents the lifecycle state of an instance
type InstanceStatus string

const (
	InstanceStatusActive      InstanceStatus = "active"
	InstanceStatusInactive    InstanceStatus = "inactive"
	InstanceStatusFailed      InstanceStatus = "failed"
	InstanceStatusRecovering  InstanceStatus = "recovering"
	InstanceStatusMaintenance InstanceStatus = "maintenance"
)

// InstanceMetrics is an ephemeral load/performance snapshot for one instance,
// recomputed each evaluation cycle from heartbeat data.
type InstanceMetrics struct {
	ServerID       string    `json:"server_id"`
	CurrentStreams int       `json:"current_streams"`
	MaxStreams     int       `json:"max_streams"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	LoadAverage1m  float64   `json:"load_average_1m"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	FailureCount   int       `json:"failure_count"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// LoadFactor returns current_streams / max_streams, guarded against zero capacity
func (m *InstanceMetrics) LoadFactor() float64 {
	if m.MaxStreams <= 0 {
		return 0
	}
	return float64(m.CurrentStreams) / float64(m.MaxStreams)
}

// AvailableCapacity returns how many more streams the instance can host
func (m *InstanceMetrics) AvailableCapacity() int {
	c := m.MaxStreams - m.CurrentStreams
	if c < 0 {
		return 0
	}
	return c
}

// PerformanceScore combines CPU, memory, response-time, and failure signals
// into a single [0,1] score where 1.0 is a fully healthy, idle instance.
func (m *InstanceMetrics) PerformanceScore() float64 {
	cpu := clamp01(m.CPUPercent / 100)
	mem := clamp01(m.MemoryPercent / 100)

	// Response times above one second are treated as saturation.
	rt := clamp01(m.ResponseTimeMs / 1000)

	// Ten recent failures saturate the failure signal.
	fail := clamp01(float64(m.FailureCount) / 10)

	score := 1.0 - (0.3*cpu + 0.2*mem + 0.3*rt + 0.2*fail)
	return clamp01(score)
}

// HeartbeatAge returns how long ago the instance last reported in
func (m *InstanceMetrics) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(m.LastHeartbeat)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StreamAssignment records which instance owns a stream
type StreamAssignment struct {
	StreamID   string           `json:"stream_id"`
	ServerID   string           `json:"server_id"`
	Status     AssignmentStatus `json:"status"`
	AssignedAt time.Time        `json:"assigned_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// AssignmentStatus represents the lifecycle state of a stream assignment
type AssignmentStatus string

const (
	AssignmentStatusPending AssignmentStatus = "pending"
	AssignmentStatusActive  AssignmentStatus = "active"
	AssignmentStatusFailed  AssignmentStatus = "failed"
)

// RebalanceReason tags why a rebalance plan was produced
type RebalanceReason string

const (
	RebalanceReasonManual          RebalanceReason = "manual"
	RebalanceReasonLoadImbalance   RebalanceReason = "load_imbalance"
	RebalanceReasonInstanceFailure RebalanceReason = "instance_failure"
	RebalanceReasonScheduled       RebalanceReason = "scheduled"
)

// Migration moves a number of streams from one instance to another
type Migration struct {
	SourceServer string `json:"source_server"`
	TargetServer string `json:"target_server"`
	StreamCount  int    `json:"stream_count"`
	Reason       string `json:"reason"`
}

// RebalancePlan is an ordered list of migrations. Plans are ephemeral:
// computed, executed, then discarded; only the outcome is persisted as an
// audit record.
type RebalancePlan struct {
	Migrations []Migration     `json:"migrations"`
	Reason     RebalanceReason `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Empty reports whether the plan contains no migrations
func (p *RebalancePlan) Empty() bool {
	return len(p.Migrations) == 0
}

// TotalStreams returns the number of streams the plan intends to move
func (p *RebalancePlan) TotalStreams() int {
	total := 0
	for _, m := range p.Migrations {
		total += m.StreamCount
	}
	return total
}

// RebalanceResult reports the outcome of executing a plan
type RebalanceResult struct {
	Success           bool            `json:"success"`
	Reason            RebalanceReason `json:"reason"`
	Migrations        int             `json:"migrations"`
	FailedMigrations  int             `json:"failed_migrations"`
	StreamsMoved      int             `json:"streams_moved"`
	InstancesAffected int             `json:"instances_affected"`
	ExecutionTimeMs   int64           `json:"execution_time_ms"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	ExecutedAt        time.Time       `json:"executed_at"`
}

// IssueType classifies a stream assignment discrepancy
type IssueType string

const (
	IssueTypeOrphaned  IssueType = "orphaned"
	IssueTypeDuplicate IssueType = "duplicate"
	IssueTypeMissing   IssueType = "missing"
)

// Severity grades how urgently an issue needs resolution
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// StreamAssignmentIssue describes one inconsistent stream assignment
type StreamAssignmentIssue struct {
	StreamID               string    `json:"stream_id"`
	IssueType              IssueType `json:"issue_type"`
	OrchestratorAssignment string    `json:"orchestrator_assignment,omitempty"`
	WorkerAssignments      []string  `json:"worker_assignments,omitempty"`
	Severity               Severity  `json:"severity"`
	Description            string    `json:"description"`
}

// InstanceStateIssue describes an instance-level inconsistency such as a
// stale heartbeat or a drifted stream counter
type InstanceStateIssue struct {
	InstanceID  string   `json:"instance_id"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// ConsistencyReport aggregates the issues found by one verification pass
type ConsistencyReport struct {
	ID               string                  `json:"id"`
	CheckedAt        time.Time               `json:"checked_at"`
	StreamsChecked   int                     `json:"streams_checked"`
	InstancesChecked int                     `json:"instances_checked"`
	StreamIssues     []StreamAssignmentIssue `json:"stream_issues"`
	InstanceIssues   []InstanceStateIssue    `json:"instance_issues"`
	ConsistencyScore float64                 `json:"consistency_score"`
	Recommendations  []string                `json:"recommendations,omitempty"`
	DurationMs       int64                   `json:"duration_ms"`
}

// IssueCount returns the total number of issues in the report
func (r *ConsistencyReport) IssueCount() int {
	return len(r.StreamIssues) + len(r.InstanceIssues)
}

// RecoveryAction names the repair applied for an issue
type RecoveryAction string

const (
	RecoveryActionReassign        RecoveryAction = "reassign"
	RecoveryActionResolveConflict RecoveryAction = "resolve_conflict"
	RecoveryActionSync            RecoveryAction = "sync"
)

// RecoveryResult reports the outcome of a single recovery attempt
type RecoveryResult struct {
	Action      RecoveryAction `json:"action"`
	Target      string         `json:"target"`
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	AttemptedAt time.Time      `json:"attempted_at"`
}

// SystemHealth is the aggregate health of the whole fleet
type SystemHealth string

const (
	SystemHealthHealthy   SystemHealth = "healthy"
	SystemHealthDegraded  SystemHealth = "degraded"
	SystemHealthCritical  SystemHealth = "critical"
	SystemHealthEmergency SystemHealth = "emergency"
)

// SystemStatus is a point-in-time summary of fleet state
type SystemStatus struct {
	Health          SystemHealth `json:"health"`
	TotalInstances  int          `json:"total_instances"`
	ActiveInstances int          `json:"active_instances"`
	TotalCapacity   int          `json:"total_capacity"`
	ActiveStreams   int          `json:"active_streams"`
	PendingStreams  int          `json:"pending_streams"`
	Utilization     float64      `json:"utilization"`
	ComputedAt      time.Time    `json:"computed_at"`
}
