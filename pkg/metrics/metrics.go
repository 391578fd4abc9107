package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_instances_total",
			Help: "Total number of worker instances by status",
		},
		[]string{"status"},
	)

	StreamsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_streams_total",
			Help: "Total number of stream assignments by status",
		},
		[]string{"status"},
	)

	FleetUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_fleet_utilization",
			Help: "Active streams divided by total fleet capacity",
		},
	)

	// Assignment metrics
	StreamsAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_streams_assigned_total",
			Help: "Total number of streams assigned to instances",
		},
	)

	StreamsReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_streams_released_total",
			Help: "Total number of streams released back to the pending pool",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_heartbeats_total",
			Help: "Total number of heartbeats processed",
		},
	)

	// Rebalance metrics
	RebalancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_rebalances_total",
			Help: "Total number of rebalance executions by reason and outcome",
		},
		[]string{"reason", "outcome"},
	)

	StreamsMoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_streams_moved_total",
			Help: "Total number of streams moved by rebalancing",
		},
	)

	RebalanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_rebalance_duration_seconds",
			Help:    "Rebalance execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Failure handling metrics
	InstanceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_instance_failures_total",
			Help: "Total number of instance failures by kind (graceful, emergency)",
		},
		[]string{"kind"},
	)

	RecoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_recovery_attempts_total",
			Help: "Total number of instance recovery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Consistency metrics
	ConsistencyScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_consistency_score",
			Help: "Most recent consistency score in [0,1]",
		},
	)

	ConsistencyIssues = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_consistency_issues",
			Help: "Issues found in the most recent consistency check by type",
		},
		[]string{"type"},
	)

	ConsistencyChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_consistency_checks_total",
			Help: "Total number of consistency verification passes",
		},
	)

	ConsistencyCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_consistency_check_duration_seconds",
			Help:    "Consistency verification duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit breaker metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_circuit_breaker_open",
			Help: "Whether the circuit breaker for a resource is open (1) or not (0)",
		},
		[]string{"resource"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesTotal,
		StreamsTotal,
		FleetUtilization,
		StreamsAssigned,
		StreamsReleased,
		HeartbeatsTotal,
		RebalancesTotal,
		StreamsMoved,
		RebalanceDuration,
		InstanceFailures,
		RecoveryAttempts,
		ConsistencyScore,
		ConsistencyIssues,
		ConsistencyChecksTotal,
		ConsistencyCheckDuration,
		BreakerState,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for a histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
