package balancer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/audiomesh/conductor/pkg/config"
	"github.com/audiomesh/conductor/pkg/log"
	"github.com/audiomesh/conductor/pkg/types"
	"github.com/rs/zerolog"
)

// Balancer decides whether rebalancing should occur and how streams should
// move. It never touches storage: plans are returned to the orchestrator,
// which executes them transactionally. The only mutable state is the
// cooldown timestamp of the last executed rebalance.
type Balancer struct {
	cfg    config.BalancerConfig
	logger zerolog.Logger

	mu            sync.Mutex
	lastRebalance time.Time
	now           func() time.Time
}

// New creates a balancer with the given configuration
func New(cfg config.BalancerConfig) *Balancer {
	return &Balancer{
		cfg:    cfg,
		logger: log.WithComponent("balancer"),
		now:    time.Now,
	}
}

// DetectImbalance reports whether the fleet's load is spread unevenly enough
// to justify moving streams. Pure function of its input.
func (b *Balancer) DetectImbalance(instances []*types.InstanceMetrics) (bool, string) {
	eligible := eligibleInstances(instances)
	if len(eligible) == 0 {
		return false, "no instances"
	}
	if len(eligible) == 1 {
		return false, "single instance"
	}

	minLoad, maxLoad := eligible[0].LoadFactor(), eligible[0].LoadFactor()
	totalStreams := 0
	maxStreams := 0
	for _, m := range eligible {
		lf := m.LoadFactor()
		if lf < minLoad {
			minLoad = lf
		}
		if lf > maxLoad {
			maxLoad = lf
		}
		totalStreams += m.CurrentStreams
		if m.CurrentStreams > maxStreams {
			maxStreams = m.CurrentStreams
		}
	}

	spread := maxLoad - minLoad
	if spread > b.cfg.ImbalanceThreshold {
		return true, fmt.Sprintf("load factor spread %.2f exceeds threshold %.2f", spread, b.cfg.ImbalanceThreshold)
	}

	average := float64(totalStreams) / float64(len(eligible))
	if diff := float64(maxStreams) - average; diff > float64(b.cfg.MaxStreamDifference) {
		return true, fmt.Sprintf("stream count %.0f above average by %.1f, max difference %d", float64(maxStreams), diff, b.cfg.MaxStreamDifference)
	}

	return false, "load within thresholds"
}

// ShouldRebalance wraps DetectImbalance with a cooldown check to avoid
// rebalance storms
func (b *Balancer) ShouldRebalance(instances []*types.InstanceMetrics) (bool, string) {
	b.mu.Lock()
	since := b.now().Sub(b.lastRebalance)
	b.mu.Unlock()

	if since < b.cfg.RebalanceCooldown {
		return false, fmt.Sprintf("cooldown active, %s remaining", (b.cfg.RebalanceCooldown - since).Round(time.Second))
	}

	return b.DetectImbalance(instances)
}

// MarkRebalanced records a successful rebalance for the cooldown window
func (b *Balancer) MarkRebalanced() {
	b.mu.Lock()
	b.lastRebalance = b.now()
	b.mu.Unlock()
}

// CalculateOptimalDistribution computes target stream counts per instance.
// Target shares blend capacity, performance, and failure signals; rounding
// uses largest-remainder apportionment so targets sum exactly to
// totalStreams while never exceeding any instance's capacity.
func (b *Balancer) CalculateOptimalDistribution(instances []*types.InstanceMetrics, totalStreams int) map[string]int {
	targets := make(map[string]int)
	eligible := eligibleInstances(instances)
	if len(eligible) == 0 {
		return targets
	}

	for _, m := range eligible {
		targets[m.ServerID] = 0
	}
	if totalStreams <= 0 {
		return targets
	}

	weights := make([]float64, len(eligible))
	totalWeight := 0.0
	totalCapacity := 0
	for i, m := range eligible {
		totalCapacity += m.MaxStreams
		weights[i] = b.instanceWeight(m, eligible)
		totalWeight += weights[i]
	}

	// More streams than the fleet can host: fill every instance.
	if totalStreams >= totalCapacity {
		for _, m := range eligible {
			targets[m.ServerID] = m.MaxStreams
		}
		return targets
	}

	if totalWeight <= 0 {
		// Degenerate metrics; fall back to even shares.
		for i := range weights {
			weights[i] = 1
		}
		totalWeight = float64(len(eligible))
	}

	type share struct {
		idx       int
		remainder float64
	}

	assigned := 0
	shares := make([]share, 0, len(eligible))
	for i, m := range eligible {
		raw := float64(totalStreams) * weights[i] / totalWeight
		base := int(raw)
		if base > m.MaxStreams {
			base = m.MaxStreams
		}
		targets[m.ServerID] = base
		assigned += base
		shares = append(shares, share{idx: i, remainder: raw - float64(base)})
	}

	// Largest-remainder distribution of the leftover, still capacity-capped.
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].remainder != shares[j].remainder {
			return shares[i].remainder > shares[j].remainder
		}
		return eligible[shares[i].idx].ServerID < eligible[shares[j].idx].ServerID
	})

	for assigned < totalStreams {
		progressed := false
		for _, s := range shares {
			if assigned >= totalStreams {
				break
			}
			m := eligible[s.idx]
			if targets[m.ServerID] < m.MaxStreams {
				targets[m.ServerID]++
				assigned++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	return targets
}

// instanceWeight blends the configured capacity, performance, and failure
// signals into one proportional share weight
func (b *Balancer) instanceWeight(m *types.InstanceMetrics, fleet []*types.InstanceMetrics) float64 {
	maxCapacity := 0
	for _, other := range fleet {
		if other.MaxStreams > maxCapacity {
			maxCapacity = other.MaxStreams
		}
	}

	capacityScore := 0.0
	if maxCapacity > 0 {
		capacityScore = float64(m.MaxStreams) / float64(maxCapacity)
	}

	// Recent failures discount the share: 1/(1+failures).
	failureScore := 1.0 / float64(1+m.FailureCount)

	return b.cfg.CapacityWeight*capacityScore +
		b.cfg.PerformanceWeight*m.PerformanceScore() +
		b.cfg.FailureWeight*failureScore
}

// GenerateRebalancePlan compares actual stream counts against the optimal
// distribution and produces migrations pairing the most overloaded instance
// with the most underloaded, largest moves first.
func (b *Balancer) GenerateRebalancePlan(instances []*types.InstanceMetrics, current map[string]int, reason types.RebalanceReason) *types.RebalancePlan {
	plan := &types.RebalancePlan{Reason: reason, CreatedAt: b.now()}

	eligible := eligibleInstances(instances)
	if len(eligible) < 2 {
		return plan
	}

	totalStreams := 0
	for _, m := range eligible {
		totalStreams += current[m.ServerID]
	}

	targets := b.CalculateOptimalDistribution(eligible, totalStreams)

	// delta > 0 means the instance holds more than its target.
	type delta struct {
		serverID string
		excess   int
	}
	var deltas []delta
	for _, m := range eligible {
		deltas = append(deltas, delta{m.ServerID, current[m.ServerID] - targets[m.ServerID]})
	}

	for {
		sort.Slice(deltas, func(i, j int) bool {
			if deltas[i].excess != deltas[j].excess {
				return deltas[i].excess > deltas[j].excess
			}
			return deltas[i].serverID < deltas[j].serverID
		})

		src := &deltas[0]
		dst := &deltas[len(deltas)-1]
		move := src.excess
		if -dst.excess < move {
			move = -dst.excess
		}
		if move < b.cfg.MinMigrationSize {
			break
		}

		plan.Migrations = append(plan.Migrations, types.Migration{
			SourceServer: src.serverID,
			TargetServer: dst.serverID,
			StreamCount:  move,
			Reason:       string(reason),
		})
		src.excess -= move
		dst.excess += move
	}

	// Largest moves first so the worst imbalance is corrected earliest if
	// execution is interrupted.
	sort.SliceStable(plan.Migrations, func(i, j int) bool {
		return plan.Migrations[i].StreamCount > plan.Migrations[j].StreamCount
	})

	return plan
}

// MigrateFunc moves up to count streams from source to target, returning the
// IDs actually moved
type MigrateFunc func(sourceID, targetID string, count int) ([]string, error)

// ExecuteGradualMigration applies a plan in capped batches to bound
// worker-side churn. Failures of one migration are counted, not fatal; the
// result reports success=false only when nothing at all could be applied.
func (b *Balancer) ExecuteGradualMigration(plan *types.RebalancePlan, migrate MigrateFunc) *types.RebalanceResult {
	start := b.now()
	result := &types.RebalanceResult{
		Reason:     plan.Reason,
		ExecutedAt: start,
	}

	if plan.Empty() {
		result.Success = false
		result.ErrorMessage = "empty rebalance plan"
		return result
	}

	affected := make(map[string]bool)
	for _, migration := range plan.Migrations {
		remaining := migration.StreamCount
		migrationMoved := 0
		var migrationErr error

		for remaining > 0 {
			batch := remaining
			if batch > b.cfg.MaxStreamsPerStep {
				batch = b.cfg.MaxStreamsPerStep
			}

			moved, err := migrate(migration.SourceServer, migration.TargetServer, batch)
			if err != nil {
				migrationErr = err
				break
			}
			if len(moved) == 0 {
				// Source drained or target filled between planning and now.
				break
			}
			migrationMoved += len(moved)
			remaining -= len(moved)
		}

		if migrationErr != nil {
			result.FailedMigrations++
			b.logger.Warn().
				Err(migrationErr).
				Str("source", migration.SourceServer).
				Str("target", migration.TargetServer).
				Msg("migration failed")
		}
		if migrationMoved > 0 {
			result.Migrations++
			result.StreamsMoved += migrationMoved
			affected[migration.SourceServer] = true
			affected[migration.TargetServer] = true
		}
	}

	result.InstancesAffected = len(affected)
	result.ExecutionTimeMs = b.now().Sub(start).Milliseconds()
	result.Success = result.StreamsMoved > 0
	if !result.Success && result.ErrorMessage == "" {
		result.ErrorMessage = "no migrations could be applied"
	}

	if result.Success {
		b.MarkRebalanced()
	}

	b.logger.Info().
		Bool("success", result.Success).
		Int("streams_moved", result.StreamsMoved).
		Int("migrations", result.Migrations).
		Int("failed_migrations", result.FailedMigrations).
		Str("reason", string(plan.Reason)).
		Msg("rebalance executed")

	return result
}

// eligibleInstances filters out instances that cannot host streams
func eligibleInstances(instances []*types.InstanceMetrics) []*types.InstanceMetrics {
	var eligible []*types.InstanceMetrics
	for _, m := range instances {
		if m.MaxStreams > 0 {
			eligible = append(eligible, m)
		}
	}
	return eligible
}
