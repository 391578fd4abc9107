package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/audiomesh/conductor/pkg/events"
	"github.com/audiomesh/conductor/pkg/log"
	"github.com/audiomesh/conductor/pkg/storage"
	"github.com/audiomesh/conductor/pkg/types"
)

// ErrRecoveryExhausted is returned when an issue has hit its attempt cap
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

// ResolveConflicts repairs the given stream issues one at a time. Each issue
// key is attempted at most the configured number of times; critical issues
// bypass the cap because leaving a duplicate active assignment standing
// risks double processing.
func (c *Checker) ResolveConflicts(ctx context.Context, issues []types.StreamAssignmentIssue) []types.RecoveryResult {
	results := make([]types.RecoveryResult, 0, len(issues))
	for _, issue := range issues {
		select {
		case <-ctx.Done():
			return results
		default:
		}
		results = append(results, c.resolveIssue(ctx, issue))
	}

	resolved := 0
	for _, r := range results {
		if r.Success {
			resolved++
		}
	}
	if resolved > 0 {
		c.broker.Publish(events.New(events.EventConsistencyResolved,
			fmt.Sprintf("%d consistency issues resolved", resolved), nil))
	}
	return results
}

func (c *Checker) resolveIssue(ctx context.Context, issue types.StreamAssignmentIssue) types.RecoveryResult {
	key := string(issue.IssueType) + ":" + issue.StreamID

	if issue.Severity != types.SeverityCritical && !c.allowAttempt(key) {
		return types.RecoveryResult{
			Action:      actionFor(issue.IssueType),
			Target:      issue.StreamID,
			Success:     false,
			Message:     ErrRecoveryExhausted.Error(),
			AttemptedAt: c.now(),
		}
	}

	var result types.RecoveryResult
	switch issue.IssueType {
	case types.IssueTypeOrphaned:
		result = c.resolveOrphaned(issue)
	case types.IssueTypeDuplicate:
		result = c.resolveDuplicate(ctx, issue)
	case types.IssueTypeMissing:
		// No automatic adoption: the stream record must be created through
		// the intake path before normal assignment can own it.
		result = types.RecoveryResult{
			Action:  types.RecoveryActionSync,
			Target:  issue.StreamID,
			Success: false,
			Message: "stream unknown to the store; create it via stream intake",
		}
	default:
		result = types.RecoveryResult{
			Action:  types.RecoveryActionSync,
			Target:  issue.StreamID,
			Success: false,
			Message: "unknown issue type " + string(issue.IssueType),
		}
	}
	result.AttemptedAt = c.now()

	if result.Success {
		c.clearAttempts(key)
	}

	logger := log.WithStreamID(issue.StreamID)
	logger.Info().
		Str("issue_type", string(issue.IssueType)).
		Str("action", string(result.Action)).
		Bool("success", result.Success).
		Msg("conflict resolution attempted")
	return result
}

// resolveOrphaned routes the stream's active rows back to the pending pool
func (c *Checker) resolveOrphaned(issue types.StreamAssignmentIssue) types.RecoveryResult {
	rows, err := c.store.ListAssignmentsByStream(issue.StreamID)
	if err != nil {
		return failure(types.RecoveryActionReassign, issue.StreamID, err)
	}

	moved := 0
	for _, row := range rows {
		if row.Status != types.AssignmentStatusActive {
			continue
		}
		if err := c.store.DeleteAssignment(row.StreamID, row.ServerID); err != nil {
			return failure(types.RecoveryActionReassign, issue.StreamID, err)
		}
		row.ServerID = ""
		row.Status = types.AssignmentStatusPending
		row.UpdatedAt = c.now()
		if err := c.store.CreateAssignment(row); err != nil {
			return failure(types.RecoveryActionReassign, issue.StreamID, err)
		}
		moved++
	}

	return types.RecoveryResult{
		Action:  types.RecoveryActionReassign,
		Target:  issue.StreamID,
		Success: true,
		Message: fmt.Sprintf("%d rows returned to pending", moved),
	}
}

// resolveDuplicate keeps exactly one active row, preferring the owner with
// the most recent heartbeat, tie broken by lowest server ID. Losing rows are
// marked failed, their instances' counters decremented, and the losing
// workers told to stop processing the stream.
func (c *Checker) resolveDuplicate(ctx context.Context, issue types.StreamAssignmentIssue) types.RecoveryResult {
	rows, err := c.store.ListAssignmentsByStream(issue.StreamID)
	if err != nil {
		return failure(types.RecoveryActionResolveConflict, issue.StreamID, err)
	}

	var active []*types.StreamAssignment
	for _, row := range rows {
		if row.Status == types.AssignmentStatusActive {
			active = append(active, row)
		}
	}
	if len(active) <= 1 {
		return types.RecoveryResult{
			Action:  types.RecoveryActionResolveConflict,
			Target:  issue.StreamID,
			Success: true,
			Message: "no duplicate rows remain",
		}
	}

	winner := active[0]
	winnerHB := c.ownerHeartbeat(winner.ServerID)
	for _, row := range active[1:] {
		hb := c.ownerHeartbeat(row.ServerID)
		if hb.After(winnerHB) || (hb.Equal(winnerHB) && row.ServerID < winner.ServerID) {
			winner = row
			winnerHB = hb
		}
	}

	for _, row := range active {
		if row == winner {
			continue
		}
		row.Status = types.AssignmentStatusFailed
		row.UpdatedAt = c.now()
		if err := c.store.UpdateAssignment(row); err != nil {
			return failure(types.RecoveryActionResolveConflict, issue.StreamID, err)
		}
		if instance, err := c.store.GetInstance(row.ServerID); err == nil {
			if instance.CurrentStreams > 0 {
				instance.CurrentStreams--
				instance.UpdatedAt = c.now()
				if err := c.store.UpdateInstance(instance); err != nil {
					return failure(types.RecoveryActionResolveConflict, issue.StreamID, err)
				}
			}
			// Best effort: a worker that keeps processing a lost stream
			// duplicates work until its next heartbeat correction anyway.
			if instance.Status == types.InstanceStatusActive {
				if err := c.workers.NotifyRelease(ctx, instance, []string{row.StreamID}); err != nil {
					c.logger.Warn().Err(err).
						Str("instance_id", row.ServerID).
						Str("stream_id", row.StreamID).
						Msg("failed to notify losing worker of release")
				}
			}
		}
	}

	return types.RecoveryResult{
		Action:  types.RecoveryActionResolveConflict,
		Target:  issue.StreamID,
		Success: true,
		Message: "kept active row on " + winner.ServerID,
	}
}

// ownerHeartbeat returns the last heartbeat of the given instance, or the
// zero time when the instance does not exist
func (c *Checker) ownerHeartbeat(serverID string) time.Time {
	instance, err := c.store.GetInstance(serverID)
	if err != nil {
		return time.Time{}
	}
	return instance.LastHeartbeat
}

// SynchronizeInstanceState reconciles an instance against the source of
// truth. An active instance whose heartbeat has gone stale is asked directly:
// if it is unreachable it is marked failed, otherwise its own assignment
// report is fetched and it is told to drop streams it no longer owns here.
// In all cases the stream counter is reconciled against the actual active
// assignment rows. The instance must exist.
func (c *Checker) SynchronizeInstanceState(ctx context.Context, instanceID string) (types.RecoveryResult, error) {
	instance, err := c.store.GetInstance(instanceID)
	if err != nil {
		return types.RecoveryResult{}, fmt.Errorf("cannot synchronize %s: %w", instanceID, err)
	}

	rows, err := c.store.ListAssignmentsByInstance(instanceID)
	if err != nil {
		return types.RecoveryResult{}, err
	}
	actual := 0
	ownedActive := make(map[string]bool)
	for _, row := range rows {
		if row.Status == types.AssignmentStatusActive {
			actual++
			ownedActive[row.StreamID] = true
		}
	}

	logger := log.WithInstanceID(instanceID)

	stale := instance.Status == types.InstanceStatusActive &&
		c.now().Sub(instance.LastHeartbeat) > c.cfg.StalenessThreshold
	if stale {
		if err := c.workers.Ping(ctx, instance); err != nil {
			logger.Warn().Err(err).Msg("stale instance unreachable, marking failed")
			instance.Status = types.InstanceStatusFailed
			instance.FailureCount++
			instance.UpdatedAt = c.now()
			if updateErr := c.store.UpdateInstance(instance); updateErr != nil {
				return types.RecoveryResult{}, updateErr
			}
			return types.RecoveryResult{
				Action:      types.RecoveryActionSync,
				Target:      instanceID,
				Success:     true,
				Message:     "instance unreachable, marked failed",
				AttemptedAt: c.now(),
			}, nil
		}

		reported, err := c.workers.FetchAssignments(ctx, instance)
		if err != nil {
			logger.Warn().Err(err).Msg("stale instance reachable but reported no state")
		} else {
			var drop []string
			for _, id := range reported {
				if !ownedActive[id] {
					drop = append(drop, id)
				}
			}
			if len(drop) > 0 {
				if err := c.workers.NotifyRelease(ctx, instance, drop); err != nil {
					logger.Warn().Err(err).Int("streams", len(drop)).Msg("failed to notify stale instance of releases")
				} else {
					logger.Info().Int("streams", len(drop)).Msg("stale instance told to drop unowned streams")
				}
			}
		}
	}

	result := types.RecoveryResult{
		Action:      types.RecoveryActionSync,
		Target:      instanceID,
		Success:     true,
		AttemptedAt: c.now(),
	}

	if actual == instance.CurrentStreams {
		result.Message = "counter already consistent"
		return result, nil
	}

	previous := instance.CurrentStreams
	logger.Info().
		Int("counter", previous).
		Int("actual", actual).
		Msg("reconciling stream counter")

	instance.CurrentStreams = actual
	instance.UpdatedAt = c.now()
	if err := c.store.UpdateInstance(instance); err != nil {
		return types.RecoveryResult{}, err
	}

	result.Message = fmt.Sprintf("counter corrected from %d to %d", previous, actual)
	return result, nil
}

// AutoRecoverInconsistencies feeds every issue in the report through the
// resolution paths. It is idempotent: re-running it on an already repaired
// state performs no further writes.
func (c *Checker) AutoRecoverInconsistencies(ctx context.Context, report *types.ConsistencyReport) []types.RecoveryResult {
	results := c.ResolveConflicts(ctx, report.StreamIssues)

	seen := make(map[string]bool)
	for _, issue := range report.InstanceIssues {
		if seen[issue.InstanceID] {
			continue
		}
		seen[issue.InstanceID] = true
		result, err := c.SynchronizeInstanceState(ctx, issue.InstanceID)
		if err != nil {
			if errors.Is(err, storage.ErrInstanceNotFound) {
				continue
			}
			result = types.RecoveryResult{
				Action:      types.RecoveryActionSync,
				Target:      issue.InstanceID,
				Success:     false,
				Message:     err.Error(),
				AttemptedAt: c.now(),
			}
		}
		results = append(results, result)
	}
	return results
}

// allowAttempt increments and checks the per-issue attempt counter
func (c *Checker) allowAttempt(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempts[key] >= c.cfg.RecoveryAttempts {
		return false
	}
	c.attempts[key]++
	return true
}

func (c *Checker) clearAttempts(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, key)
}

func actionFor(issueType types.IssueType) types.RecoveryAction {
	switch issueType {
	case types.IssueTypeOrphaned:
		return types.RecoveryActionReassign
	case types.IssueTypeDuplicate:
		return types.RecoveryActionResolveConflict
	default:
		return types.RecoveryActionSync
	}
}

func failure(action types.RecoveryAction, target string, err error) types.RecoveryResult {
	return types.RecoveryResult{
		Action:  action,
		Target:  target,
		Success: false,
		Message: err.Error(),
	}
}
