package consistency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiomesh/conductor/pkg/config"
	"github.com/audiomesh/conductor/pkg/log"
	"github.com/rs/zerolog"
)

// Monitor schedules periodic consistency checks. Runs never overlap: a
// check that is still in flight when the ticker fires again makes the new
// tick a no-op.
type Monitor struct {
	checker *Checker
	cfg     config.ConsistencyConfig
	logger  zerolog.Logger

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a consistency monitor around the given checker
func NewMonitor(cfg config.ConsistencyConfig, checker *Checker) *Monitor {
	return &Monitor{
		checker: checker,
		cfg:     cfg,
		logger:  log.WithComponent("consistency-monitor"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic check loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Info().
		Dur("interval", m.cfg.CheckInterval).
		Bool("auto_recovery", m.cfg.AutoRecovery).
		Msg("consistency monitor started")
}

// Stop shuts the loop down and waits for an in-flight check to finish
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info().Msg("consistency monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunOnce(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// RunOnce executes a single verification pass, with auto-recovery when
// enabled. Returns false if a pass was already in progress.
func (m *Monitor) RunOnce(ctx context.Context) bool {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Debug().Msg("check already in progress, skipping")
		return false
	}
	defer m.running.Store(false)

	report, err := m.checker.VerifyStreamAssignments(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("consistency check failed")
		return true
	}

	if m.cfg.AutoRecovery && report.IssueCount() > 0 {
		results := m.checker.AutoRecoverInconsistencies(ctx, report)
		repaired := 0
		for _, r := range results {
			if r.Success {
				repaired++
			}
		}
		m.logger.Info().
			Int("issues", report.IssueCount()).
			Int("repaired", repaired).
			Msg("auto recovery pass complete")
	}
	return true
}
