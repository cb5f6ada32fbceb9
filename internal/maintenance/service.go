// Package maintenance runs scheduled database housekeeping for the retention engine.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/retention/internal/db/gorm"
)

// Store is the database surface maintenance needs.
type Store interface {
	Optimize(ctx context.Context) error
	Audit(ctx context.Context) (*gorm.AuditReport, error)
}

// Config controls the maintenance schedule.
type Config struct {
	Enabled      bool
	Interval     time.Duration
	InitialDelay time.Duration
}

// DefaultInitialDelay lets the service settle before the first run.
const DefaultInitialDelay = 5 * time.Minute

// Service handles scheduled maintenance tasks.
type Service struct {
	log             zerolog.Logger
	lastRunTime     time.Time
	store           Store
	lastAudit       *gorm.AuditReport
	stopCh          chan struct{}
	doneCh          chan struct{}
	config          Config
	lastRunDuration time.Duration
	totalRuns       int64
	totalOptimizes  int64
	totalViolations int64
	mu              sync.Mutex
	running         bool
	stopped         bool
}

// NewService creates a new maintenance service.
func NewService(store Store, cfg Config, log zerolog.Logger) *Service {
	if cfg.Interval < time.Hour {
		cfg.Interval = time.Hour
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	return &Service{
		store:  store,
		config: cfg,
		log:    log.With().Str("component", "maintenance").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the maintenance loop. This should be called in a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if !s.config.Enabled {
		s.log.Info().Msg("Maintenance disabled, not starting scheduler")
		return
	}

	s.log.Info().Dur("interval", s.config.Interval).Msg("Starting maintenance scheduler")

	if !s.sleep(ctx, s.config.InitialDelay) {
		return
	}
	s.RunNow(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Maintenance shutting down due to context cancellation")
			return
		case <-s.stopCh:
			s.log.Info().Msg("Maintenance shutting down due to stop signal")
			return
		case <-ticker.C:
			s.RunNow(ctx)
		}
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// Stop signals the maintenance loop to stop and waits for it when it runs.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	running := s.running
	close(s.stopCh)
	s.mu.Unlock()

	if running {
		<-s.doneCh
	}
}

// RunNow executes every maintenance task once. Task failures are logged and
// do not stop the remaining tasks.
func (s *Service) RunNow(ctx context.Context) *gorm.AuditReport {
	start := time.Now()
	s.log.Debug().Msg("Starting maintenance run")

	// Task 1: refresh planner statistics
	optimized := false
	if err := s.store.Optimize(ctx); err != nil {
		s.log.Error().Err(err).Msg("Failed to optimize database")
	} else {
		optimized = true
	}

	// Task 2: audit storage invariants
	report, err := s.store.Audit(ctx)
	violations := 0
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to audit database")
	} else {
		violations = len(report.DuplicateOpenAlerts) + len(report.InconsistentAdjustments) + len(report.MiscategorizedClients)
		if !report.Clean() {
			s.log.Error().
				Int("duplicate_open_alerts", len(report.DuplicateOpenAlerts)).
				Strs("inconsistent_adjustments", report.InconsistentAdjustments).
				Strs("miscategorized_clients", report.MiscategorizedClients).
				Msg("Storage invariant violations found")
		}
	}

	s.mu.Lock()
	s.lastRunTime = time.Now()
	s.lastRunDuration = time.Since(start)
	s.totalRuns++
	if optimized {
		s.totalOptimizes++
	}
	s.totalViolations += int64(violations)
	if report != nil {
		s.lastAudit = report
	}
	s.mu.Unlock()

	s.log.Info().
		Dur("duration", time.Since(start)).
		Int("violations", violations).
		Msg("Maintenance run completed")
	return report
}

// Stats returns maintenance statistics.
func (s *Service) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"enabled":          s.config.Enabled,
		"interval":         s.config.Interval.String(),
		"last_run":         s.lastRunTime,
		"last_duration_ms": s.lastRunDuration.Milliseconds(),
		"last_audit":       s.lastAudit,
		"total_runs":       s.totalRuns,
		"total_optimizes":  s.totalOptimizes,
		"total_violations": s.totalViolations,
		"running":          s.running,
	}
}

var _ Store = (*gorm.Store)(nil)
