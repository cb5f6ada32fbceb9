package scoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/internal/metrics"
	"github.com/thebtf/retention/internal/notify"
	"github.com/thebtf/retention/pkg/models"
)

// AttributeSource is the read-only client record collaborator.
type AttributeSource interface {
	ListClientIDs(ctx context.Context, after string, limit int) ([]string, error)
	GetAttributes(ctx context.Context, clientID string) (*models.ClientAttributes, error)
}

// StateStore performs the per-client read-modify-write.
type StateStore interface {
	Mutate(ctx context.Context, clientID string, fn gorm.MutationFunc) (*gorm.CommitResult, error)
}

// RecalculatorConfig tunes the recomputation job.
type RecalculatorConfig struct {
	Interval     time.Duration
	InitialDelay time.Duration
	PageSize     int
	Concurrency  int
	// NeutralOnSourceError scores a client as models.NeutralScore when its
	// attributes cannot be read; otherwise the client is skipped.
	NeutralOnSourceError bool
}

// DefaultRecalculatorConfig returns a once-a-day schedule.
func DefaultRecalculatorConfig() RecalculatorConfig {
	return RecalculatorConfig{
		Interval:             24 * time.Hour,
		PageSize:             500,
		Concurrency:          4,
		NeutralOnSourceError: true,
	}
}

// RunReport summarizes one recomputation run.
type RunReport struct {
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	Processed    int           `json:"processed"`
	Changed      int           `json:"changed"`
	Neutral      int           `json:"neutral"`
	Failed       int           `json:"failed"`
	AlertsOpened int           `json:"alerts_opened"`
	Interrupted  bool          `json:"interrupted"`
	Skipped      bool          `json:"skipped"`
}

// Recalculator walks every client, rescores it and opens an alert when the
// new score lands in a more urgent tier. Runs are idempotent: re-running with
// unchanged inputs writes the same scores and opens no new alert.
type Recalculator struct {
	log     zerolog.Logger
	source  AttributeSource
	states  StateStore
	scorer  Scorer
	lease   Lease
	events  notify.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
	last    *RunReport
	stopCh  chan struct{}
	doneCh  chan struct{}
	resetCh chan struct{}
	cancel  context.CancelFunc
	group   singleflight.Group
	config  RecalculatorConfig
	runs    int64
	mu      sync.Mutex
	running bool
}

// NewRecalculator creates a new recomputation job.
func NewRecalculator(source AttributeSource, states StateStore, scorer Scorer, cfg RecalculatorConfig, log zerolog.Logger) *Recalculator {
	def := DefaultRecalculatorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Recalculator{
		source: source,
		states: states,
		scorer: scorer,
		config: cfg,
		events: notify.Discard,
		now:    time.Now,
		log:    log.With().Str("component", "recalculator").Logger(),
	}
}

// SetLease makes every run take the lease first.
func (r *Recalculator) SetLease(l Lease) { r.lease = l }

// SetPublisher sets where alert events go.
func (r *Recalculator) SetPublisher(p notify.Publisher) {
	if p != nil {
		r.events = p
	}
}

// SetMetrics attaches instruments.
func (r *Recalculator) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// SetClock replaces the clock stamped on recomputed states and alerts.
func (r *Recalculator) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// SetInterval changes the schedule. A running loop resets its ticker to
// the new interval right away.
func (r *Recalculator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.config.Interval = d
	resetCh := r.resetCh
	r.mu.Unlock()

	if resetCh != nil {
		select {
		case resetCh <- struct{}{}:
		default:
		}
	}
}

func (r *Recalculator) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.Interval
}

// Start begins the scheduled loop. This should be called in a goroutine.
// The loop may be started again after Stop returns.
func (r *Recalculator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	stopCh, doneCh, resetCh := make(chan struct{}), make(chan struct{}), make(chan struct{}, 1)
	r.stopCh, r.doneCh, r.resetCh = stopCh, doneCh, resetCh
	delay := r.config.InitialDelay
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.resetCh = nil
		r.mu.Unlock()
		close(doneCh)
	}()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
		}
	}

	r.scheduledRun(ctx)

	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("recalculator shutting down due to context cancellation")
			return
		case <-stopCh:
			r.log.Info().Msg("recalculator stopping")
			return
		case <-resetCh:
			interval := r.interval()
			ticker.Reset(interval)
			r.log.Info().Dur("interval", interval).Msg("recalculation interval changed")
		case <-ticker.C:
			r.scheduledRun(ctx)
		}
	}
}

// Stop interrupts a run in progress and waits for the loop to exit.
func (r *Recalculator) Stop() {
	r.mu.Lock()
	if !r.running || r.stopCh == nil {
		r.mu.Unlock()
		return
	}
	cancel, stopCh, doneCh := r.cancel, r.stopCh, r.doneCh
	r.stopCh = nil
	r.mu.Unlock()

	cancel()
	close(stopCh)
	<-doneCh
}

func (r *Recalculator) scheduledRun(ctx context.Context) {
	if _, err := r.RunNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error().Err(err).Msg("scheduled recomputation failed")
	}
}

// RunNow runs a recomputation immediately. Concurrent callers share one run.
func (r *Recalculator) RunNow(ctx context.Context) (RunReport, error) {
	v, err, _ := r.group.Do("recompute", func() (any, error) {
		return r.run(ctx)
	})
	report, _ := v.(RunReport)
	return report, err
}

func (r *Recalculator) run(ctx context.Context) (RunReport, error) {
	report := RunReport{StartedAt: r.now()}

	ctx, span := otel.Tracer(metrics.InstrumentationName).Start(ctx, "recompute.run")
	defer span.End()

	if r.lease != nil {
		release, ok, err := r.lease.Acquire(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			r.log.Info().Msg("recomputation lease held elsewhere, skipping run")
			report.Skipped = true
			r.finish(ctx, &report)
			return report, nil
		}
		defer release()
	}

	var mu sync.Mutex
	after := ""
	for {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}

		ids, err := r.source.ListClientIDs(ctx, after, r.config.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				report.Interrupted = true
				break
			}
			r.finish(ctx, &report)
			return report, err
		}
		if len(ids) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(r.config.Concurrency)
		for _, id := range ids {
			if ctx.Err() != nil {
				break
			}
			id := id
			g.Go(func() error {
				res := r.recomputeClient(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case res.interrupted:
					report.Interrupted = true
				case res.err != nil:
					report.Failed++
				default:
					report.Processed++
					if res.changed {
						report.Changed++
					}
					if res.neutral {
						report.Neutral++
					}
					if res.opened {
						report.AlertsOpened++
					}
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(ids) < r.config.PageSize {
			break
		}
		after = ids[len(ids)-1]
	}
	if ctx.Err() != nil {
		report.Interrupted = true
	}

	r.finish(ctx, &report)
	span.SetAttributes(
		attribute.Int("processed", report.Processed),
		attribute.Int("failed", report.Failed),
		attribute.Int("alerts_opened", report.AlertsOpened),
		attribute.Bool("interrupted", report.Interrupted),
	)

	r.events.Publish(notify.NewEvent(notify.EventRecomputeFinished, "", map[string]any{
		"processed":     report.Processed,
		"failed":        report.Failed,
		"alerts_opened": report.AlertsOpened,
		"interrupted":   report.Interrupted,
	}))

	ev := r.log.Info()
	if report.Interrupted {
		ev = r.log.Warn()
	}
	ev.Int("processed", report.Processed).
		Int("changed", report.Changed).
		Int("neutral", report.Neutral).
		Int("failed", report.Failed).
		Int("alerts_opened", report.AlertsOpened).
		Bool("interrupted", report.Interrupted).
		Dur("elapsed", report.Elapsed).
		Msg("recomputation finished")

	return report, nil
}

func (r *Recalculator) finish(ctx context.Context, report *RunReport) {
	report.FinishedAt = r.now()
	report.Elapsed = report.FinishedAt.Sub(report.StartedAt)
	r.metrics.RunFinished(ctx, report.Elapsed, report.Interrupted)

	r.mu.Lock()
	r.runs++
	last := *report
	r.last = &last
	r.mu.Unlock()
}

type clientResult struct {
	err         error
	changed     bool
	neutral     bool
	opened      bool
	interrupted bool
}

// recomputeClient rescores one client. The new score, trend and any alert are
// committed together or not at all.
func (r *Recalculator) recomputeClient(ctx context.Context, clientID string) clientResult {
	var res clientResult
	logger := r.log.With().Str("client_id", clientID).Logger()

	score := models.NeutralScore
	attrs, err := r.source.GetAttributes(ctx, clientID)
	switch {
	case ctx.Err() != nil:
		res.interrupted = true
		return res
	case errors.Is(err, models.ErrNotFound):
		logger.Warn().Msg("client attributes disappeared, skipping")
		res.err = err
		r.metrics.RecomputeFailed(ctx)
		return res
	case err != nil && r.config.NeutralOnSourceError:
		logger.Warn().Err(err).Int("score", score).Msg("attribute source unavailable, using neutral score")
		res.neutral = true
	case err != nil:
		logger.Error().Err(err).Msg("attribute source unavailable, skipping client")
		res.err = err
		r.metrics.RecomputeFailed(ctx)
		return res
	default:
		score = models.ClampScore(r.scorer.Compute(*attrs))
	}

	now := r.now()
	commit, err := r.states.Mutate(ctx, clientID, func(cur *models.ClientRiskState) (*gorm.Mutation, error) {
		prevCat := models.Categorize(models.NeutralScore)
		next := models.ClientRiskState{CurrentScore: score, PreviousScore: models.NeutralScore}
		res.changed = score != models.NeutralScore
		if cur != nil {
			prevCat = models.Categorize(cur.CurrentScore)
			next = *cur
			res.changed = cur.CurrentScore != score
			if res.changed {
				next.PreviousScore = cur.CurrentScore
			}
			next.CurrentScore = score
		}
		next.LastRecomputedAt = &now

		m := &gorm.Mutation{Next: next, At: now}
		if newCat := models.Categorize(score); newCat.MoreUrgentThan(prevCat) {
			m.OpenAlert = &models.RiskAlert{
				ScoreAtGeneration: score,
				Category:          newCat,
				PreviousCategory:  prevCat,
				GeneratedAt:       now,
			}
		}
		return m, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			res.interrupted = true
			return res
		}
		logger.Error().Err(err).Msg("failed to write recomputed score")
		res.err = err
		r.metrics.RecomputeFailed(ctx)
		return res
	}

	r.metrics.ClientRecomputed(ctx, res.changed)
	if a := commit.OpenedAlert; a != nil {
		res.opened = true
		r.metrics.AlertOpened(ctx, string(a.Category))
		r.events.Publish(notify.NewEvent(notify.EventAlertGenerated, clientID, map[string]any{
			"score":             a.ScoreAtGeneration,
			"category":          a.Category,
			"previous_category": a.PreviousCategory,
		}).WithAlert(a.ID))
		logger.Info().
			Str("alert_id", a.ID).
			Int("score", a.ScoreAtGeneration).
			Str("category", string(a.Category)).
			Str("previous_category", string(a.PreviousCategory)).
			Msg("risk alert opened")
	}
	return res
}

// Stats returns statistics about the recalculator.
type Stats struct {
	LastRun     *RunReport    `json:"last_run,omitempty"`
	Interval    time.Duration `json:"interval"`
	PageSize    int           `json:"page_size"`
	Concurrency int           `json:"concurrency"`
	Runs        int64         `json:"runs"`
	Running     bool          `json:"running"`
}

// GetStats returns current recalculator statistics.
func (r *Recalculator) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Running:     r.running,
		Interval:    r.config.Interval,
		PageSize:    r.config.PageSize,
		Concurrency: r.config.Concurrency,
		Runs:        r.runs,
		LastRun:     r.last,
	}
}

var (
	_ AttributeSource = (*gorm.AttributeStore)(nil)
	_ StateStore      = (*gorm.RiskStore)(nil)
	_ Scorer          = (*Calculator)(nil)
)
