// Package briefing assembles the daily narrative summary for retention agents.
//
// A briefing is a read-only composition of the current risk states, today's
// ledger entries, today's alerts and the external task count. Every source is
// optional in the sense that its failure degrades the briefing: the section
// comes back empty, a warning is recorded and Partial is set.
package briefing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/internal/notify"
	"github.com/thebtf/retention/internal/queue"
	"github.com/thebtf/retention/pkg/models"
)

// StateReader lists every client's risk state.
type StateReader interface {
	ListStates(ctx context.Context) ([]*models.ClientRiskState, error)
}

// AdjustmentFeed returns ledger entries logged at or after a time.
type AdjustmentFeed interface {
	AdjustmentsSince(ctx context.Context, since time.Time) ([]*models.ScoreAdjustment, error)
}

// QueueSource builds the priority queue.
type QueueSource interface {
	BuildQueue(ctx context.Context, f models.QueueFilter) ([]models.QueueItem, error)
}

// AlertFeed answers the alert questions a briefing asks.
type AlertFeed interface {
	AlertsGeneratedSince(ctx context.Context, since time.Time) ([]*models.RiskAlert, error)
	CountActedOnSince(ctx context.Context, since time.Time) (int, error)
	CountUnviewed(ctx context.Context) (int, error)
}

// Config tunes briefing content.
type Config struct {
	// Location defines "today" and the greeting bucket.
	Location *time.Location
	// QueueDepthCategory is the minimum tier counted in QueueDepth.
	QueueDepthCategory models.Category
	// IncreaseThreshold is the minimum same-day rise reported in ScoreIncreases.
	IncreaseThreshold int
	// PriorityCount is the number of queue heads listed.
	PriorityCount int
	// StaleContactDays flags high-risk clients not contacted for this long.
	StaleContactDays int
}

// DefaultConfig returns the default briefing configuration.
func DefaultConfig() Config {
	return Config{
		Location:           time.Local,
		QueueDepthCategory: models.CategoryHigh,
		IncreaseThreshold:  10,
		PriorityCount:      5,
		StaleContactDays:   14,
	}
}

// Generator builds briefings.
type Generator struct {
	states      StateReader
	adjustments AdjustmentFeed
	alerts      AlertFeed
	queue       QueueSource
	tasks       notify.TaskSource
	now         func() time.Time
	logger      zerolog.Logger
	cfg         Config
}

// NewGenerator creates a briefing generator. A nil task source reports zero
// completed tasks.
func NewGenerator(states StateReader, adjustments AdjustmentFeed, alerts AlertFeed, q QueueSource, tasks notify.TaskSource, cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.QueueDepthCategory == "" {
		cfg.QueueDepthCategory = def.QueueDepthCategory
	}
	if cfg.IncreaseThreshold <= 0 {
		cfg.IncreaseThreshold = def.IncreaseThreshold
	}
	if cfg.PriorityCount <= 0 {
		cfg.PriorityCount = def.PriorityCount
	}
	if cfg.StaleContactDays <= 0 {
		cfg.StaleContactDays = def.StaleContactDays
	}
	if tasks == nil {
		tasks = notify.StaticTaskSource{}
	}
	return &Generator{
		states:      states,
		adjustments: adjustments,
		alerts:      alerts,
		queue:       q,
		tasks:       tasks,
		now:         time.Now,
		cfg:         cfg,
		logger:      log.With().Str("component", "briefing").Logger(),
	}
}

// SetClock replaces the clock that defines "now" and "today".
func (g *Generator) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// TimeOfDayAt buckets a wall-clock time: before noon is morning, before
// 17:00 is afternoon, the rest is evening.
func TimeOfDayAt(t time.Time) models.TimeOfDay {
	switch h := t.Hour(); {
	case h < 12:
		return models.Morning
	case h < 17:
		return models.Afternoon
	default:
		return models.Evening
	}
}

// StartOfDay returns local midnight of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// snapshot is everything fetched from upstream for one briefing.
type snapshot struct {
	states      []*models.ClientRiskState
	adjustments []*models.ScoreAdjustment
	alertsToday []*models.RiskAlert
	priority    []models.QueueItem
	warnings    []string
	actedOn     int
	unviewed    int
	tasks       int

	statesOK      bool
	adjustmentsOK bool
	alertsOK      bool
	queueOK       bool
	unviewedOK    bool
}

func (s *snapshot) warn(mu *sync.Mutex, section string, err error) {
	mu.Lock()
	s.warnings = append(s.warnings, fmt.Sprintf("%s unavailable: %v", section, err))
	mu.Unlock()
}

// fetch reads every upstream concurrently. Failures are recorded, never returned.
func (g *Generator) fetch(ctx context.Context, today time.Time) *snapshot {
	snap := &snapshot{}
	var mu sync.Mutex
	var eg errgroup.Group

	eg.Go(func() error {
		states, err := g.states.ListStates(ctx)
		if err != nil {
			snap.warn(&mu, "risk states", err)
			return nil
		}
		snap.states, snap.statesOK = states, true
		return nil
	})
	eg.Go(func() error {
		adj, err := g.adjustments.AdjustmentsSince(ctx, today)
		if err != nil {
			snap.warn(&mu, "today's outcomes", err)
			return nil
		}
		snap.adjustments, snap.adjustmentsOK = adj, true
		return nil
	})
	eg.Go(func() error {
		alerts, err := g.alerts.AlertsGeneratedSince(ctx, today)
		if err != nil {
			snap.warn(&mu, "today's alerts", err)
			return nil
		}
		snap.alertsToday, snap.alertsOK = alerts, true
		return nil
	})
	eg.Go(func() error {
		items, err := g.queue.BuildQueue(ctx, models.QueueFilter{Limit: g.cfg.PriorityCount})
		if err != nil {
			snap.warn(&mu, "priority queue", err)
			return nil
		}
		snap.priority, snap.queueOK = items, true
		return nil
	})
	eg.Go(func() error {
		n, err := g.alerts.CountActedOnSince(ctx, today)
		if err != nil {
			snap.warn(&mu, "alerts acted on", err)
			return nil
		}
		snap.actedOn = n
		return nil
	})
	eg.Go(func() error {
		n, err := g.alerts.CountUnviewed(ctx)
		if err != nil {
			snap.warn(&mu, "unviewed alerts", err)
			return nil
		}
		snap.unviewed, snap.unviewedOK = n, true
		return nil
	})
	eg.Go(func() error {
		n, err := g.tasks.CompletedTasks(ctx, today)
		if err != nil {
			snap.warn(&mu, "completed tasks", err)
			return nil
		}
		snap.tasks = n
		return nil
	})
	_ = eg.Wait()

	sort.Strings(snap.warnings)
	return snap
}

// Generate builds the briefing for the current moment. It does not fail on
// upstream errors; the returned briefing is Partial instead.
func (g *Generator) Generate(ctx context.Context) *models.Briefing {
	now := g.now().In(g.cfg.Location)
	today := StartOfDay(now)
	snap := g.fetch(ctx, today)

	b := &models.Briefing{
		GeneratedAt:        now,
		Greeting:           greeting(now),
		CategoryCounts:     models.NewCategoryCounts(),
		NewCriticalClients: []models.NewCriticalClient{},
		PriorityClients:    []models.QueueItem{},
		ScoreIncreases:     []models.ScoreIncrease{},
		Insights:           []string{},
		Warnings:           snap.warnings,
		Partial:            len(snap.warnings) > 0,
	}

	outcomes := 0
	for _, a := range snap.adjustments {
		if a.OutcomeID != models.ManualOverrideOutcomeID {
			outcomes++
		}
	}
	b.CompletedActions = models.CompletedActions{
		OutcomesLogged: outcomes,
		TasksCompleted: snap.tasks,
		AlertsActedOn:  snap.actedOn,
	}

	if snap.statesOK {
		for _, s := range snap.states {
			cat := models.Categorize(s.CurrentScore)
			b.CategoryCounts[cat]++
			if cat.AtLeast(g.cfg.QueueDepthCategory) {
				b.QueueDepth++
			}
		}
		b.ScoreIncreases = g.scoreIncreases(snap, today)
	}

	if snap.queueOK && snap.priority != nil {
		b.PriorityClients = snap.priority
	}

	if snap.alertsOK {
		for _, a := range snap.alertsToday {
			if !a.Category.AtLeast(models.CategoryCritical) {
				continue
			}
			b.NewCriticalClients = append(b.NewCriticalClients, models.NewCriticalClient{
				GeneratedAt: a.GeneratedAt,
				ClientID:    a.ClientID,
				AlertID:     a.ID,
				Category:    a.Category,
				Score:       a.ScoreAtGeneration,
			})
		}
	}

	b.Insights = g.insights(snap, b, now)

	if b.Partial {
		g.logger.Warn().Strs("warnings", b.Warnings).Msg("Briefing generated with missing sections")
	}
	return b
}

func greeting(now time.Time) models.Greeting {
	tod := TimeOfDayAt(now)
	msg := "Good evening"
	switch tod {
	case models.Morning:
		msg = "Good morning"
	case models.Afternoon:
		msg = "Good afternoon"
	}
	return models.Greeting{TimeOfDay: tod, Message: msg}
}

// scoreIncreases reports clients whose score rose by at least the threshold
// since the start of the day. The baseline is the score each client held
// before whichever write touched it first today.
func (g *Generator) scoreIncreases(snap *snapshot, today time.Time) []models.ScoreIncrease {
	out := []models.ScoreIncrease{}
	for _, s := range snap.states {
		before, ok := s.DayStart(today)
		if !ok {
			continue
		}
		delta := s.CurrentScore - before
		if delta < g.cfg.IncreaseThreshold {
			continue
		}
		out = append(out, models.ScoreIncrease{
			ClientID: s.ClientID,
			Category: models.Categorize(s.CurrentScore),
			Before:   before,
			After:    s.CurrentScore,
			Delta:    delta,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Delta != out[j].Delta {
			return out[i].Delta > out[j].Delta
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

func (g *Generator) insights(snap *snapshot, b *models.Briefing, now time.Time) []string {
	var out []string

	if snap.statesOK && len(snap.states) == 0 {
		out = append(out, "No clients have been scored yet.")
	}

	if snap.statesOK {
		stale := 0
		for _, s := range snap.states {
			if !models.Categorize(s.CurrentScore).AtLeast(models.CategoryHigh) {
				continue
			}
			if days, _ := queue.DaysSinceContact(s, now); days >= g.cfg.StaleContactDays {
				stale++
			}
		}
		if stale > 0 {
			out = append(out, fmt.Sprintf("%d high-risk %s not been contacted in %d+ days.",
				stale, plural(stale, "client has", "clients have"), g.cfg.StaleContactDays))
		}
	}

	if n := len(b.NewCriticalClients); n > 0 {
		out = append(out, fmt.Sprintf("%d %s critical today.", n, plural(n, "client became", "clients became")))
	}

	if snap.unviewedOK && snap.unviewed > 0 {
		out = append(out, fmt.Sprintf("%d %s waiting to be viewed.", snap.unviewed, plural(snap.unviewed, "alert is", "alerts are")))
	}

	if snap.adjustmentsOK {
		if b.CompletedActions.OutcomesLogged == 0 {
			out = append(out, "No call outcomes have been logged yet today.")
		} else {
			net := 0
			for _, a := range snap.adjustments {
				if a.OutcomeID != models.ManualOverrideOutcomeID {
					net += a.ScoreAfter - a.ScoreBefore
				}
			}
			if net < 0 {
				out = append(out, fmt.Sprintf("Today's outcomes lowered total risk by %d points.", -net))
			}
		}
	}

	if out == nil {
		out = []string{}
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

var (
	_ StateReader    = (*gorm.RiskStore)(nil)
	_ AdjustmentFeed = (*gorm.AdjustmentStore)(nil)
	_ AlertFeed      = (*gorm.AlertStore)(nil)
	_ QueueSource    = (*queue.Builder)(nil)
)
