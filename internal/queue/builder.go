// Package queue builds the agent worklist and the risk distribution from
// current persisted state. Nothing here writes.
package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/pkg/models"
)

// Queue limits.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// StateReader lists every client's risk state.
type StateReader interface {
	ListStates(ctx context.Context) ([]*models.ClientRiskState, error)
}

// AlertIndex reports which clients have an unresolved alert.
type AlertIndex interface {
	OpenAlertClientIDs(ctx context.Context) (map[string]bool, error)
}

// Builder produces the priority queue.
type Builder struct {
	states       StateReader
	alerts       AlertIndex
	now          func() time.Time
	defaultLimit int
	maxLimit     int
}

// NewBuilder creates a queue builder.
func NewBuilder(states StateReader, alerts AlertIndex) *Builder {
	return &Builder{
		states:       states,
		alerts:       alerts,
		now:          time.Now,
		defaultLimit: DefaultLimit,
		maxLimit:     MaxLimit,
	}
}

// SetLimits overrides the default and maximum queue length.
func (b *Builder) SetLimits(def, max int) {
	if def > 0 {
		b.defaultLimit = def
	}
	if max > 0 {
		b.maxLimit = max
	}
	b.defaultLimit = min(b.defaultLimit, b.maxLimit)
}

// BuildQueue returns clients ordered by score descending, then by days since
// contact descending, then by client id. MinCategory keeps clients whose tier
// is at least that urgent.
func (b *Builder) BuildQueue(ctx context.Context, f models.QueueFilter) ([]models.QueueItem, error) {
	if f.MinCategory != "" && !f.MinCategory.Valid() {
		return nil, models.NewValidationError("minCategory", fmt.Sprintf("unknown category %q", f.MinCategory))
	}
	if f.Limit < 0 {
		return nil, models.NewValidationError("limit", "must not be negative")
	}
	limit := f.Limit
	if limit == 0 {
		limit = b.defaultLimit
	}
	limit = min(limit, b.maxLimit)

	states, err := b.states.ListStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list risk states: %w", err)
	}
	open, err := b.alerts.OpenAlertClientIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open alerts: %w", err)
	}

	now := b.now()
	items := make([]models.QueueItem, 0, len(states))
	for _, s := range states {
		cat := models.Categorize(s.CurrentScore)
		if f.MinCategory != "" && !cat.AtLeast(f.MinCategory) {
			continue
		}
		days, never := DaysSinceContact(s, now)
		items = append(items, models.QueueItem{
			ClientID:         s.ClientID,
			Score:            s.CurrentScore,
			PreviousScore:    s.PreviousScore,
			Category:         cat,
			DaysSinceContact: days,
			NeverContacted:   never,
			HasActiveAlert:   open[s.ClientID],
		})
	}

	SortItems(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// SortItems applies the queue ordering in place.
func SortItems(items []models.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DaysSinceContact != b.DaysSinceContact {
			return a.DaysSinceContact > b.DaysSinceContact
		}
		return a.ClientID < b.ClientID
	})
}

// DaysSinceContact returns whole days since the last contact. A client never
// contacted counts from when its state was created, and never is true.
func DaysSinceContact(s *models.ClientRiskState, now time.Time) (days int, never bool) {
	since := s.CreatedAt
	if s.LastContactAt != nil {
		since = *s.LastContactAt
	} else {
		never = true
	}
	d := int(now.Sub(since) / (24 * time.Hour))
	if d < 0 {
		d = 0
	}
	return d, never
}

// Distribution counts clients per tier and summarizes score movement over
// the last 24 hours.
func (b *Builder) Distribution(ctx context.Context) (*models.RiskDistribution, error) {
	states, err := b.states.ListStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list risk states: %w", err)
	}
	return Distribute(states, b.now()), nil
}

// Distribute computes a distribution from a state snapshot. A client touched
// in the last 24 hours counts as increased or decreased only when its score
// itself moved inside the window; otherwise it is unchanged.
func Distribute(states []*models.ClientRiskState, now time.Time) *models.RiskDistribution {
	dist := &models.RiskDistribution{Counts: models.NewCategoryCounts(), Total: len(states)}
	cutoff := now.Add(-24 * time.Hour)
	for _, s := range states {
		dist.Counts[models.Categorize(s.CurrentScore)]++

		moved := s.ChangedSince(cutoff)
		if touched := s.LastChangedAt(); !moved && (touched == nil || touched.Before(cutoff)) {
			continue
		}
		switch {
		case moved && s.CurrentScore > s.PreviousScore:
			dist.Change24h.Increased++
		case moved && s.CurrentScore < s.PreviousScore:
			dist.Change24h.Decreased++
		default:
			dist.Change24h.Unchanged++
		}
	}
	return dist
}

var (
	_ StateReader = (*gorm.RiskStore)(nil)
	_ AlertIndex  = (*gorm.AlertStore)(nil)
)
