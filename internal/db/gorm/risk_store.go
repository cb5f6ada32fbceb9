package gorm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/retention/pkg/models"
)

// DefaultConflictRetries is how many times a lost compare-and-swap is retried
// before the caller gets models.ErrTransient.
const DefaultConflictRetries = 3

// Mutation describes one atomic change to a client's risk state.
// Every part commits in the same transaction or not at all.
type Mutation struct {
	// Next is the full new state. Category is always recomputed from CurrentScore.
	Next models.ClientRiskState

	// Adjustment, when set, is appended to the ledger.
	Adjustment *models.ScoreAdjustment

	// OpenAlert, when set, is inserted only if the client has no unresolved alert.
	OpenAlert *models.RiskAlert

	// ResolveAlert, when set, marks the client's most recent unresolved alert acted on.
	ResolveAlert *AlertResolution

	// At is the writer's clock for the change; zero means now. It stamps
	// Next.ScoreChangedAt and the day-start baseline.
	At time.Time
}

// AlertResolution carries the acted-on fields written by an outcome.
type AlertResolution struct {
	At         time.Time
	ActionType string
	Outcome    models.OutcomeCategory
}

// MutationFunc builds a mutation from the state read at the start of an attempt.
// current is nil when the client has no state yet. Returning a nil mutation
// skips the write. The function may be called more than once.
type MutationFunc func(current *models.ClientRiskState) (*Mutation, error)

// CommitResult reports what a successful mutation wrote.
type CommitResult struct {
	State         *models.ClientRiskState
	Adjustment    *models.ScoreAdjustment
	OpenedAlert   *models.RiskAlert
	ResolvedAlert *models.RiskAlert
	Attempts      int
	Created       bool
}

// ConflictObserver is notified every time a compare-and-swap loses a race.
type ConflictObserver func(ctx context.Context, clientID string, attempt int)

// RiskStore owns the per-client risk state rows and their read-modify-write cycle.
type RiskStore struct {
	store      *Store
	db         *gorm.DB
	onConflict ConflictObserver
	loc        atomic.Pointer[time.Location]
	retries    int
}

// NewRiskStore creates a risk store. retries <= 0 uses DefaultConflictRetries.
func NewRiskStore(store *Store, retries int) *RiskStore {
	if retries <= 0 {
		retries = DefaultConflictRetries
	}
	rs := &RiskStore{store: store, db: store.DB, retries: retries}
	rs.loc.Store(time.Local)
	return rs
}

// SetLocation sets the time zone whose midnight starts a new day-start
// baseline. It must match the zone the briefing reports in. Safe to call
// while writes are in flight.
func (s *RiskStore) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc.Store(loc)
	}
}

// OnConflict registers an observer for lost compare-and-swap attempts.
func (s *RiskStore) OnConflict(fn ConflictObserver) {
	s.onConflict = fn
}

// GetState returns the state for a client or models.ErrNotFound.
func (s *RiskStore) GetState(ctx context.Context, clientID string) (*models.ClientRiskState, error) {
	var row RiskState
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListStates returns every client's state. Read-side builders filter in Go so
// tier semantics stay in models.Categorize.
func (s *RiskStore) ListStates(ctx context.Context) ([]*models.ClientRiskState, error) {
	var rows []RiskState
	if err := s.db.WithContext(ctx).Order("client_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModelStates(rows), nil
}

// CountStates returns the number of scored clients.
func (s *RiskStore) CountStates(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&RiskState{}).Count(&n).Error
	return n, err
}

// Mutate performs an optimistic read-modify-write for one client. It reads the
// current row, asks fn for the change and commits it only if the row's version
// is still the one read. A lost race re-runs the whole cycle; after the retry
// budget is spent the error wraps models.ErrTransient.
func (s *RiskStore) Mutate(ctx context.Context, clientID string, fn MutationFunc) (*CommitResult, error) {
	attempts := s.retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := s.GetState(ctx, clientID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("read state %s: %w", clientID, err)
		}

		m, err := fn(current)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return &CommitResult{State: current, Attempts: attempt}, nil
		}

		result, err := s.commit(ctx, clientID, current, m)
		if errors.Is(err, models.ErrConflict) {
			log.Debug().Str("client_id", clientID).Int("attempt", attempt).Msg("Risk state changed concurrently, retrying")
			if s.onConflict != nil {
				s.onConflict(ctx, clientID, attempt)
			}
			if err := backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Attempts = attempt
		return result, nil
	}
	return nil, fmt.Errorf("client %s: %d conflicting writes: %w", clientID, attempts, models.ErrTransient)
}

func backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt*attempt) * 5 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// commit writes a mutation in one transaction, guarded by the version read.
func (s *RiskStore) commit(ctx context.Context, clientID string, current *models.ClientRiskState, m *Mutation) (*CommitResult, error) {
	next := m.Next
	next.ClientID = clientID
	next.CurrentScore = models.ClampScore(next.CurrentScore)
	next.PreviousScore = models.ClampScore(next.PreviousScore)
	next.Category = models.Categorize(next.CurrentScore)

	result := &CommitResult{}
	now := time.Now()
	at := m.At
	if at.IsZero() {
		at = now
	}
	s.stampBaselines(current, &next, at)

	err := s.store.TransactionWithTimeout(ctx, DefaultQueryTimeout, "risk_state_commit", func(tx *gorm.DB) error {
		if current == nil {
			if next.CreatedAt.IsZero() {
				next.CreatedAt = now
			}
			next.Version = 1
			row := fromModelState(&next)
			row.UpdatedAtEpoch = toEpoch(now)
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "client_id"}},
				DoNothing: true,
			}).Create(row)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.ErrConflict
			}
			result.Created = true
		} else {
			next.CreatedAt = current.CreatedAt
			next.Version = current.Version + 1
			res := tx.Model(&RiskState{}).
				Where("client_id = ? AND version = ?", clientID, current.Version).
				Updates(map[string]any{
					"current_score":            next.CurrentScore,
					"previous_score":           next.PreviousScore,
					"category":                 string(next.Category),
					"last_recomputed_at_epoch": nullEpoch(next.LastRecomputedAt),
					"last_contact_at_epoch":    nullEpoch(next.LastContactAt),
					"score_changed_at_epoch":   nullEpoch(next.ScoreChangedAt),
					"day_start_at_epoch":       nullEpoch(next.DayStartAt),
					"day_start_score":          next.DayStartScore,
					"version":                  next.Version,
					"updated_at_epoch":         toEpoch(now),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return models.ErrConflict
			}
		}

		if m.Adjustment != nil {
			adj := *m.Adjustment
			if adj.ID == "" {
				adj.ID = uuid.NewString()
			}
			adj.ClientID = clientID
			if !adj.Consistent() {
				return fmt.Errorf("ledger entry for %s: score_after %d != clamp(%d%+d)", clientID, adj.ScoreAfter, adj.ScoreBefore, adj.Delta)
			}
			if err := tx.Create(fromModelAdjustment(&adj)).Error; err != nil {
				return fmt.Errorf("append ledger entry: %w", err)
			}
			result.Adjustment = &adj
		}

		if m.OpenAlert != nil {
			opened, err := openAlertIfNoneUnresolved(tx, clientID, m.OpenAlert)
			if err != nil {
				return err
			}
			result.OpenedAlert = opened
		}

		if m.ResolveAlert != nil {
			resolved, err := resolveLatestOpenAlert(tx, clientID, m.ResolveAlert)
			if err != nil {
				return err
			}
			result.ResolvedAlert = resolved
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.State = &next
	return result, nil
}

// stampBaselines maintains the trend fields every writer depends on. The
// score-change time moves only with the score. The day-start baseline is
// the score held before the first write of each calendar day in s.loc; a
// client's first ever write starts from models.NeutralScore.
func (s *RiskStore) stampBaselines(current, next *models.ClientRiskState, at time.Time) {
	before := models.NeutralScore
	if current != nil {
		before = current.CurrentScore
		next.ScoreChangedAt = current.ScoreChangedAt
		next.DayStartAt = current.DayStartAt
		next.DayStartScore = current.DayStartScore
	} else {
		next.ScoreChangedAt = nil
		next.DayStartAt = nil
	}

	if next.CurrentScore != before {
		changed := at
		next.ScoreChangedAt = &changed
	}
	if next.DayStartAt == nil || !sameDay(*next.DayStartAt, at, s.loc.Load()) {
		started := at
		next.DayStartAt = &started
		next.DayStartScore = before
	}
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// openAlertIfNoneUnresolved inserts the alert unless the client already has an
// unresolved one. It returns nil when nothing was inserted.
func openAlertIfNoneUnresolved(tx *gorm.DB, clientID string, alert *models.RiskAlert) (*models.RiskAlert, error) {
	var open int64
	if err := tx.Model(&RiskAlert{}).
		Where("client_id = ? AND acted_on_at_epoch IS NULL", clientID).
		Count(&open).Error; err != nil {
		return nil, fmt.Errorf("count open alerts: %w", err)
	}
	if open > 0 {
		return nil, nil
	}

	a := *alert
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.ClientID = clientID
	a.ViewedAt = nil
	a.ActedOnAt = nil
	if err := tx.Create(fromModelAlert(&a)).Error; err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	return &a, nil
}

// resolveLatestOpenAlert marks the most recent unresolved alert acted on.
// It returns nil when the client has no unresolved alert.
func resolveLatestOpenAlert(tx *gorm.DB, clientID string, r *AlertResolution) (*models.RiskAlert, error) {
	var row RiskAlert
	err := tx.Where("client_id = ? AND acted_on_at_epoch IS NULL", clientID).
		Order("generated_at_epoch DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open alert: %w", err)
	}

	at := toEpoch(r.At)
	res := tx.Model(&RiskAlert{}).
		Where("id = ? AND acted_on_at_epoch IS NULL", row.ID).
		Updates(map[string]any{
			"acted_on_at_epoch": at,
			"action_type":       r.ActionType,
			"outcome":           string(r.Outcome),
			"viewed_at_epoch":   gorm.Expr("COALESCE(viewed_at_epoch, ?)", at),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("resolve alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	if err := tx.Where("id = ?", row.ID).Take(&row).Error; err != nil {
		return nil, err
	}
	return row.toModel(), nil
}
