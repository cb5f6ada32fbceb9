// Package ledger applies agent actions to client risk scores.
//
// Every score change made here is paired with an immutable ScoreAdjustment
// written in the same transaction as the new score.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/internal/metrics"
	"github.com/thebtf/retention/internal/notify"
	"github.com/thebtf/retention/internal/privacy"
	"github.com/thebtf/retention/pkg/models"
)

// ActionCallOutcome is the action type recorded on alerts resolved by a logged outcome.
const ActionCallOutcome = "call_outcome"

// Limits on free-text and listing input.
const (
	MaxNotesLength      = 4000
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// StateStore is the per-client read-modify-write the ledger depends on.
type StateStore interface {
	GetState(ctx context.Context, clientID string) (*models.ClientRiskState, error)
	Mutate(ctx context.Context, clientID string, fn gorm.MutationFunc) (*gorm.CommitResult, error)
}

// AdjustmentReader lists ledger entries.
type AdjustmentReader interface {
	ListAdjustments(ctx context.Context, clientID string, limit int) ([]*models.ScoreAdjustment, error)
}

// OutcomeRequest is one logged call outcome.
type OutcomeRequest struct {
	FollowUpDate *time.Time
	ClientID     string
	OutcomeID    string
	Notes        string
	LoggedBy     string
}

// Ledger owns score changes driven by agents.
type Ledger struct {
	log         zerolog.Logger
	states      StateStore
	adjustments AdjustmentReader
	catalog     *models.OutcomeCatalog
	events      notify.Publisher
	metrics     *metrics.Metrics
	now         func() time.Time
}

// New creates a ledger.
func New(states StateStore, adjustments AdjustmentReader, catalog *models.OutcomeCatalog, log zerolog.Logger) *Ledger {
	return &Ledger{
		log:         log.With().Str("component", "ledger").Logger(),
		states:      states,
		adjustments: adjustments,
		catalog:     catalog,
		events:      notify.Discard,
		now:         time.Now,
	}
}

// SetPublisher sets where post-commit events go.
func (l *Ledger) SetPublisher(p notify.Publisher) {
	if p != nil {
		l.events = p
	}
}

// SetMetrics attaches instruments.
func (l *Ledger) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// Catalog returns the outcome catalog in use.
func (l *Ledger) Catalog() *models.OutcomeCatalog { return l.catalog }

// ApplyOutcome applies a cataloged outcome to a client's score, appends the
// ledger entry and resolves the client's open alert with the outcome's
// category. A client without state starts from models.NeutralScore.
func (l *Ledger) ApplyOutcome(ctx context.Context, req OutcomeRequest) (*models.OutcomeResult, error) {
	outcome, err := l.validateOutcome(req)
	if err != nil {
		return nil, err
	}

	notes := l.scrub(req.ClientID, req.Notes)
	now := l.now()
	commit, err := l.states.Mutate(ctx, req.ClientID, func(cur *models.ClientRiskState) (*gorm.Mutation, error) {
		before := models.NeutralScore
		next := models.ClientRiskState{PreviousScore: models.NeutralScore}
		if cur != nil {
			before = cur.CurrentScore
			next = *cur
		}
		after := models.ClampScore(before + outcome.ScoreAdjustment)
		if after != before {
			next.PreviousScore = before
		}
		next.CurrentScore = after
		next.LastContactAt = &now

		return &gorm.Mutation{
			Next: next,
			At:   now,
			Adjustment: &models.ScoreAdjustment{
				OutcomeID:    outcome.ID,
				Delta:        outcome.ScoreAdjustment,
				ScoreBefore:  before,
				ScoreAfter:   after,
				Notes:        notes,
				FollowUpDate: req.FollowUpDate,
				LoggedBy:     req.LoggedBy,
				LoggedAt:     now,
			},
			ResolveAlert: &gorm.AlertResolution{
				At:         now,
				ActionType: ActionCallOutcome,
				Outcome:    outcome.Category,
			},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply outcome %s to %s: %w", outcome.ID, req.ClientID, err)
	}

	adj := commit.Adjustment
	result := &models.OutcomeResult{
		AdjustmentID: adj.ID,
		NewScore:     commit.State.CurrentScore,
		NewCategory:  commit.State.Category,
		ScoreBefore:  adj.ScoreBefore,
		Delta:        adj.Delta,
	}

	l.metrics.OutcomeApplied(ctx, string(outcome.Category))
	l.events.Publish(notify.NewEvent(notify.EventOutcomeLogged, req.ClientID, map[string]any{
		"outcome_id":   outcome.ID,
		"category":     outcome.Category,
		"delta":        adj.Delta,
		"score_before": adj.ScoreBefore,
		"score_after":  adj.ScoreAfter,
		"logged_by":    req.LoggedBy,
	}))
	if req.FollowUpDate != nil {
		l.events.Publish(notify.NewEvent(notify.EventFollowUpScheduled, req.ClientID, map[string]any{
			"follow_up_date": req.FollowUpDate.UTC().Format(time.RFC3339),
			"outcome_id":     outcome.ID,
			"logged_by":      req.LoggedBy,
		}))
	}
	if a := commit.ResolvedAlert; a != nil {
		result.ResolvedAlertID = a.ID
		l.metrics.AlertTransition(ctx, string(models.AlertActedOn))
		l.events.Publish(notify.NewEvent(notify.EventAlertActedOn, req.ClientID, map[string]any{
			"action_type": a.ActionType,
			"outcome":     a.Outcome,
		}).WithAlert(a.ID))
	}

	l.log.Info().
		Str("client_id", req.ClientID).
		Str("outcome_id", outcome.ID).
		Int("score_before", adj.ScoreBefore).
		Int("score_after", adj.ScoreAfter).
		Str("resolved_alert_id", result.ResolvedAlertID).
		Int("attempts", commit.Attempts).
		Msg("Outcome applied")

	return result, nil
}

func (l *Ledger) validateOutcome(req OutcomeRequest) (models.Outcome, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return models.Outcome{}, models.NewValidationError("clientId", "is required")
	}
	if req.OutcomeID == "" {
		return models.Outcome{}, models.NewValidationError("outcomeId", "is required")
	}
	outcome, ok := l.catalog.Lookup(req.OutcomeID)
	if !ok {
		return models.Outcome{}, models.NewValidationError("outcomeId", fmt.Sprintf("unknown outcome %q", req.OutcomeID))
	}
	if strings.TrimSpace(req.LoggedBy) == "" {
		return models.Outcome{}, models.NewValidationError("loggedBy", "is required")
	}
	if len(req.Notes) > MaxNotesLength {
		return models.Outcome{}, models.NewValidationError("notes", fmt.Sprintf("must be at most %d characters", MaxNotesLength))
	}
	return outcome, nil
}

// scrub redacts payment and identity numbers before they reach the ledger.
func (l *Ledger) scrub(clientID, text string) string {
	redacted := privacy.RedactNotes(text)
	if redacted != text {
		l.log.Warn().Str("client_id", clientID).Msg("Sensitive data redacted from notes")
	}
	return redacted
}

// SetManualScore overrides a client's score. The change is recorded as a
// ledger entry with the reserved manual override outcome; alerts are untouched.
func (l *Ledger) SetManualScore(ctx context.Context, clientID string, score int, reason, loggedBy string) (*models.OutcomeResult, error) {
	switch {
	case strings.TrimSpace(clientID) == "":
		return nil, models.NewValidationError("clientId", "is required")
	case score < models.MinScore || score > models.MaxScore:
		return nil, models.NewValidationError("score", fmt.Sprintf("must be between %d and %d, got %d", models.MinScore, models.MaxScore, score))
	case strings.TrimSpace(reason) == "":
		return nil, models.NewValidationError("reason", "is required")
	case len(reason) > MaxNotesLength:
		return nil, models.NewValidationError("reason", fmt.Sprintf("must be at most %d characters", MaxNotesLength))
	case strings.TrimSpace(loggedBy) == "":
		return nil, models.NewValidationError("loggedBy", "is required")
	}

	reason = l.scrub(clientID, reason)
	now := l.now()
	commit, err := l.states.Mutate(ctx, clientID, func(cur *models.ClientRiskState) (*gorm.Mutation, error) {
		before := models.NeutralScore
		next := models.ClientRiskState{PreviousScore: models.NeutralScore}
		if cur != nil {
			before = cur.CurrentScore
			next = *cur
		}
		if score != before {
			next.PreviousScore = before
		}
		next.CurrentScore = score
		return &gorm.Mutation{
			Next: next,
			At:   now,
			Adjustment: &models.ScoreAdjustment{
				OutcomeID:   models.ManualOverrideOutcomeID,
				Delta:       score - before,
				ScoreBefore: before,
				ScoreAfter:  score,
				Notes:       reason,
				LoggedBy:    loggedBy,
				LoggedAt:    now,
			},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("set manual score for %s: %w", clientID, err)
	}

	adj := commit.Adjustment
	l.metrics.OutcomeApplied(ctx, models.ManualOverrideOutcomeID)
	l.events.Publish(notify.NewEvent(notify.EventManualScore, clientID, map[string]any{
		"score_before": adj.ScoreBefore,
		"score_after":  adj.ScoreAfter,
		"logged_by":    loggedBy,
	}))
	l.log.Info().
		Str("client_id", clientID).
		Int("score_before", adj.ScoreBefore).
		Int("score_after", adj.ScoreAfter).
		Str("logged_by", loggedBy).
		Msg("Manual score set")

	return &models.OutcomeResult{
		AdjustmentID: adj.ID,
		NewScore:     commit.State.CurrentScore,
		NewCategory:  commit.State.Category,
		ScoreBefore:  adj.ScoreBefore,
		Delta:        adj.Delta,
	}, nil
}

// History returns a client's ledger entries, newest first.
func (l *Ledger) History(ctx context.Context, clientID string, limit int) ([]*models.ScoreAdjustment, error) {
	if limit < 0 {
		return nil, models.NewValidationError("limit", "must not be negative")
	}
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)
	return l.adjustments.ListAdjustments(ctx, clientID, limit)
}

// State returns a client's current risk state.
func (l *Ledger) State(ctx context.Context, clientID string) (*models.ClientRiskState, error) {
	return l.states.GetState(ctx, clientID)
}

var (
	_ StateStore       = (*gorm.RiskStore)(nil)
	_ AdjustmentReader = (*gorm.AdjustmentStore)(nil)
)
