// Package alerts tracks the lifecycle of risk alerts.
//
// An alert moves generated -> viewed -> acted_on. Each timestamp is written
// at most once, so repeating a transition is a no-op that returns the alert
// as stored.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/retention/internal/db/gorm"
	"github.com/thebtf/retention/internal/metrics"
	"github.com/thebtf/retention/internal/notify"
	"github.com/thebtf/retention/pkg/models"
)

// Listing limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store persists alert transitions.
type Store interface {
	GetAlert(ctx context.Context, id string) (*models.RiskAlert, error)
	MarkViewed(ctx context.Context, id string, at time.Time) (*models.RiskAlert, bool, error)
	MarkActedOn(ctx context.Context, id string, r gorm.AlertResolution) (*models.RiskAlert, bool, error)
	ListAlerts(ctx context.Context, f gorm.AlertFilter) ([]*models.RiskAlert, error)
}

// Filter selects alerts for listing. Status is one of "", "all", "open",
// "generated", "viewed" or "acted_on".
type Filter struct {
	Status   string
	ClientID string
	Limit    int
}

// Tracker records alert transitions.
type Tracker struct {
	log     zerolog.Logger
	store   Store
	events  notify.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(store Store, log zerolog.Logger) *Tracker {
	return &Tracker{
		log:    log.With().Str("component", "alerts").Logger(),
		store:  store,
		events: notify.Discard,
		now:    time.Now,
	}
}

// SetPublisher sets where transition events go.
func (t *Tracker) SetPublisher(p notify.Publisher) {
	if p != nil {
		t.events = p
	}
}

// SetMetrics attaches instruments.
func (t *Tracker) SetMetrics(m *metrics.Metrics) { t.metrics = m }

// Get returns one alert.
func (t *Tracker) Get(ctx context.Context, id string) (*models.RiskAlert, error) {
	if strings.TrimSpace(id) == "" {
		return nil, models.NewValidationError("id", "is required")
	}
	return t.store.GetAlert(ctx, id)
}

// MarkViewed sets viewedAt if it is not set yet.
func (t *Tracker) MarkViewed(ctx context.Context, id string) (*models.RiskAlert, error) {
	if strings.TrimSpace(id) == "" {
		return nil, models.NewValidationError("id", "is required")
	}
	alert, changed, err := t.store.MarkViewed(ctx, id, t.now())
	if err != nil {
		return nil, fmt.Errorf("mark alert %s viewed: %w", id, err)
	}
	if changed {
		t.metrics.AlertTransition(ctx, string(models.AlertViewed))
		t.events.Publish(notify.NewEvent(notify.EventAlertViewed, alert.ClientID, nil).WithAlert(alert.ID))
		t.log.Debug().Str("alert_id", id).Str("client_id", alert.ClientID).Msg("Alert viewed")
	}
	return alert, nil
}

// MarkActedOn records the action taken on an alert if none was recorded yet.
// viewedAt is filled in when the alert was never viewed.
func (t *Tracker) MarkActedOn(ctx context.Context, id, actionType string, outcome models.OutcomeCategory) (*models.RiskAlert, error) {
	switch {
	case strings.TrimSpace(id) == "":
		return nil, models.NewValidationError("id", "is required")
	case strings.TrimSpace(actionType) == "":
		return nil, models.NewValidationError("actionType", "is required")
	case !outcome.Valid():
		return nil, models.NewValidationError("outcome", fmt.Sprintf("must be one of positive, neutral, concern, negative; got %q", outcome))
	}

	alert, changed, err := t.store.MarkActedOn(ctx, id, gorm.AlertResolution{
		At:         t.now(),
		ActionType: actionType,
		Outcome:    outcome,
	})
	if err != nil {
		return nil, fmt.Errorf("mark alert %s acted on: %w", id, err)
	}
	if changed {
		t.metrics.AlertTransition(ctx, string(models.AlertActedOn))
		t.events.Publish(notify.NewEvent(notify.EventAlertActedOn, alert.ClientID, map[string]any{
			"action_type": actionType,
			"outcome":     outcome,
		}).WithAlert(alert.ID))
		t.log.Info().
			Str("alert_id", id).
			Str("client_id", alert.ClientID).
			Str("action_type", actionType).
			Str("outcome", string(outcome)).
			Msg("Alert acted on")
	}
	return alert, nil
}

// List returns alerts newest first.
func (t *Tracker) List(ctx context.Context, f Filter) ([]*models.RiskAlert, error) {
	status := f.Status
	switch status {
	case "", "all":
		status = ""
	case "open", string(models.AlertGenerated), string(models.AlertViewed), string(models.AlertActedOn):
	default:
		return nil, models.NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit < 0 {
		return nil, models.NewValidationError("limit", "must not be negative")
	}
	limit := f.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	return t.store.ListAlerts(ctx, gorm.AlertFilter{ClientID: f.ClientID, Status: status, Limit: limit})
}

var _ Store = (*gorm.AlertStore)(nil)
