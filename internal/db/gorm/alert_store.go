package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/retention/pkg/models"
)

// AlertFilter selects alerts for listing.
type AlertFilter struct {
	ClientID string
	Status   string // "open" (not acted on), "generated", "viewed", "acted_on" or "" for all
	Limit    int
}

// AlertStore reads and transitions risk alerts. Alerts are created only by
// RiskStore.Mutate so that opening stays atomic with the score write.
type AlertStore struct {
	db *gorm.DB
}

// NewAlertStore creates an alert store.
func NewAlertStore(store *Store) *AlertStore {
	return &AlertStore{db: store.DB}
}

// GetAlert returns an alert by id or models.ErrNotFound.
func (s *AlertStore) GetAlert(ctx context.Context, id string) (*models.RiskAlert, error) {
	var row RiskAlert
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// MarkViewed sets viewed_at if it is still empty and returns the alert as stored.
func (s *AlertStore) MarkViewed(ctx context.Context, id string, at time.Time) (*models.RiskAlert, bool, error) {
	res := s.db.WithContext(ctx).
		Model(&RiskAlert{}).
		Where("id = ? AND viewed_at_epoch IS NULL", id).
		Update("viewed_at_epoch", toEpoch(at))
	if res.Error != nil {
		return nil, false, res.Error
	}
	alert, err := s.GetAlert(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return alert, res.RowsAffected > 0, nil
}

// MarkActedOn sets the acted-on fields if the alert is not yet acted on.
// viewed_at is filled in when it was never set. It returns the alert as
// stored and whether this call changed it.
func (s *AlertStore) MarkActedOn(ctx context.Context, id string, r AlertResolution) (*models.RiskAlert, bool, error) {
	at := toEpoch(r.At)
	res := s.db.WithContext(ctx).
		Model(&RiskAlert{}).
		Where("id = ? AND acted_on_at_epoch IS NULL", id).
		Updates(map[string]any{
			"acted_on_at_epoch": at,
			"action_type":       r.ActionType,
			"outcome":           string(r.Outcome),
			"viewed_at_epoch":   gorm.Expr("COALESCE(viewed_at_epoch, ?)", at),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	alert, err := s.GetAlert(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return alert, res.RowsAffected > 0, nil
}

// ListAlerts returns alerts newest first.
func (s *AlertStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.RiskAlert, error) {
	q := s.db.WithContext(ctx).Order("generated_at_epoch DESC, id")
	if f.ClientID != "" {
		q = q.Where("client_id = ?", f.ClientID)
	}
	switch f.Status {
	case "open":
		q = q.Where("acted_on_at_epoch IS NULL")
	case string(models.AlertGenerated):
		q = q.Where("acted_on_at_epoch IS NULL AND viewed_at_epoch IS NULL")
	case string(models.AlertViewed):
		q = q.Where("acted_on_at_epoch IS NULL AND viewed_at_epoch IS NOT NULL")
	case string(models.AlertActedOn):
		q = q.Where("acted_on_at_epoch IS NOT NULL")
	}
	q = q.Limit(clampLimit(f.Limit))

	var rows []RiskAlert
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModelAlerts(rows), nil
}

// OpenAlertClientIDs returns the set of clients with an unresolved alert.
func (s *AlertStore) OpenAlertClientIDs(ctx context.Context) (map[string]bool, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&RiskAlert{}).
		Where("acted_on_at_epoch IS NULL").
		Distinct().
		Pluck("client_id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// AlertsGeneratedSince returns alerts generated at or after since, newest first.
func (s *AlertStore) AlertsGeneratedSince(ctx context.Context, since time.Time) ([]*models.RiskAlert, error) {
	var rows []RiskAlert
	err := s.db.WithContext(ctx).
		Where("generated_at_epoch >= ?", toEpoch(since)).
		Order("generated_at_epoch DESC, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelAlerts(rows), nil
}

// CountActedOnSince counts alerts acted on at or after since.
func (s *AlertStore) CountActedOnSince(ctx context.Context, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&RiskAlert{}).
		Where("acted_on_at_epoch >= ?", toEpoch(since)).
		Count(&n).Error
	return int(n), err
}

// CountUnviewed counts alerts that are neither viewed nor acted on.
func (s *AlertStore) CountUnviewed(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&RiskAlert{}).
		Where("viewed_at_epoch IS NULL AND acted_on_at_epoch IS NULL").
		Count(&n).Error
	return int(n), err
}
