package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/retention/pkg/models"
)

// AdjustmentStore reads the score adjustment ledger. Entries are written only
// by RiskStore.Mutate and are never updated or deleted.
type AdjustmentStore struct {
	db *gorm.DB
}

// NewAdjustmentStore creates an adjustment store.
func NewAdjustmentStore(store *Store) *AdjustmentStore {
	return &AdjustmentStore{db: store.DB}
}

// ListAdjustments returns a client's ledger newest first. A non-positive
// limit reads up to MaxPaginationLimit entries.
func (s *AdjustmentStore) ListAdjustments(ctx context.Context, clientID string, limit int) ([]*models.ScoreAdjustment, error) {
	q := s.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("logged_at_epoch DESC, id").
		Limit(clampLimit(limit))
	var rows []ScoreAdjustment
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModelAdjustments(rows), nil
}

// AdjustmentsSince returns every ledger entry logged at or after since, oldest first.
func (s *AdjustmentStore) AdjustmentsSince(ctx context.Context, since time.Time) ([]*models.ScoreAdjustment, error) {
	var rows []ScoreAdjustment
	err := s.db.WithContext(ctx).
		Where("logged_at_epoch >= ?", toEpoch(since)).
		Order("logged_at_epoch ASC, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelAdjustments(rows), nil
}
