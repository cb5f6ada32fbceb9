package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/retention/pkg/models"
)

// AttributeStore reads client attribute snapshots. The table is populated by
// the external client import; the engine only reads it.
type AttributeStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewAttributeStore creates an attribute store.
func NewAttributeStore(store *Store) *AttributeStore {
	return &AttributeStore{db: store.DB, now: time.Now}
}

// ListClientIDs returns up to limit client ids ordered after the given id.
// Paging by id keeps a long run stable while clients are being added.
func (s *AttributeStore) ListClientIDs(ctx context.Context, after string, limit int) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&ClientAttribute{}).Order("client_id")
	if after != "" {
		q = q.Where("client_id > ?", after)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("client_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// GetAttributes returns a client's attribute snapshot with day counts
// resolved against the current time.
func (s *AttributeStore) GetAttributes(ctx context.Context, clientID string) (*models.ClientAttributes, error) {
	var row ClientAttribute
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(s.now()), nil
}

// UpsertAttributes stores a snapshot. Used by the import collaborator and tests.
func (s *AttributeStore) UpsertAttributes(ctx context.Context, rows ...ClientAttribute) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		UpdateAll: true,
	}).Create(&rows).Error
}

func (a *ClientAttribute) toModel(now time.Time) *models.ClientAttributes {
	out := &models.ClientAttributes{
		ClientID:              a.ClientID,
		PremiumChangePct:      a.PremiumChangePct,
		EngagementScore:       a.EngagementScore,
		LatePayments12M:       a.LatePayments12M,
		OpenComplaints:        a.OpenComplaints,
		PolicyCount:           a.PolicyCount,
		CancellationRequested: a.CancellationRequested,
		UpdatedAt:             fromEpoch(a.UpdatedAtEpoch),
	}
	if a.TenureMonths.Valid {
		v := int(a.TenureMonths.Int64)
		out.TenureMonths = &v
	}
	if a.LastContactAt.Valid {
		v := daysBetween(fromEpoch(a.LastContactAt.Int64), now)
		out.DaysSinceLastContact = &v
	}
	if a.RenewalAt.Valid {
		v := daysBetween(now, fromEpoch(a.RenewalAt.Int64))
		out.DaysToRenewal = &v
	}
	return out
}

// daysBetween returns whole days from a to b, never negative.
func daysBetween(a, b time.Time) int {
	d := int(b.Sub(a).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
