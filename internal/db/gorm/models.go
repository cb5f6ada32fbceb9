package gorm

import (
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/retention/pkg/models"
)

// GORM Models

// Timestamps are stored as Unix epoch milliseconds so comparisons behave the
// same on PostgreSQL and SQLite.

// errImmutable is returned by hooks guarding append-only tables.
var errImmutable = errors.New("record is immutable")

// RiskState is the single row per client holding the current score.
// Field order optimized for memory alignment (fieldalignment).
type RiskState struct {
	ClientID         string        `gorm:"primaryKey;type:varchar(64)"`
	Category         string        `gorm:"type:varchar(16);not null;index:idx_risk_states_category"`
	LastRecomputedAt sql.NullInt64 `gorm:"column:last_recomputed_at_epoch"`
	LastContactAt    sql.NullInt64 `gorm:"column:last_contact_at_epoch;index:idx_risk_states_contact"`
	ScoreChangedAt   sql.NullInt64 `gorm:"column:score_changed_at_epoch"`
	DayStartAt       sql.NullInt64 `gorm:"column:day_start_at_epoch"`
	CurrentScore     int           `gorm:"not null;check:current_score >= 0 AND current_score <= 100;index:idx_risk_states_score,sort:desc"`
	PreviousScore    int           `gorm:"not null;check:previous_score >= 0 AND previous_score <= 100"`
	DayStartScore    int           `gorm:"not null;default:0"`
	Version          int64         `gorm:"not null;default:1"`
	CreatedAtEpoch   int64         `gorm:"not null"`
	UpdatedAtEpoch   int64         `gorm:"not null;index:idx_risk_states_updated"`
}

func (RiskState) TableName() string { return "risk_states" }

// BeforeCreate hook to ensure timestamps and version are set.
func (s *RiskState) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = now
	}
	if s.UpdatedAtEpoch == 0 {
		s.UpdatedAtEpoch = now
	}
	if s.Version == 0 {
		s.Version = 1
	}
	return nil
}

// ScoreAdjustment is an append-only ledger row.
type ScoreAdjustment struct {
	ID            string        `gorm:"primaryKey;type:varchar(36)"`
	ClientID      string        `gorm:"type:varchar(64);not null;index:idx_adjustments_client_logged,priority:1"`
	OutcomeID     string        `gorm:"type:varchar(64);not null"`
	Notes         string        `gorm:"type:text"`
	LoggedBy      string        `gorm:"type:varchar(128);not null"`
	FollowUpDate  sql.NullInt64 `gorm:"column:follow_up_date_epoch"`
	Delta         int           `gorm:"not null"`
	ScoreBefore   int           `gorm:"not null;check:score_before >= 0 AND score_before <= 100"`
	ScoreAfter    int           `gorm:"not null;check:score_after >= 0 AND score_after <= 100"`
	LoggedAtEpoch int64         `gorm:"column:logged_at_epoch;not null;index:idx_adjustments_client_logged,priority:2,sort:desc;index:idx_adjustments_logged"`
}

func (ScoreAdjustment) TableName() string { return "score_adjustments" }

// BeforeUpdate rejects any modification of a written ledger entry.
func (a *ScoreAdjustment) BeforeUpdate(tx *gorm.DB) error { return errImmutable }

// BeforeDelete rejects deletion of ledger entries.
func (a *ScoreAdjustment) BeforeDelete(tx *gorm.DB) error { return errImmutable }

// RiskAlert is one tier-crossing event. Viewed and acted-on timestamps are set once.
type RiskAlert struct {
	ID                string         `gorm:"primaryKey;type:varchar(36)"`
	ClientID          string         `gorm:"type:varchar(64);not null;index:idx_alerts_client_generated,priority:1"`
	Category          string         `gorm:"type:varchar(16);not null"`
	PreviousCategory  string         `gorm:"type:varchar(16);not null"`
	ActionType        sql.NullString `gorm:"type:varchar(64)"`
	Outcome           sql.NullString `gorm:"type:varchar(16)"`
	ViewedAt          sql.NullInt64  `gorm:"column:viewed_at_epoch"`
	ActedOnAt         sql.NullInt64  `gorm:"column:acted_on_at_epoch;index:idx_alerts_acted_on"`
	ScoreAtGeneration int            `gorm:"not null"`
	GeneratedAtEpoch  int64          `gorm:"column:generated_at_epoch;not null;index:idx_alerts_client_generated,priority:2,sort:desc;index:idx_alerts_generated"`
}

func (RiskAlert) TableName() string { return "risk_alerts" }

// BeforeDelete rejects deletion; corrections are modeled as new entries.
func (a *RiskAlert) BeforeDelete(tx *gorm.DB) error { return errImmutable }

// ClientAttribute is the attribute snapshot written by the external client import.
type ClientAttribute struct {
	ClientID              string        `gorm:"primaryKey;type:varchar(64)"`
	TenureMonths          sql.NullInt64 `gorm:"column:tenure_months"`
	LastContactAt         sql.NullInt64 `gorm:"column:last_contact_at_epoch"`
	RenewalAt             sql.NullInt64 `gorm:"column:renewal_at_epoch"`
	PremiumChangePct      float64       `gorm:"type:real;default:0"`
	EngagementScore       float64       `gorm:"type:real;default:0"`
	LatePayments12M       int           `gorm:"column:late_payments_12m;default:0"`
	OpenComplaints        int           `gorm:"default:0"`
	PolicyCount           int           `gorm:"default:1"`
	CancellationRequested bool          `gorm:"default:false"`
	UpdatedAtEpoch        int64         `gorm:"not null"`
}

func (ClientAttribute) TableName() string { return "client_attributes" }

// BeforeSave hook to stamp the snapshot time.
func (a *ClientAttribute) BeforeSave(tx *gorm.DB) error {
	if a.UpdatedAtEpoch == 0 {
		a.UpdatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

// Conversions

func toEpoch(t time.Time) int64 {
	return t.UnixMilli()
}

func nullEpoch(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromEpoch(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullEpoch(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromEpoch(v.Int64)
	return &t
}

func (s *RiskState) toModel() *models.ClientRiskState {
	return &models.ClientRiskState{
		ClientID:         s.ClientID,
		CurrentScore:     s.CurrentScore,
		PreviousScore:    s.PreviousScore,
		Category:         models.Category(s.Category),
		LastRecomputedAt: fromNullEpoch(s.LastRecomputedAt),
		LastContactAt:    fromNullEpoch(s.LastContactAt),
		ScoreChangedAt:   fromNullEpoch(s.ScoreChangedAt),
		DayStartAt:       fromNullEpoch(s.DayStartAt),
		DayStartScore:    s.DayStartScore,
		CreatedAt:        fromEpoch(s.CreatedAtEpoch),
		Version:          s.Version,
	}
}

func fromModelState(m *models.ClientRiskState) *RiskState {
	return &RiskState{
		ClientID:         m.ClientID,
		CurrentScore:     m.CurrentScore,
		PreviousScore:    m.PreviousScore,
		Category:         string(models.Categorize(m.CurrentScore)),
		LastRecomputedAt: nullEpoch(m.LastRecomputedAt),
		LastContactAt:    nullEpoch(m.LastContactAt),
		ScoreChangedAt:   nullEpoch(m.ScoreChangedAt),
		DayStartAt:       nullEpoch(m.DayStartAt),
		DayStartScore:    m.DayStartScore,
		CreatedAtEpoch:   toEpoch(m.CreatedAt),
		Version:          m.Version,
	}
}

func (a *ScoreAdjustment) toModel() *models.ScoreAdjustment {
	return &models.ScoreAdjustment{
		ID:           a.ID,
		ClientID:     a.ClientID,
		OutcomeID:    a.OutcomeID,
		Delta:        a.Delta,
		ScoreBefore:  a.ScoreBefore,
		ScoreAfter:   a.ScoreAfter,
		Notes:        a.Notes,
		FollowUpDate: fromNullEpoch(a.FollowUpDate),
		LoggedBy:     a.LoggedBy,
		LoggedAt:     fromEpoch(a.LoggedAtEpoch),
	}
}

func fromModelAdjustment(m *models.ScoreAdjustment) *ScoreAdjustment {
	return &ScoreAdjustment{
		ID:            m.ID,
		ClientID:      m.ClientID,
		OutcomeID:     m.OutcomeID,
		Delta:         m.Delta,
		ScoreBefore:   m.ScoreBefore,
		ScoreAfter:    m.ScoreAfter,
		Notes:         m.Notes,
		FollowUpDate:  nullEpoch(m.FollowUpDate),
		LoggedBy:      m.LoggedBy,
		LoggedAtEpoch: toEpoch(m.LoggedAt),
	}
}

func (a *RiskAlert) toModel() *models.RiskAlert {
	return &models.RiskAlert{
		ID:                a.ID,
		ClientID:          a.ClientID,
		ScoreAtGeneration: a.ScoreAtGeneration,
		Category:          models.Category(a.Category),
		PreviousCategory:  models.Category(a.PreviousCategory),
		GeneratedAt:       fromEpoch(a.GeneratedAtEpoch),
		ViewedAt:          fromNullEpoch(a.ViewedAt),
		ActedOnAt:         fromNullEpoch(a.ActedOnAt),
		ActionType:        a.ActionType.String,
		Outcome:           models.OutcomeCategory(a.Outcome.String),
	}
}

func fromModelAlert(m *models.RiskAlert) *RiskAlert {
	return &RiskAlert{
		ID:                m.ID,
		ClientID:          m.ClientID,
		ScoreAtGeneration: m.ScoreAtGeneration,
		Category:          string(m.Category),
		PreviousCategory:  string(m.PreviousCategory),
		GeneratedAtEpoch:  toEpoch(m.GeneratedAt),
		ViewedAt:          nullEpoch(m.ViewedAt),
		ActedOnAt:         nullEpoch(m.ActedOnAt),
		ActionType:        nullString(m.ActionType),
		Outcome:           nullString(string(m.Outcome)),
	}
}

func toModelAlerts(rows []RiskAlert) []*models.RiskAlert {
	out := make([]*models.RiskAlert, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out
}

func toModelAdjustments(rows []ScoreAdjustment) []*models.ScoreAdjustment {
	out := make([]*models.ScoreAdjustment, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out
}

func toModelStates(rows []RiskState) []*models.ClientRiskState {
	out := make([]*models.ClientRiskState, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out
}
