package gorm

import (
	"context"
	"fmt"

	"github.com/thebtf/retention/pkg/models"
)

// AuditReport lists rows that break the engine's storage invariants.
// A healthy database produces an empty report.
type AuditReport struct {
	// DuplicateOpenAlerts maps client id to its number of unresolved alerts
	// for clients with more than one.
	DuplicateOpenAlerts map[string]int `json:"duplicate_open_alerts"`
	// InconsistentAdjustments are ledger ids where score_after != clamp(score_before + delta).
	InconsistentAdjustments []string `json:"inconsistent_adjustments"`
	// MiscategorizedClients are clients whose stored category does not match their score.
	MiscategorizedClients []string `json:"miscategorized_clients"`
}

// Clean reports whether the audit found nothing.
func (r *AuditReport) Clean() bool {
	return len(r.DuplicateOpenAlerts) == 0 &&
		len(r.InconsistentAdjustments) == 0 &&
		len(r.MiscategorizedClients) == 0
}

// Audit scans the tables for invariant violations. It only reads.
func (s *Store) Audit(ctx context.Context) (*AuditReport, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "audit")
	defer cancel()

	report := &AuditReport{DuplicateOpenAlerts: map[string]int{}}
	db := s.DB.WithContext(ctx)

	var dups []struct {
		ClientID string
		N        int
	}
	if err := db.Model(&RiskAlert{}).
		Select("client_id, COUNT(*) AS n").
		Where("acted_on_at_epoch IS NULL").
		Group("client_id").
		Having("COUNT(*) > 1").
		Scan(&dups).Error; err != nil {
		return nil, fmt.Errorf("audit open alerts: %w", err)
	}
	for _, d := range dups {
		report.DuplicateOpenAlerts[d.ClientID] = d.N
	}

	if err := db.Model(&ScoreAdjustment{}).
		Where(`score_after <> CASE
			WHEN score_before + delta < ? THEN ?
			WHEN score_before + delta > ? THEN ?
			ELSE score_before + delta END`,
			models.MinScore, models.MinScore, models.MaxScore, models.MaxScore).
		Order("id").
		Pluck("id", &report.InconsistentAdjustments).Error; err != nil {
		return nil, fmt.Errorf("audit ledger: %w", err)
	}

	var states []RiskState
	if err := db.Select("client_id", "category", "current_score").Order("client_id").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("audit states: %w", err)
	}
	for _, st := range states {
		if models.Category(st.Category) != models.Categorize(st.CurrentScore) {
			report.MiscategorizedClients = append(report.MiscategorizedClients, st.ClientID)
		}
	}

	return report, nil
}
