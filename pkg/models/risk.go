package models

import "time"

// ClientRiskState is the current risk picture for one client.
// Field order optimized for memory alignment (fieldalignment).
type ClientRiskState struct {
	CreatedAt        time.Time  `json:"created_at"`
	LastRecomputedAt *time.Time `json:"last_recomputed_at,omitempty"`
	LastContactAt    *time.Time `json:"last_contact_at,omitempty"`
	// ScoreChangedAt is when CurrentScore last moved away from PreviousScore.
	ScoreChangedAt *time.Time `json:"score_changed_at,omitempty"`
	// DayStartAt is the first write of the day DayStartScore belongs to.
	DayStartAt   *time.Time `json:"day_start_at,omitempty"`
	ClientID     string     `json:"client_id"`
	Category     Category   `json:"category"`
	CurrentScore int        `json:"current_score"`
	// PreviousScore is the score before the last change of CurrentScore.
	PreviousScore int `json:"previous_score"`
	// DayStartScore is the score held before the first write of DayStartAt's day.
	DayStartScore int `json:"day_start_score"`
	// Version is the optimistic-concurrency token compared on every write.
	Version int64 `json:"version"`
}

// ChangedSince reports whether the score moved at or after t.
func (s *ClientRiskState) ChangedSince(t time.Time) bool {
	return s.ScoreChangedAt != nil && !s.ScoreChangedAt.Before(t)
}

// DayStart returns the score the client held when the day beginning at
// dayStart started. ok is false when nothing wrote the client since then.
func (s *ClientRiskState) DayStart(dayStart time.Time) (score int, ok bool) {
	if s.DayStartAt == nil || s.DayStartAt.Before(dayStart) {
		return 0, false
	}
	return s.DayStartScore, true
}

// Trend returns the signed change between the previous and current score.
func (s *ClientRiskState) Trend() int {
	return s.CurrentScore - s.PreviousScore
}

// LastChangedAt returns the most recent of the recompute and contact times,
// or nil when neither has happened.
func (s *ClientRiskState) LastChangedAt() *time.Time {
	switch {
	case s.LastRecomputedAt == nil:
		return s.LastContactAt
	case s.LastContactAt == nil:
		return s.LastRecomputedAt
	case s.LastContactAt.After(*s.LastRecomputedAt):
		return s.LastContactAt
	default:
		return s.LastRecomputedAt
	}
}

// ManualOverrideOutcomeID marks ledger entries written by a manual score override.
const ManualOverrideOutcomeID = "manual_override"

// ScoreAdjustment is an immutable ledger entry for one score-changing event.
type ScoreAdjustment struct {
	LoggedAt     time.Time  `json:"logged_at"`
	FollowUpDate *time.Time `json:"follow_up_date,omitempty"`
	ID           string     `json:"id"`
	ClientID     string     `json:"client_id"`
	OutcomeID    string     `json:"outcome_id"`
	Notes        string     `json:"notes,omitempty"`
	LoggedBy     string     `json:"logged_by"`
	Delta        int        `json:"delta"`
	ScoreBefore  int        `json:"score_before"`
	ScoreAfter   int        `json:"score_after"`
}

// Consistent reports whether ScoreAfter == clamp(ScoreBefore + Delta).
func (a *ScoreAdjustment) Consistent() bool {
	return a.ScoreAfter == ClampScore(a.ScoreBefore+a.Delta)
}

// AlertStatus is the lifecycle position of a RiskAlert.
type AlertStatus string

const (
	AlertGenerated AlertStatus = "generated"
	AlertViewed    AlertStatus = "viewed"
	AlertActedOn   AlertStatus = "acted_on"
)

// RiskAlert records a score crossing into a more urgent tier.
type RiskAlert struct {
	GeneratedAt       time.Time       `json:"generated_at"`
	ViewedAt          *time.Time      `json:"viewed_at,omitempty"`
	ActedOnAt         *time.Time      `json:"acted_on_at,omitempty"`
	ID                string          `json:"id"`
	ClientID          string          `json:"client_id"`
	PreviousCategory  Category        `json:"previous_category"`
	Category          Category        `json:"category"`
	ActionType        string          `json:"action_type,omitempty"`
	Outcome           OutcomeCategory `json:"outcome,omitempty"`
	ScoreAtGeneration int             `json:"score_at_generation"`
}

// Status derives the lifecycle state from the set-once timestamps.
func (a *RiskAlert) Status() AlertStatus {
	switch {
	case a.ActedOnAt != nil:
		return AlertActedOn
	case a.ViewedAt != nil:
		return AlertViewed
	default:
		return AlertGenerated
	}
}

// Resolved reports whether the alert has been acted on.
func (a *RiskAlert) Resolved() bool {
	return a.ActedOnAt != nil
}

// OutcomeResult is returned to the caller after an outcome is applied.
type OutcomeResult struct {
	AdjustmentID    string   `json:"adjustment_id"`
	ResolvedAlertID string   `json:"resolved_alert_id,omitempty"`
	NewCategory     Category `json:"new_category"`
	NewScore        int      `json:"new_score"`
	ScoreBefore     int      `json:"score_before"`
	Delta           int      `json:"delta"`
}
