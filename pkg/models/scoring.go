package models

// NeutralScore is the documented default risk score used when a client's
// attributes are missing or unavailable, and as the base for a client that
// receives an outcome before its first recomputation.
const NeutralScore = 50

// ScoringConfig contains the weights of the rule-weighted score function.
// Every contribution is expressed in score points on the 0-100 scale.
type ScoringConfig struct {
	// BaseScore is the starting point before contributions are applied.
	BaseScore float64 `json:"base_score" yaml:"base_score"`

	// ContactGapPerDay adds risk for every day without contact beyond ContactGraceDays.
	ContactGapPerDay float64 `json:"contact_gap_per_day" yaml:"contact_gap_per_day"`
	ContactGraceDays int     `json:"contact_grace_days" yaml:"contact_grace_days"`
	ContactGapCap    float64 `json:"contact_gap_cap" yaml:"contact_gap_cap"`

	// LatePaymentWeight is added per late payment in the last 12 months.
	LatePaymentWeight float64 `json:"late_payment_weight" yaml:"late_payment_weight"`

	// ComplaintWeight is added per open complaint.
	ComplaintWeight float64 `json:"complaint_weight" yaml:"complaint_weight"`

	// TenureCreditPerYear is subtracted per year of tenure, up to TenureCreditCap.
	TenureCreditPerYear float64 `json:"tenure_credit_per_year" yaml:"tenure_credit_per_year"`
	TenureCreditCap     float64 `json:"tenure_credit_cap" yaml:"tenure_credit_cap"`

	// MultiPolicyCredit is subtracted per policy beyond the first.
	MultiPolicyCredit float64 `json:"multi_policy_credit" yaml:"multi_policy_credit"`

	// EngagementCredit is subtracted in proportion to engagement (0..1).
	EngagementCredit float64 `json:"engagement_credit" yaml:"engagement_credit"`

	// PremiumIncreaseWeight is added per percentage point of premium increase.
	PremiumIncreaseWeight float64 `json:"premium_increase_weight" yaml:"premium_increase_weight"`

	// RenewalWindowDays and RenewalWindowWeight add risk close to renewal.
	RenewalWindowDays   int     `json:"renewal_window_days" yaml:"renewal_window_days"`
	RenewalWindowWeight float64 `json:"renewal_window_weight" yaml:"renewal_window_weight"`

	// CancellationWeight is added when the client has asked to cancel.
	CancellationWeight float64 `json:"cancellation_weight" yaml:"cancellation_weight"`
}

// DefaultScoringConfig returns the default scoring configuration.
func DefaultScoringConfig() *ScoringConfig {
	return &ScoringConfig{
		BaseScore:             30,
		ContactGapPerDay:      0.5,
		ContactGraceDays:      14,
		ContactGapCap:         20,
		LatePaymentWeight:     6,
		ComplaintWeight:       8,
		TenureCreditPerYear:   2,
		TenureCreditCap:       12,
		MultiPolicyCredit:     3,
		EngagementCredit:      10,
		PremiumIncreaseWeight: 0.8,
		RenewalWindowDays:     45,
		RenewalWindowWeight:   10,
		CancellationWeight:    35,
	}
}
