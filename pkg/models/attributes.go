package models

import "time"

// ClientAttributes is the read-only attribute snapshot supplied by the
// external client record source. Pointer fields are required inputs for
// scoring; nil means the source did not provide them.
type ClientAttributes struct {
	UpdatedAt             time.Time `json:"updated_at"`
	TenureMonths          *int      `json:"tenure_months,omitempty"`
	DaysSinceLastContact  *int      `json:"days_since_last_contact,omitempty"`
	DaysToRenewal         *int      `json:"days_to_renewal,omitempty"`
	ClientID              string    `json:"client_id"`
	PremiumChangePct      float64   `json:"premium_change_pct"`
	EngagementScore       float64   `json:"engagement_score"`
	LatePayments12M       int       `json:"late_payments_12m"`
	OpenComplaints        int       `json:"open_complaints"`
	PolicyCount           int       `json:"policy_count"`
	CancellationRequested bool      `json:"cancellation_requested"`
}

// HasRequired reports whether the inputs the scorer cannot default are present.
func (a *ClientAttributes) HasRequired() bool {
	return a.TenureMonths != nil && a.DaysSinceLastContact != nil
}
