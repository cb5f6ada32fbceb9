package scoring

import (
	"math"
	"sync"

	"github.com/thebtf/retention/pkg/models"
)

// Calculator is the rule-weighted Scorer.
type Calculator struct {
	config *models.ScoringConfig
	mu     sync.RWMutex
}

// NewCalculator creates a new scoring calculator.
// If config is nil, uses the default configuration.
func NewCalculator(config *models.ScoringConfig) *Calculator {
	if config == nil {
		config = models.DefaultScoringConfig()
	}
	return &Calculator{config: config}
}

// Compute returns the risk score for a client.
//
// The scoring formula:
//
//	Score = Base + ContactGap + LatePayments + Complaints + PremiumIncrease + Renewal + Cancellation
//	        - TenureCredit - MultiPolicyCredit - EngagementCredit
//
// rounded and clamped to [0,100]. Missing required attributes yield models.NeutralScore.
func (c *Calculator) Compute(attrs models.ClientAttributes) int {
	return c.CalculateComponents(attrs).FinalScore
}

// CalculateComponents returns the individual contributions to the score.
// Useful for explaining a score to an agent.
func (c *Calculator) CalculateComponents(attrs models.ClientAttributes) ScoreComponents {
	if !attrs.HasRequired() {
		return ScoreComponents{FinalScore: models.NeutralScore, Neutral: true}
	}

	c.mu.RLock()
	cfg := *c.config
	c.mu.RUnlock()

	comp := ScoreComponents{Base: cfg.BaseScore}

	// 1. Contact gap beyond the grace period, capped.
	overdue := *attrs.DaysSinceLastContact - cfg.ContactGraceDays
	if overdue > 0 {
		comp.ContactGap = math.Min(float64(overdue)*cfg.ContactGapPerDay, cfg.ContactGapCap)
	}

	// 2. Payment and service signals.
	comp.LatePayments = float64(max(attrs.LatePayments12M, 0)) * cfg.LatePaymentWeight
	comp.Complaints = float64(max(attrs.OpenComplaints, 0)) * cfg.ComplaintWeight

	// 3. Price pressure: only increases count.
	if attrs.PremiumChangePct > 0 {
		comp.PremiumIncrease = attrs.PremiumChangePct * cfg.PremiumIncreaseWeight
	}

	// 4. Renewal window.
	if attrs.DaysToRenewal != nil && *attrs.DaysToRenewal <= cfg.RenewalWindowDays {
		comp.Renewal = cfg.RenewalWindowWeight
	}

	if attrs.CancellationRequested {
		comp.Cancellation = cfg.CancellationWeight
	}

	// 5. Credits.
	years := float64(max(*attrs.TenureMonths, 0)) / 12.0
	comp.TenureCredit = math.Min(years*cfg.TenureCreditPerYear, cfg.TenureCreditCap)
	if attrs.PolicyCount > 1 {
		comp.MultiPolicyCredit = float64(attrs.PolicyCount-1) * cfg.MultiPolicyCredit
	}
	comp.EngagementCredit = math.Max(0, math.Min(attrs.EngagementScore, 1)) * cfg.EngagementCredit

	raw := comp.Base + comp.ContactGap + comp.LatePayments + comp.Complaints +
		comp.PremiumIncrease + comp.Renewal + comp.Cancellation -
		comp.TenureCredit - comp.MultiPolicyCredit - comp.EngagementCredit
	comp.Raw = raw
	comp.FinalScore = models.ClampScore(int(math.Round(raw)))
	return comp
}

// ScoreComponents contains the breakdown of a risk score calculation.
type ScoreComponents struct {
	Base              float64 `json:"base"`
	ContactGap        float64 `json:"contact_gap"`
	LatePayments      float64 `json:"late_payments"`
	Complaints        float64 `json:"complaints"`
	PremiumIncrease   float64 `json:"premium_increase"`
	Renewal           float64 `json:"renewal"`
	Cancellation      float64 `json:"cancellation"`
	TenureCredit      float64 `json:"tenure_credit"`
	MultiPolicyCredit float64 `json:"multi_policy_credit"`
	EngagementCredit  float64 `json:"engagement_credit"`
	Raw               float64 `json:"raw"`
	FinalScore        int     `json:"final_score"`
	Neutral           bool    `json:"neutral"`
}

// UpdateConfig updates the calculator's scoring configuration.
// This allows runtime tuning of scoring weights.
func (c *Calculator) UpdateConfig(config *models.ScoringConfig) {
	if config == nil {
		return
	}
	c.mu.Lock()
	c.config = config
	c.mu.Unlock()
}

// GetConfig returns the current scoring configuration.
func (c *Calculator) GetConfig() *models.ScoringConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}
