package domain

import "time"

// Period is the policy interval an adjustment applies to.
type Period struct {
	Start time.Time `json:"period_start"`
	End   time.Time `json:"period_end"`
}

// PremiumAdjustment records one actionable pricing decision. Records are append-only.
type PremiumAdjustment struct {
	ID           string    `json:"id"`
	PolicyID     string    `json:"policy_id"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	Band         Band      `json:"band"`
	Score        float64   `json:"score"`
	BasePremium  float64   `json:"base_premium"`
	DeltaPct     float64   `json:"delta_pct"`
	DeltaAmount  float64   `json:"delta_amount"`
	NewPremium   float64   `json:"new_premium"`
	Reason       string    `json:"reason"`
	ScoreVersion string    `json:"score_version"`
	RiskScoreID  string    `json:"risk_score_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// PolicyStatus is the lifecycle state of a policy.
type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "active"
	PolicyCancelled PolicyStatus = "cancelled"
	PolicyExpired   PolicyStatus = "expired"
)

// Policy is an insurance policy whose premium the engine adjusts.
type Policy struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	PolicyNumber string       `json:"policy_number"`
	BasePremium  float64      `json:"base_premium"`
	Status       PolicyStatus `json:"status"`
	StartDate    time.Time    `json:"start_date"`
	EndDate      time.Time    `json:"end_date"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Period returns the policy term.
func (p *Policy) Period() Period {
	return Period{Start: p.StartDate, End: p.EndDate}
}
