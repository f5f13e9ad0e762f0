package bus

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ScoreComputed is published after a risk score is persisted.
type ScoreComputed struct {
	ScoreID    string           `json:"score_id"`
	UserID     string           `json:"user_id"`
	TripID     string           `json:"trip_id,omitempty"`
	ScoreType  domain.ScoreType `json:"score_type"`
	ScoreValue float64          `json:"score_value"`
	Band       domain.Band      `json:"band"`
	ComputedAt time.Time        `json:"computed_at"`
}

// AdjustmentCreated is published after a premium adjustment is persisted.
type AdjustmentCreated struct {
	AdjustmentID string    `json:"adjustment_id"`
	PolicyID     string    `json:"policy_id"`
	RiskScoreID  string    `json:"risk_score_id"`
	DeltaPct     float64   `json:"delta_pct"`
	NewPremium   float64   `json:"new_premium"`
	ScoreVersion string    `json:"score_version"`
	CreatedAt    time.Time `json:"created_at"`
}

// FairnessFlagged reports near-identical scores priced apart.
type FairnessFlagged struct {
	PolicyID string   `json:"policy_id"`
	Score    float64  `json:"score"`
	DeltaPct float64  `json:"delta_pct"`
	Messages []string `json:"messages"`
}

// ExplanationSkipped lists features the explanation templates do not cover.
type ExplanationSkipped struct {
	Subject  string               `json:"subject"`
	Features []domain.FeatureName `json:"features"`
}

// BatchDaily triggers the daily user scoring run.
type BatchDaily struct {
	Day time.Time `json:"day"`
}

// BatchDailyCompleted summarizes a daily run.
type BatchDailyCompleted struct {
	Day       time.Time `json:"day"`
	Attempt   int64     `json:"attempt"`
	Users     int       `json:"users"`
	Scored    int       `json:"scored"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Duration  string    `json:"duration"`
	StartedAt time.Time `json:"started_at"`
}
