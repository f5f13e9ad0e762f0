package domain

import "time"

// ScoreType distinguishes per-trip scores from rolling per-user scores.
type ScoreType string

const (
	ScoreTypeTrip  ScoreType = "trip"
	ScoreTypeDaily ScoreType = "daily"
)

// Subject identifies what a score is about.
type Subject struct {
	Type   ScoreType `json:"type"`
	UserID string    `json:"user_id"`
	TripID string    `json:"trip_id,omitempty"`
}

// String returns a stable identifier for logs and error context.
func (s Subject) String() string {
	if s.Type == ScoreTypeTrip {
		return "trip:" + s.TripID
	}
	return "user:" + s.UserID
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RiskScore is an immutable scoring result. Records are append-only.
type RiskScore struct {
	ID               string                  `json:"id"`
	UserID           string                  `json:"user_id"`
	TripID           string                  `json:"trip_id,omitempty"`
	ScoreType        ScoreType               `json:"score_type"`
	ScoreValue       float64                 `json:"score_value"`
	Band             Band                    `json:"band"`
	ExpectedLoss     float64                 `json:"expected_loss"`
	ClaimProbability float64                 `json:"claim_probability"`
	ClaimSeverity    float64                 `json:"claim_severity"`
	ModelVersion     string                  `json:"model_version"`
	FormulaVersion   string                  `json:"formula_version"`
	FeatureValues    map[FeatureName]float64 `json:"feature_values,omitempty"`
	Explanations     []string                `json:"explanations"`
	ComputedAt       time.Time               `json:"computed_at"`
}

// Subject returns the subject the score was computed for.
func (r *RiskScore) Subject() Subject {
	return Subject{Type: r.ScoreType, UserID: r.UserID, TripID: r.TripID}
}
