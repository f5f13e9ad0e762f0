package domain

import "time"

// FeatureImportance is one per-feature contribution reported by the model.
// A positive value pushes risk up, a negative value pulls it down.
type FeatureImportance struct {
	Feature FeatureName `json:"feature" msgpack:"feature"`
	Value   float64     `json:"value" msgpack:"value"`
}

// ModelOutput is the claim-risk estimate produced by the external model pipeline.
type ModelOutput struct {
	ClaimProbability float64             `json:"claim_probability" msgpack:"claim_probability"`
	ClaimSeverity    float64             `json:"claim_severity" msgpack:"claim_severity"`
	ModelVersion     string              `json:"model_version" msgpack:"model_version"`
	Importances      []FeatureImportance `json:"importances,omitempty" msgpack:"importances,omitempty"`
	GeneratedAt      time.Time           `json:"generated_at" msgpack:"generated_at"`
}
