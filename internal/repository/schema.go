package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS policies (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    policy_number TEXT NOT NULL,
    base_premium REAL NOT NULL,
    status TEXT NOT NULL,
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policies_user ON policies(user_id);
CREATE INDEX IF NOT EXISTS idx_policies_status ON policies(status);
`

const schemaTrips = `
CREATE TABLE IF NOT EXISTS trips (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP NOT NULL,
    features TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trips_user_started ON trips(user_id, started_at);
`

// schemaModelOutputs stores outputs delivered by the model pipeline, keyed by subject.
const schemaModelOutputs = `
CREATE TABLE IF NOT EXISTS model_outputs (
    id TEXT PRIMARY KEY,
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    claim_probability REAL NOT NULL,
    claim_severity REAL NOT NULL,
    model_version TEXT NOT NULL,
    importances TEXT NOT NULL,
    generated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_outputs_subject ON model_outputs(subject_type, subject_id, generated_at);
`

// schemaRiskScores is append-only.
const schemaRiskScores = `
CREATE TABLE IF NOT EXISTS risk_scores (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    trip_id TEXT,
    score_type TEXT NOT NULL,
    score_value REAL NOT NULL,
    band TEXT NOT NULL,
    expected_loss REAL NOT NULL,
    claim_probability REAL NOT NULL,
    claim_severity REAL NOT NULL,
    model_version TEXT NOT NULL,
    formula_version TEXT NOT NULL,
    feature_values TEXT NOT NULL,
    explanations TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_scores_user ON risk_scores(user_id, score_type, computed_at);
CREATE INDEX IF NOT EXISTS idx_risk_scores_trip ON risk_scores(trip_id);
`

// schemaAdjustments is append-only.
const schemaAdjustments = `
CREATE TABLE IF NOT EXISTS premium_adjustments (
    id TEXT PRIMARY KEY,
    policy_id TEXT NOT NULL,
    period_start TIMESTAMP NOT NULL,
    period_end TIMESTAMP NOT NULL,
    band TEXT NOT NULL,
    score REAL NOT NULL,
    base_premium REAL NOT NULL,
    delta_pct REAL NOT NULL,
    delta_amount REAL NOT NULL,
    new_premium REAL NOT NULL,
    reason TEXT NOT NULL,
    score_version TEXT NOT NULL,
    risk_score_id TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_adjustments_policy ON premium_adjustments(policy_id, created_at);
CREATE INDEX IF NOT EXISTS idx_adjustments_created ON premium_adjustments(created_at);
`

// schemaRuleTables keeps every band rule table version; at most one is active.
const schemaRuleTables = `
CREATE TABLE IF NOT EXISTS band_rule_tables (
    version TEXT PRIMARY KEY,
    rules TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    activated_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_rule_tables_active ON band_rule_tables(active);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPolicies,
		schemaTrips,
		schemaModelOutputs,
		schemaRiskScores,
		schemaAdjustments,
		schemaRuleTables,
	}
}
