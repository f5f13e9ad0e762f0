// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.Repository using database/sql.
// Works with the SQLite, lib/pq and pgx drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "pgx":
		db, err = openPgx(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SavePolicy inserts or updates a policy.
func (r *SQLRepository) SavePolicy(ctx context.Context, p *domain.Policy) error {
	if p == nil || p.ID == "" || p.UserID == "" {
		return fmt.Errorf("%w: policy id and user id are required", ErrInvalidInput)
	}
	if p.Status == "" {
		p.Status = domain.PolicyActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO policies (
			id, user_id, policy_number, base_premium, status, start_date, end_date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			policy_number = excluded.policy_number,
			base_premium = excluded.base_premium,
			status = excluded.status,
			start_date = excluded.start_date,
			end_date = excluded.end_date
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, p.UserID, p.PolicyNumber, p.BasePremium, string(p.Status),
		p.StartDate.UTC(), p.EndDate.UTC(), p.CreatedAt.UTC(),
	)
	return err
}

const policyColumns = `id, user_id, policy_number, base_premium, status, start_date, end_date, created_at`

// GetPolicy retrieves a policy by ID.
func (r *SQLRepository) GetPolicy(ctx context.Context, policyID string) (*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = ?`

	p, err := scanPolicy(r.db.QueryRowContext(ctx, r.rebind(query), policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListActivePolicies returns every active policy ordered by ID.
func (r *SQLRepository) ListActivePolicies(ctx context.Context) ([]*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE status = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(domain.PolicyActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ListActiveUsers returns the distinct users holding an active policy.
func (r *SQLRepository) ListActiveUsers(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT user_id FROM policies WHERE status = ? ORDER BY user_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(domain.PolicyActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// SaveTrip stores a finished trip and its aggregates.
func (r *SQLRepository) SaveTrip(ctx context.Context, trip *domain.Trip) error {
	if trip == nil || trip.UserID == "" {
		return fmt.Errorf("%w: trip user id is required", ErrInvalidInput)
	}
	if trip.ID == "" {
		trip.ID = uuid.New().String()
	}
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = time.Now().UTC()
	}

	features, err := json.Marshal(trip.Features)
	if err != nil {
		return fmt.Errorf("failed to encode trip features: %w", err)
	}

	query := `
		INSERT INTO trips (id, user_id, started_at, ended_at, features, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		trip.ID, trip.UserID, trip.StartedAt.UTC(), trip.EndedAt.UTC(), string(features), trip.CreatedAt.UTC(),
	)
	return err
}

const tripColumns = `id, user_id, started_at, ended_at, features, created_at`

// GetTrip retrieves a trip by ID.
func (r *SQLRepository) GetTrip(ctx context.Context, tripID string) (*domain.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = ?`

	trip, err := scanTrip(r.db.QueryRowContext(ctx, r.rebind(query), tripID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return trip, err
}

// ListTrips returns a user's trips started inside [window.Start, window.End).
func (r *SQLRepository) ListTrips(ctx context.Context, userID string, window domain.Window) ([]*domain.Trip, error) {
	query := `
		SELECT ` + tripColumns + `
		FROM trips
		WHERE user_id = ? AND started_at >= ? AND started_at < ?
		ORDER BY started_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, window.Start.UTC(), window.End.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trips []*domain.Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, trip)
	}
	return trips, rows.Err()
}

// SaveModelOutput stores a model output for a subject.
func (r *SQLRepository) SaveModelOutput(ctx context.Context, subject domain.Subject, out *domain.ModelOutput) error {
	if out == nil {
		return fmt.Errorf("%w: model output is required", ErrInvalidInput)
	}
	subjectID, err := subjectKey(subject)
	if err != nil {
		return err
	}
	if out.GeneratedAt.IsZero() {
		out.GeneratedAt = time.Now().UTC()
	}

	importances, err := json.Marshal(out.Importances)
	if err != nil {
		return fmt.Errorf("failed to encode importances: %w", err)
	}

	query := `
		INSERT INTO model_outputs (
			id, subject_type, subject_id, claim_probability, claim_severity,
			model_version, importances, generated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		uuid.New().String(), string(subject.Type), subjectID,
		out.ClaimProbability, out.ClaimSeverity, out.ModelVersion,
		string(importances), out.GeneratedAt.UTC(),
	)
	return err
}

// LatestModelOutput returns the most recent model output for a subject.
func (r *SQLRepository) LatestModelOutput(ctx context.Context, subject domain.Subject) (*domain.ModelOutput, error) {
	subjectID, err := subjectKey(subject)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT claim_probability, claim_severity, model_version, importances, generated_at
		FROM model_outputs
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY generated_at DESC
		LIMIT 1
	`

	var out domain.ModelOutput
	var importances string

	err = r.db.QueryRowContext(ctx, r.rebind(query), string(subject.Type), subjectID).Scan(
		&out.ClaimProbability, &out.ClaimSeverity, &out.ModelVersion, &importances, &out.GeneratedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(importances), &out.Importances); err != nil {
		return nil, fmt.Errorf("failed to parse importances: %w", err)
	}
	return &out, nil
}

// SaveRiskScore appends a risk score.
func (r *SQLRepository) SaveRiskScore(ctx context.Context, s *domain.RiskScore) error {
	if s == nil || s.UserID == "" {
		return fmt.Errorf("%w: risk score user id is required", ErrInvalidInput)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	features, _ := json.Marshal(s.FeatureValues)
	explanations, _ := json.Marshal(s.Explanations)

	query := `
		INSERT INTO risk_scores (
			id, user_id, trip_id, score_type, score_value, band,
			expected_loss, claim_probability, claim_severity,
			model_version, formula_version, feature_values, explanations, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		s.ID, s.UserID, nullable(s.TripID), string(s.ScoreType), s.ScoreValue, string(s.Band),
		s.ExpectedLoss, s.ClaimProbability, s.ClaimSeverity,
		s.ModelVersion, s.FormulaVersion, string(features), string(explanations), s.ComputedAt.UTC(),
	)
	return err
}

const scoreColumns = `id, user_id, trip_id, score_type, score_value, band,
	expected_loss, claim_probability, claim_severity,
	model_version, formula_version, feature_values, explanations, computed_at`

// GetRiskScore retrieves a risk score by ID.
func (r *SQLRepository) GetRiskScore(ctx context.Context, scoreID string) (*domain.RiskScore, error) {
	query := `SELECT ` + scoreColumns + ` FROM risk_scores WHERE id = ?`
	return r.queryScore(ctx, query, scoreID)
}

// LatestUserScore returns the most recent daily score for a user.
func (r *SQLRepository) LatestUserScore(ctx context.Context, userID string) (*domain.RiskScore, error) {
	query := `
		SELECT ` + scoreColumns + `
		FROM risk_scores
		WHERE user_id = ? AND score_type = ?
		ORDER BY computed_at DESC
		LIMIT 1
	`
	return r.queryScore(ctx, query, userID, string(domain.ScoreTypeDaily))
}

// TripScore returns the most recent score for a trip.
func (r *SQLRepository) TripScore(ctx context.Context, tripID string) (*domain.RiskScore, error) {
	query := `
		SELECT ` + scoreColumns + `
		FROM risk_scores
		WHERE trip_id = ? AND score_type = ?
		ORDER BY computed_at DESC
		LIMIT 1
	`
	return r.queryScore(ctx, query, tripID, string(domain.ScoreTypeTrip))
}

// UserScoreHistory returns a user's daily scores since a point in time, newest first.
func (r *SQLRepository) UserScoreHistory(ctx context.Context, userID string, since time.Time) ([]*domain.RiskScore, error) {
	query := `
		SELECT ` + scoreColumns + `
		FROM risk_scores
		WHERE user_id = ? AND score_type = ? AND computed_at >= ?
		ORDER BY computed_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, string(domain.ScoreTypeDaily), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []*domain.RiskScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

func (r *SQLRepository) queryScore(ctx context.Context, query string, args ...any) (*domain.RiskScore, error) {
	s, err := scanScore(r.db.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// SaveAdjustment appends a premium adjustment.
func (r *SQLRepository) SaveAdjustment(ctx context.Context, a *domain.PremiumAdjustment) error {
	if a == nil || a.PolicyID == "" {
		return fmt.Errorf("%w: adjustment policy id is required", ErrInvalidInput)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO premium_adjustments (
			id, policy_id, period_start, period_end, band, score,
			base_premium, delta_pct, delta_amount, new_premium,
			reason, score_version, risk_score_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.PolicyID, a.PeriodStart.UTC(), a.PeriodEnd.UTC(), string(a.Band), a.Score,
		a.BasePremium, a.DeltaPct, a.DeltaAmount, a.NewPremium,
		a.Reason, a.ScoreVersion, nullable(a.RiskScoreID), a.CreatedAt.UTC(),
	)
	return err
}

const adjustmentColumns = `id, policy_id, period_start, period_end, band, score,
	base_premium, delta_pct, delta_amount, new_premium,
	reason, score_version, risk_score_id, created_at`

// LatestAdjustment returns the most recent adjustment for a policy, or nil when there is none.
func (r *SQLRepository) LatestAdjustment(ctx context.Context, policyID string) (*domain.PremiumAdjustment, error) {
	query := `
		SELECT ` + adjustmentColumns + `
		FROM premium_adjustments
		WHERE policy_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	a, err := scanAdjustment(r.db.QueryRowContext(ctx, r.rebind(query), policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListAdjustments returns a policy's adjustments, newest first.
func (r *SQLRepository) ListAdjustments(ctx context.Context, policyID string) ([]*domain.PremiumAdjustment, error) {
	query := `
		SELECT ` + adjustmentColumns + `
		FROM premium_adjustments
		WHERE policy_id = ?
		ORDER BY created_at DESC
	`
	return r.queryAdjustments(ctx, query, policyID)
}

// ListAdjustmentsSince returns every adjustment created at or after since, oldest first.
func (r *SQLRepository) ListAdjustmentsSince(ctx context.Context, since time.Time) ([]*domain.PremiumAdjustment, error) {
	query := `
		SELECT ` + adjustmentColumns + `
		FROM premium_adjustments
		WHERE created_at >= ?
		ORDER BY created_at
	`
	return r.queryAdjustments(ctx, query, since.UTC())
}

func (r *SQLRepository) queryAdjustments(ctx context.Context, query string, args ...any) ([]*domain.PremiumAdjustment, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var adjustments []*domain.PremiumAdjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}

// SaveRuleTable stores a band rule table version. Published versions are immutable.
func (r *SQLRepository) SaveRuleTable(ctx context.Context, t *domain.BandRuleTable) error {
	if t == nil || strings.TrimSpace(t.Version) == "" {
		return fmt.Errorf("%w: rule table version is required", ErrInvalidInput)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	rules, err := json.Marshal(t.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}

	query := `
		INSERT INTO band_rule_tables (version, rules, active, created_at)
		VALUES (?, ?, 0, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), t.Version, string(rules), t.CreatedAt.UTC())
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: rule table version %s already exists", ErrInvalidInput, t.Version)
	}
	return err
}

// ActivateRuleTable marks one version active and every other version inactive.
func (r *SQLRepository) ActivateRuleTable(ctx context.Context, version string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM band_rule_tables WHERE version = ?`), version).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `UPDATE band_rule_tables SET active = 0 WHERE active = 1`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.rebind(`UPDATE band_rule_tables SET active = 1, activated_at = ? WHERE version = ?`),
		time.Now().UTC(), version); err != nil {
		return err
	}
	return tx.Commit()
}

// GetActiveRuleTable returns the active band rule table.
func (r *SQLRepository) GetActiveRuleTable(ctx context.Context) (*domain.BandRuleTable, error) {
	query := `SELECT version, rules, created_at FROM band_rule_tables WHERE active = 1 LIMIT 1`

	t, err := scanRuleTable(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListRuleTables returns every stored version, newest first.
func (r *SQLRepository) ListRuleTables(ctx context.Context) ([]*domain.BandRuleTable, error) {
	query := `SELECT version, rules, created_at FROM band_rule_tables ORDER BY created_at DESC, version`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []*domain.BandRuleTable
	for rows.Next() {
		t, err := scanRuleTable(rows)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" && r.driver != "pgx" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func subjectKey(s domain.Subject) (string, error) {
	switch s.Type {
	case domain.ScoreTypeTrip:
		if s.TripID != "" {
			return s.TripID, nil
		}
	case domain.ScoreTypeDaily:
		if s.UserID != "" {
			return s.UserID, nil
		}
	}
	return "", fmt.Errorf("%w: subject %s is incomplete", ErrInvalidInput, s)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
