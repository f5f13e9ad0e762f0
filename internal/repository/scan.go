package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(s scanner) (*domain.Policy, error) {
	var p domain.Policy
	var status string
	if err := s.Scan(
		&p.ID, &p.UserID, &p.PolicyNumber, &p.BasePremium, &status,
		&p.StartDate, &p.EndDate, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = domain.PolicyStatus(status)
	return &p, nil
}

func scanTrip(s scanner) (*domain.Trip, error) {
	var t domain.Trip
	var features string
	if err := s.Scan(&t.ID, &t.UserID, &t.StartedAt, &t.EndedAt, &features, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(features), &t.Features); err != nil {
		return nil, fmt.Errorf("failed to parse features for trip %s: %w", t.ID, err)
	}
	return &t, nil
}

func scanScore(s scanner) (*domain.RiskScore, error) {
	var rs domain.RiskScore
	var tripID sql.NullString
	var scoreType, band, features, explanations string

	if err := s.Scan(
		&rs.ID, &rs.UserID, &tripID, &scoreType, &rs.ScoreValue, &band,
		&rs.ExpectedLoss, &rs.ClaimProbability, &rs.ClaimSeverity,
		&rs.ModelVersion, &rs.FormulaVersion, &features, &explanations, &rs.ComputedAt,
	); err != nil {
		return nil, err
	}

	rs.TripID = tripID.String
	rs.ScoreType = domain.ScoreType(scoreType)
	rs.Band = domain.Band(band)
	if err := json.Unmarshal([]byte(features), &rs.FeatureValues); err != nil {
		return nil, fmt.Errorf("failed to parse feature values for score %s: %w", rs.ID, err)
	}
	if err := json.Unmarshal([]byte(explanations), &rs.Explanations); err != nil {
		return nil, fmt.Errorf("failed to parse explanations for score %s: %w", rs.ID, err)
	}
	return &rs, nil
}

func scanAdjustment(s scanner) (*domain.PremiumAdjustment, error) {
	var a domain.PremiumAdjustment
	var band string
	var riskScoreID sql.NullString

	if err := s.Scan(
		&a.ID, &a.PolicyID, &a.PeriodStart, &a.PeriodEnd, &band, &a.Score,
		&a.BasePremium, &a.DeltaPct, &a.DeltaAmount, &a.NewPremium,
		&a.Reason, &a.ScoreVersion, &riskScoreID, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.Band = domain.Band(band)
	a.RiskScoreID = riskScoreID.String
	return &a, nil
}

func scanRuleTable(s scanner) (*domain.BandRuleTable, error) {
	var t domain.BandRuleTable
	var rules string
	if err := s.Scan(&t.Version, &rules, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &t.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules for table %s: %w", t.Version, err)
	}
	return &t, nil
}
