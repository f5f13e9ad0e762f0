package engine

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pricing"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(domain.DefaultEngineConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func TestScore(t *testing.T) {
	e := newEngine(t)
	subject := domain.Subject{Type: domain.ScoreTypeDaily, UserID: "user-1"}

	t.Run("ReferenceLoss", func(t *testing.T) {
		res, err := e.Score(ScoreRequest{
			Subject: subject,
			Model:   domain.ModelOutput{ClaimProbability: 0.025, ClaimSeverity: 5020, ModelVersion: "gbm-1"},
			Now:     now,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		rs := res.Score
		if rs.ExpectedLoss != 125.50 {
			t.Errorf("expected loss 125.50, got %v", rs.ExpectedLoss)
		}
		if math.Abs(rs.ScoreValue-98.745) > 1e-9 {
			t.Errorf("expected score 98.745, got %v", rs.ScoreValue)
		}
		if rs.Band != domain.BandA {
			t.Errorf("expected band A, got %s", rs.Band)
		}
		if rs.ModelVersion != "gbm-1" || rs.FormulaVersion != "el-inverse-v1" {
			t.Errorf("unexpected versions %s/%s", rs.ModelVersion, rs.FormulaVersion)
		}
		if rs.UserID != "user-1" || rs.ScoreType != domain.ScoreTypeDaily {
			t.Errorf("subject not carried: %+v", rs.Subject())
		}
		if !rs.ComputedAt.Equal(now) {
			t.Errorf("expected computed_at %v, got %v", now, rs.ComputedAt)
		}
		if len(rs.Explanations) != 2 || rs.Explanations[0] != "Score 98.7 (Band A)" {
			t.Errorf("unexpected explanations %v", rs.Explanations)
		}
	})

	t.Run("FeaturesAndImportances", func(t *testing.T) {
		features := &domain.TripFeatures{DistanceKm: 40, DurationMin: 50, HarshBrakeCount: 2}
		res, err := e.Score(ScoreRequest{
			Subject:  domain.Subject{Type: domain.ScoreTypeTrip, UserID: "user-1", TripID: "trip-9"},
			Features: features,
			Model: domain.ModelOutput{
				ClaimProbability: 0.1,
				ClaimSeverity:    21500,
				ModelVersion:     "gbm-1",
				Importances: []domain.FeatureImportance{
					{Feature: domain.FeatureHarshBrakeRate, Value: 0.4},
					{Feature: "lane_changes", Value: 0.2},
				},
			},
			Now: now,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if res.Score.Band != domain.BandB {
			t.Errorf("expected band B, got %s", res.Score.Band)
		}
		if res.Score.TripID != "trip-9" {
			t.Errorf("expected trip id, got %q", res.Score.TripID)
		}
		if got := res.Score.FeatureValues[domain.FeatureHarshBrakeRate]; got != 0.05 {
			t.Errorf("expected harsh_brake_rate 0.05 in snapshot, got %v", got)
		}
		if len(res.Skipped) != 1 || res.Skipped[0] != "lane_changes" {
			t.Errorf("expected lane_changes skipped, got %v", res.Skipped)
		}
		if len(res.Score.Explanations) != 2 {
			t.Errorf("expected score line and one contribution, got %v", res.Score.Explanations)
		}
	})

	t.Run("InvalidModelOutput", func(t *testing.T) {
		_, err := e.Score(ScoreRequest{
			Subject: subject,
			Model:   domain.ModelOutput{ClaimProbability: 1.4, ClaimSeverity: 100, ModelVersion: "gbm-1"},
			Now:     now,
		})
		if !errors.Is(err, domain.ErrInvalidModelOutput) {
			t.Fatalf("expected InvalidModelOutput, got %v", err)
		}
		de, _ := domain.AsError(err)
		if de.Subject != "user:user-1" {
			t.Errorf("expected subject user:user-1, got %q", de.Subject)
		}
	})

	t.Run("InvalidFeatures", func(t *testing.T) {
		_, err := e.Score(ScoreRequest{
			Subject:  subject,
			Features: &domain.TripFeatures{NightFraction: 1.5},
			Model:    domain.ModelOutput{ClaimProbability: 0.1, ClaimSeverity: 100, ModelVersion: "gbm-1"},
			Now:      now,
		})
		if !errors.Is(err, domain.ErrInvalidFeatures) {
			t.Fatalf("expected InvalidFeatures, got %v", err)
		}
	})
}

func TestQuote(t *testing.T) {
	e := newEngine(t)
	base := 1200.00

	q, err := e.Quote(pricing.Request{
		Score:       78.5,
		Table:       domain.DefaultBandRuleTable(),
		PolicyID:    "pol-1",
		BasePremium: &base,
		Now:         now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.Band != domain.BandB || q.DeltaAmount != -60.00 || q.NewPremium != 1140.00 {
		t.Errorf("unexpected quote %+v", q.Decision)
	}
	if len(q.Rationale) != 3 {
		t.Errorf("expected 3 rationale lines, got %v", q.Rationale)
	}
	if q.Adjustment == nil || q.Adjustment.Reason == "" {
		t.Fatal("expected an adjustment with a reason")
	}

	_, err = e.Quote(pricing.Request{Score: 50, Table: domain.DefaultBandRuleTable(), PolicyID: "pol-2", BasePremium: new(float64)})
	de, ok := domain.AsError(err)
	if !ok || de.Kind != domain.KindPricingError || de.Subject != "policy:pol-2" {
		t.Errorf("expected PricingError for policy:pol-2, got %v", err)
	}
}

func TestCustomFormula(t *testing.T) {
	cfg := domain.DefaultEngineConfig()
	cfg.ScoreFormula = "not valid ("
	if _, err := New(cfg); err == nil {
		t.Fatal("expected invalid formula to fail")
	}

	cfg.ScoreFormula = "100.0 - claim_probability * 100.0"
	cfg.ScoreFormulaVersion = "freq-v1"
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := e.Score(ScoreRequest{
		Subject: domain.Subject{Type: domain.ScoreTypeDaily, UserID: "u"},
		Model:   domain.ModelOutput{ClaimProbability: 0.5, ClaimSeverity: 1, ModelVersion: "m"},
		Now:     now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Score.ScoreValue != 50 || res.Score.FormulaVersion != "freq-v1" {
		t.Errorf("unexpected score %+v", res.Score)
	}
}

func TestScenarios(t *testing.T) {
	s, err := newEngine(t).Scenarios(domain.DefaultBandRuleTable(), 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Bands) != 5 || s.PremiumRange != 400 {
		t.Errorf("unexpected scenarios %+v", s)
	}
}
