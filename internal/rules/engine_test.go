package rules

import (
	"sync"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(DefaultFormula())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if engine.Formula().Version != "el-inverse-v1" {
		t.Errorf("expected default formula, got %s", engine.Formula().Version)
	}
}

func TestDefaultFormula(t *testing.T) {
	engine, _ := NewEngine(DefaultFormula())

	tests := []struct {
		name         string
		expectedLoss float64
		want         float64
	}{
		{"NoLoss", 0, 100},
		{"ReferenceLoss", 125.50, 98.745},
		{"HighLoss", 6000, 40},
		{"ClampedAtZero", 25000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Score(Inputs{ExpectedLoss: tt.expectedLoss})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFeatureWeightedFormula(t *testing.T) {
	engine, _ := NewEngine(DefaultFormula())

	formula := Formula{
		Version:    "behavior-v2",
		Expression: "has_features ? 100.0 - expected_loss / 100.0 - 50.0 * harsh_brake_rate - 20.0 * night_fraction : 100.0 - expected_loss / 100.0",
	}
	if err := engine.Load(formula); err != nil {
		t.Fatalf("failed to load formula: %v", err)
	}

	features := &domain.TripFeatures{DistanceKm: 50, HarshBrakeCount: 5, NightFraction: 0.5}
	got, err := engine.Score(Inputs{ExpectedLoss: 1000, Features: features})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 100 - 10 - 50*0.1 - 20*0.5
	if diff := got - 75.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected 75, got %v", got)
	}

	withoutFeatures, _ := engine.Score(Inputs{ExpectedLoss: 1000})
	if withoutFeatures != 90 {
		t.Errorf("expected 90 without features, got %v", withoutFeatures)
	}
}

func TestInvalidFormulas(t *testing.T) {
	engine, _ := NewEngine(DefaultFormula())

	cases := map[string]Formula{
		"Syntax":         {Version: "bad", Expression: "this is not valid CEL !!!"},
		"BoolResult":     {Version: "bool", Expression: "expected_loss > 10.0"},
		"UnknownVar":     {Version: "unknown", Expression: "tire_pressure * 2.0"},
		"MissingVersion": {Expression: "100.0"},
	}

	for name, formula := range cases {
		t.Run(name, func(t *testing.T) {
			if err := engine.Validate(formula); err == nil {
				t.Error("expected validation error")
			}
			if err := engine.Load(formula); err == nil {
				t.Error("expected load error")
			}
			if engine.Formula().Version != "el-inverse-v1" {
				t.Errorf("active formula changed to %s", engine.Formula().Version)
			}
		})
	}
}

func TestNonFiniteScore(t *testing.T) {
	engine, _ := NewEngine(Formula{Version: "div", Expression: "100.0 / expected_loss"})

	_, err := engine.Score(Inputs{ExpectedLoss: 0})
	if !domain.IsClientError(err) {
		t.Fatalf("expected InvalidScore, got %v", err)
	}
	if kind, _ := domain.KindOf(err); kind != domain.KindInvalidScore {
		t.Errorf("expected InvalidScore, got %s", kind)
	}
}

func TestConcurrentReload(t *testing.T) {
	engine, _ := NewEngine(DefaultFormula())
	alt := Formula{Version: "flat", Expression: "50"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			score, err := engine.Score(Inputs{ExpectedLoss: 1000})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if score != 90 && score != 50 {
				t.Errorf("score %v from neither formula", score)
			}
		}()
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				_ = engine.Load(alt)
			} else {
				_ = engine.Load(DefaultFormula())
			}
		}(i)
	}
	wg.Wait()
}
