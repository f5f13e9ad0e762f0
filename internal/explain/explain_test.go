package explain

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryFeatureHasBothTemplates(t *testing.T) {
	for _, f := range domain.FeatureNames() {
		for _, s := range []Sign{Increases, Decreases} {
			tpl, ok := Lookup(f, s)
			require.True(t, ok, "missing %s template for %s", s, f)
			assert.NotEmpty(t, tpl.Text)
			assert.NotEmpty(t, tpl.Variant)
		}
	}
}

func TestGenerateFromImportances(t *testing.T) {
	g := NewGenerator(3, nil)

	exp := g.Generate(78.5, domain.BandB, []domain.FeatureImportance{
		{Feature: domain.FeatureNightFraction, Value: 0.02},
		{Feature: domain.FeatureHarshBrakeRate, Value: 0.31},
		{Feature: domain.FeatureSpeedingRatio, Value: -0.12},
		{Feature: domain.FeatureDistanceKm, Value: 0.05},
		{Feature: domain.FeatureUrbanFraction, Value: 0},
	}, nil)

	assert.Equal(t, []string{
		"Score 78.5 (Band B)",
		"Frequent harsh braking increases risk",
		"Good speed compliance lowers risk",
		"High mileage increases exposure",
	}, exp.Lines)
	assert.Empty(t, exp.Skipped)
}

func TestGenerateTieBreaksByName(t *testing.T) {
	g := NewGenerator(1, nil)

	exp := g.Generate(50, domain.BandD, []domain.FeatureImportance{
		{Feature: domain.FeatureWeatherExposure, Value: 0.2},
		{Feature: domain.FeatureHarshAccelRate, Value: -0.2},
	}, nil)

	require.Len(t, exp.Lines, 2)
	assert.Equal(t, "Smooth acceleration lowers risk", exp.Lines[1])
}

func TestGenerateSkipsUnknownFeatures(t *testing.T) {
	g := NewGenerator(3, nil)

	exp := g.Generate(90, domain.BandA, []domain.FeatureImportance{
		{Feature: "tire_pressure", Value: 0.9},
		{Feature: domain.FeatureNightFraction, Value: -0.3},
	}, nil)

	assert.Equal(t, []string{"Score 90.0 (Band A)", "Mostly daytime driving lowers risk"}, exp.Lines)
	assert.Equal(t, []domain.FeatureName{"tire_pressure"}, exp.Skipped)
}

func TestGenerateFillsTopNPastUnknownFeatures(t *testing.T) {
	g := NewGenerator(3, nil)

	exp := g.Generate(90, domain.BandA, []domain.FeatureImportance{
		{Feature: "mystery_a", Value: 0.9},
		{Feature: "mystery_b", Value: 0.8},
		{Feature: domain.FeatureNightFraction, Value: 0.3},
		{Feature: domain.FeatureHarshBrakeRate, Value: 0.2},
		{Feature: domain.FeatureSpeedingRatio, Value: -0.1},
	}, nil)

	assert.Equal(t, []string{
		"Score 90.0 (Band A)",
		"Night driving increases risk",
		"Frequent harsh braking increases risk",
		"Good speed compliance lowers risk",
	}, exp.Lines)
	assert.Equal(t, []domain.FeatureName{"mystery_a", "mystery_b"}, exp.Skipped)
}

func TestGenerateOnlyUnknownFeaturesFallsBack(t *testing.T) {
	g := NewGenerator(3, nil)

	exp := g.Generate(90, domain.BandA, []domain.FeatureImportance{
		{Feature: "mystery_a", Value: 0.9},
	}, nil)

	require.Len(t, exp.Lines, 2)
	assert.Equal(t, "Score 90.0 (Band A)", exp.Lines[0])
	assert.Equal(t, []domain.FeatureName{"mystery_a"}, exp.Skipped)
}

func TestScoreLineStaysInBand(t *testing.T) {
	tests := []struct {
		score float64
		band  domain.Band
		want  string
	}{
		{39.99, domain.BandE, "Score 39.9 (Band E)"},
		{84.96, domain.BandB, "Score 84.9 (Band B)"},
		{85, domain.BandA, "Score 85.0 (Band A)"},
		{78.5, domain.BandB, "Score 78.5 (Band B)"},
		{57.3, domain.BandC, "Score 57.3 (Band C)"},
		{0, domain.BandE, "Score 0.0 (Band E)"},
		{100, domain.BandA, "Score 100.0 (Band A)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ScoreLine(tt.score, tt.band))
	}
}

func TestGenerateThresholdFallback(t *testing.T) {
	g := NewGenerator(3, nil)

	features := &domain.TripFeatures{
		DistanceKm:           100,
		DurationMin:          100,
		HarshBrakeCount:      15,
		HarshAccelCount:      1,
		SpeedingCount:        1,
		NightFraction:        0.2,
		PhoneDistractionProb: 0.08,
	}

	exp := g.Generate(45, domain.BandD, nil, features)
	assert.Equal(t, []string{
		"Score 45.0 (Band D)",
		"High harsh braking rate detected",
		"Low harsh acceleration rate - smooth driving",
		"Good speed compliance",
		"Potential phone distraction detected",
		"Moderate risk profile - consider safer driving practices",
	}, exp.Lines)
}

func TestGenerateThresholdOverrides(t *testing.T) {
	high := 0.15
	g := NewGenerator(3, map[string]domain.ThresholdsConfig{
		string(domain.FeatureNightFraction): {High: &high},
		"unknown":                           {High: &high},
	})

	exp := g.Generate(82, domain.BandB, nil, &domain.TripFeatures{DistanceKm: 10, DurationMin: 10, NightFraction: 0.2})
	assert.Contains(t, exp.Lines, "High night driving percentage")
	assert.Equal(t, "Excellent driving behavior - low risk profile", exp.Lines[len(exp.Lines)-1])
}

func TestGenerateWithoutInputs(t *testing.T) {
	exp := NewGenerator(0, nil).Generate(20, domain.BandE, nil, nil)
	assert.Equal(t, []string{
		"Score 20.0 (Band E)",
		"High risk profile - immediate attention to driving behavior recommended",
	}, exp.Lines)
}

func TestGenerateIsDeterministic(t *testing.T) {
	g := NewGenerator(3, nil)
	imps := []domain.FeatureImportance{
		{Feature: domain.FeatureMaxSpeedKph, Value: 0.1},
		{Feature: domain.FeatureMeanSpeedKph, Value: 0.1},
		{Feature: domain.FeatureUrbanFraction, Value: 0.1},
		{Feature: domain.FeatureWeekendFraction, Value: 0.1},
	}
	first := g.Generate(60, domain.BandC, imps, nil)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, g.Generate(60, domain.BandC, imps, nil))
	}
}

func TestRationale(t *testing.T) {
	t.Run("Discount", func(t *testing.T) {
		d := &pricing.Decision{Score: 78.5, Band: domain.BandB, DeltaPct: -0.05}
		assert.Equal(t, []string{
			"Score 78.5 (Band B)",
			"Premium discount of 5.0% for safe driving behavior",
			"Good drivers (70-84 score)",
		}, Rationale(d))
	})

	t.Run("Neutral", func(t *testing.T) {
		d := &pricing.Decision{Score: 60, Band: domain.BandC}
		assert.Equal(t, "Score 60.0 (Band C): No premium adjustment - neutral risk profile: Average drivers (55-69 score)", RationaleText(d))
	})

	t.Run("HeldAndClamped", func(t *testing.T) {
		d := &pricing.Decision{
			Score:        10,
			Band:         domain.BandE,
			DeltaPct:     0.5,
			Clamped:      true,
			CooldownHeld: true,
			HeldUntil:    time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		}
		lines := Rationale(d)
		assert.Equal(t, "Premium increase of 50.0% due to higher risk profile", lines[1])
		assert.Equal(t, "Cooldown held: prior adjustment kept until 2025-07-01", lines[2])
		assert.Equal(t, "Adjustment limited to the ±50% guardrail", lines[3])
	})
}
