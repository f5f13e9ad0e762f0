package fairness

import (
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func table(rules ...domain.BandRule) *domain.BandRuleTable {
	return &domain.BandRuleTable{Version: "test", Rules: rules}
}

func TestValidateDefaultTable(t *testing.T) {
	require.NoError(t, ValidateTable(domain.DefaultBandRuleTable()))
	assert.Empty(t, Warnings(domain.DefaultBandRuleTable()))
}

func TestValidateTableViolations(t *testing.T) {
	base := domain.DefaultBandRuleTable().Rules

	tests := []struct {
		name  string
		table *domain.BandRuleTable
	}{
		{"Nil", nil},
		{"MissingVersion", &domain.BandRuleTable{Rules: base}},
		{"MissingBand", table(base[0], base[1], base[2], base[3])},
		{"DuplicateBand", table(base[0], base[1], base[2], base[3], base[4], base[4])},
		{"UnknownBand", table(base[0], base[1], base[2], base[3], base[4], domain.BandRule{Band: "F"})},
		{"InvertedRange", table(domain.BandRule{Band: domain.BandA, DeltaMin: -0.05, DeltaMax: -0.2}, base[1], base[2], base[3], base[4])},
		{"NaNDelta", table(domain.BandRule{Band: domain.BandA, DeltaMin: math.NaN(), DeltaMax: -0.1}, base[1], base[2], base[3], base[4])},
		{"BetterBandPaysMore", table(
			base[0],
			domain.BandRule{Band: domain.BandB, DeltaMin: 0.05, DeltaMax: 0.05},
			base[2], base[3], base[4],
		)},
		{"OverlappingRanges", table(
			domain.BandRule{Band: domain.BandA, DeltaMin: -0.20, DeltaMax: 0.00},
			base[1], base[2], base[3], base[4],
		)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTable(tt.table)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrFairnessViolation)
		})
	}
}

func TestValidateTableAcceptsTouchingRanges(t *testing.T) {
	tbl := table(
		domain.BandRule{Band: domain.BandA, DeltaMin: -0.20, DeltaMax: -0.10},
		domain.BandRule{Band: domain.BandB, DeltaMin: -0.10, DeltaMax: 0.00},
		domain.BandRule{Band: domain.BandC, DeltaMin: 0.00, DeltaMax: 0.00},
		domain.BandRule{Band: domain.BandD, DeltaMin: 0.00, DeltaMax: 0.10},
		domain.BandRule{Band: domain.BandE, DeltaMin: 0.10, DeltaMax: 0.25},
	)
	assert.NoError(t, ValidateTable(tbl))
}

func TestWarnings(t *testing.T) {
	tbl := table(
		domain.BandRule{Band: domain.BandA, DeltaMin: -0.45, DeltaMax: -0.30},
		domain.BandRule{Band: domain.BandB, DeltaMin: -0.10, DeltaMax: -0.10},
		domain.BandRule{Band: domain.BandC, DeltaMin: 0, DeltaMax: 0},
		domain.BandRule{Band: domain.BandD, DeltaMin: 0.10, DeltaMax: 0.10},
		domain.BandRule{Band: domain.BandE, DeltaMin: 0.30, DeltaMax: 0.60},
	)
	require.NoError(t, ValidateTable(tbl))

	warnings := Warnings(tbl)
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "Band A has extreme adjustment")
	assert.Contains(t, warnings[1], "Band E range")
	assert.Contains(t, warnings[2], "Large adjustment spread")
}

func TestMonitorFlagsAdjacentInversion(t *testing.T) {
	m := NewMonitor(5, 10)

	assert.Empty(t, m.Observe(Observation{Band: domain.BandB, Score: 71, DeltaPct: -0.05}))
	assert.Empty(t, m.Observe(Observation{Band: domain.BandC, Score: 68, DeltaPct: 0.00}))

	// Band C pricing better than a nearby band B decision.
	v := m.Observe(Observation{Band: domain.BandC, Score: 69, DeltaPct: -0.08})
	require.Len(t, v, 1)
	assert.Equal(t, domain.BandB, v[0].Reference.Band)

	// Band B pricing worse than a nearby band C decision.
	v = m.Observe(Observation{Band: domain.BandB, Score: 70, DeltaPct: 0.02})
	require.Len(t, v, 2)
}

func TestMonitorIgnoresDistantScores(t *testing.T) {
	m := NewMonitor(5, 10)
	m.Observe(Observation{Band: domain.BandA, Score: 99, DeltaPct: 0.10})
	assert.Empty(t, m.Observe(Observation{Band: domain.BandB, Score: 72, DeltaPct: -0.05}))
	assert.Empty(t, m.Observe(Observation{Band: domain.BandE, Score: 10, DeltaPct: -0.5}), "non-adjacent bands are not compared")
}

func TestMonitorWindowIsBounded(t *testing.T) {
	m := NewMonitor(5, 3)
	for i := 0; i < 10; i++ {
		m.Observe(Observation{Band: domain.BandB, Score: 71, DeltaPct: 0.3})
	}
	assert.Len(t, m.recent[domain.BandB], 3)

	m.Reset()
	assert.Empty(t, m.Observe(Observation{Band: domain.BandC, Score: 69, DeltaPct: 0}))
}

func TestSummarize(t *testing.T) {
	samples := []Observation{
		{Band: domain.BandA, Score: 90, DeltaPct: -0.12},
		{Band: domain.BandA, Score: 96, DeltaPct: -0.18},
		{Band: domain.BandB, Score: 78, DeltaPct: -0.05},
		{Band: domain.BandC, Score: 60, DeltaPct: 0},
		{Band: domain.BandC, Score: 62, DeltaPct: 0},
		{Band: domain.BandE, Score: 20, DeltaPct: 0.25},
	}

	report := Summarize(samples)
	assert.Equal(t, 6, report.Total)
	require.Len(t, report.Bands, 5)

	a := report.Bands[0]
	assert.Equal(t, 2, a.Count)
	assert.InDelta(t, -0.15, a.MeanDelta, 1e-12)
	assert.InDelta(t, 0.0424264, a.StdDelta, 1e-6)
	assert.Equal(t, -0.18, a.MinDelta)
	assert.Equal(t, -0.12, a.MaxDelta)
	assert.InDelta(t, 93, a.MeanScore, 1e-12)
	assert.InDelta(t, 1.0/3, a.Share, 1e-12)

	assert.Equal(t, 1, report.Bands[1].Count)
	assert.Equal(t, 0.0, report.Bands[1].StdDelta)
	assert.Equal(t, 0, report.Bands[3].Count)

	assert.True(t, report.MonotonicMeans)
	assert.InDelta(t, 0.40, report.MaxMeanGap, 1e-12)
}

func TestSummarizeDetectsInvertedMeans(t *testing.T) {
	report := Summarize([]Observation{
		{Band: domain.BandA, Score: 90, DeltaPct: 0.05},
		{Band: domain.BandB, Score: 75, DeltaPct: -0.05},
	})
	assert.False(t, report.MonotonicMeans)
}
