package pricing

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// RevenueImpact is the net premium movement produced by a set of adjustments.
type RevenueImpact struct {
	TotalPremiumChange float64 `json:"total_premium_change"`
	PremiumIncrease    float64 `json:"premium_increase"`
	PremiumDecrease    float64 `json:"premium_decrease"`
}

// Metrics aggregates issued adjustments.
type Metrics struct {
	TotalAdjustments       int                 `json:"total_adjustments"`
	AverageAdjustmentPct   float64             `json:"average_adjustment_pct"`
	AdjustmentDistribution map[domain.Band]int `json:"adjustment_distribution"`
	RevenueImpact          RevenueImpact       `json:"revenue_impact"`
}

// Metrics summarizes adjustments. Every band appears in the distribution, and
// premium sums are kept in decimal and rounded to minor units.
func (e *Engine) Metrics(adjustments []*domain.PremiumAdjustment) Metrics {
	m := Metrics{AdjustmentDistribution: make(map[domain.Band]int, len(domain.AllBands()))}
	for _, b := range domain.AllBands() {
		m.AdjustmentDistribution[b] = 0
	}

	var increase, decrease decimal.Decimal
	deltas := make([]float64, 0, len(adjustments))
	for _, a := range adjustments {
		if a == nil {
			continue
		}
		m.TotalAdjustments++
		if a.Band.Valid() {
			m.AdjustmentDistribution[a.Band]++
		}
		deltas = append(deltas, a.DeltaPct)

		amount := decimal.NewFromFloat(a.DeltaAmount)
		if amount.IsPositive() {
			increase = increase.Add(amount)
		} else {
			decrease = decrease.Add(amount)
		}
	}

	if len(deltas) > 0 {
		m.AverageAdjustmentPct = decimal.NewFromFloat(stat.Mean(deltas, nil)).
			RoundBank(e.cfg.DeltaPrecision).InexactFloat64()
	}
	m.RevenueImpact = RevenueImpact{
		TotalPremiumChange: increase.Add(decrease).RoundBank(e.cfg.MinorUnits).InexactFloat64(),
		PremiumIncrease:    increase.RoundBank(e.cfg.MinorUnits).InexactFloat64(),
		PremiumDecrease:    decrease.RoundBank(e.cfg.MinorUnits).InexactFloat64(),
	}
	return m
}
