// Package loss computes expected loss from claim frequency and severity estimates.
package loss

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Calculator combines claim probability and severity into expected loss.
type Calculator struct {
	minorUnits int32
}

// NewCalculator creates a calculator rounding to the given currency minor units.
func NewCalculator(minorUnits int32) *Calculator {
	if minorUnits < 0 {
		minorUnits = 2
	}
	return &Calculator{minorUnits: minorUnits}
}

// Calculate returns probability × severity rounded half-to-even to minor units.
func (c *Calculator) Calculate(probability, severity float64) (float64, error) {
	if math.IsNaN(probability) || math.IsInf(probability, 0) {
		return 0, domain.NewError(domain.KindInvalidModelOutput, "claim_probability", probability, "claim probability is not finite")
	}
	if math.IsNaN(severity) || math.IsInf(severity, 0) {
		return 0, domain.NewError(domain.KindInvalidModelOutput, "claim_severity", severity, "claim severity is not finite")
	}
	if probability < 0 || probability > 1 {
		return 0, domain.NewError(domain.KindInvalidModelOutput, "claim_probability", probability, "claim probability outside [0,1]")
	}
	if severity < 0 {
		return 0, domain.NewError(domain.KindInvalidModelOutput, "claim_severity", severity, "claim severity is negative")
	}

	el := decimal.NewFromFloat(probability).
		Mul(decimal.NewFromFloat(severity)).
		RoundBank(c.minorUnits)

	return el.InexactFloat64(), nil
}
