// Package band maps continuous risk scores to discrete bands.
package band

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MaxScore and MinScore bound the valid score domain.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Breakpoints are the inclusive lower bounds, best band first.
// Each band covers [min, next-higher min); A also includes 100.
var breakpoints = []struct {
	band domain.Band
	min  float64
}{
	{domain.BandA, 85},
	{domain.BandB, 70},
	{domain.BandC, 55},
	{domain.BandD, 40},
	{domain.BandE, 0},
}

// Classify returns the band for a score in [0,100].
// A score exactly on a breakpoint belongs to the higher band.
func Classify(score float64) (domain.Band, error) {
	if err := ValidateScore(score); err != nil {
		return "", err
	}
	for _, bp := range breakpoints {
		if score >= bp.min {
			return bp.band, nil
		}
	}
	// unreachable: E starts at 0
	return domain.BandE, nil
}

// ValidateScore fails with InvalidScore outside [0,100] or for non-finite values.
func ValidateScore(score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return domain.NewError(domain.KindInvalidScore, "score", score, "score is not finite")
	}
	if score < MinScore || score > MaxScore {
		return domain.NewError(domain.KindInvalidScore, "score", score, "score outside [0,100]")
	}
	return nil
}

// Interval returns the score sub-interval covered by a band.
// The upper bound is exclusive except for A, whose upper bound is 100.
func Interval(b domain.Band) (lo, hi float64, ok bool) {
	upper := MaxScore
	for _, bp := range breakpoints {
		if bp.band == b {
			return bp.min, upper, true
		}
		upper = bp.min
	}
	return 0, 0, false
}

// Midpoint returns the centre of a band's interval.
func Midpoint(b domain.Band) (float64, bool) {
	lo, hi, ok := Interval(b)
	if !ok {
		return 0, false
	}
	return (lo + hi) / 2, true
}

// Breakpoint returns the inclusive lower bound of a band.
func Breakpoint(b domain.Band) (float64, bool) {
	lo, _, ok := Interval(b)
	return lo, ok
}
