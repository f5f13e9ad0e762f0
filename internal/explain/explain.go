// Package explain turns scores, feature contributions and pricing decisions
// into deterministic human-readable sentences. It never fails; features it
// cannot describe are reported back in Explanation.Skipped.
package explain

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fairness"
	"github.com/opensource-finance/kestrel/internal/pricing"
)

// DefaultTopN is the number of contribution lines when none is configured.
const DefaultTopN = 3

// Explanation is an ordered list of sentences plus the features that were omitted.
type Explanation struct {
	Lines   []string             `json:"lines"`
	Skipped []domain.FeatureName `json:"skipped,omitempty"`
}

// Generator builds explanations.
type Generator struct {
	topN       int
	thresholds map[domain.FeatureName]Threshold
}

// NewGenerator creates a generator. Overrides replace the numeric bounds of the
// default thresholds; keys that are not fallback features are ignored.
func NewGenerator(topN int, overrides map[string]domain.ThresholdsConfig) *Generator {
	if topN <= 0 {
		topN = DefaultTopN
	}
	thresholds := DefaultThresholds()
	for name, o := range overrides {
		f := domain.FeatureName(name)
		t, ok := thresholds[f]
		if !ok {
			continue
		}
		if o.High != nil {
			t.High = bound(*o.High)
		}
		if o.Low != nil {
			t.Low = bound(*o.Low)
		}
		thresholds[f] = t
	}
	return &Generator{topN: topN, thresholds: thresholds}
}

// ScoreLine is the first line of every explanation. The score is truncated to
// one decimal so the printed value never crosses into the next band.
func ScoreLine(score float64, b domain.Band) string {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return fmt.Sprintf("Score %.1f (Band %s)", score, b)
	}
	return fmt.Sprintf("Score %s (Band %s)", decimal.NewFromFloat(score).RoundFloor(1).StringFixed(1), b)
}

// Generate explains a score. Importances take precedence; without any, the
// generator falls back to feature thresholds and an overall assessment.
func (g *Generator) Generate(score float64, b domain.Band, importances []domain.FeatureImportance, features *domain.TripFeatures) Explanation {
	exp := Explanation{Lines: []string{ScoreLine(score, b)}}

	top, skipped := g.top(importances)
	exp.Skipped = skipped
	if len(top) > 0 {
		for _, t := range top {
			exp.Lines = append(exp.Lines, t.Text)
		}
		return exp
	}

	if features != nil {
		for _, f := range thresholdOrder {
			t, ok := g.thresholds[f]
			if !ok {
				continue
			}
			v, _ := features.Value(f)
			switch {
			case t.High != nil && v > *t.High:
				exp.Lines = append(exp.Lines, t.HighText)
			case t.Low != nil && v < *t.Low && t.LowText != "":
				exp.Lines = append(exp.Lines, t.LowText)
			}
		}
	}
	exp.Lines = append(exp.Lines, assessment(score))
	return exp
}

// top returns the templates for the N largest describable contributions by
// magnitude, ties broken by name. Features without a template are returned
// separately and never take one of the N places. Zero, non-finite and
// repeated entries are dropped.
func (g *Generator) top(importances []domain.FeatureImportance) ([]Template, []domain.FeatureName) {
	candidates := make([]domain.FeatureImportance, 0, len(importances))
	for _, imp := range importances {
		if imp.Value == 0 || math.IsNaN(imp.Value) || math.IsInf(imp.Value, 0) {
			continue
		}
		candidates = append(candidates, imp)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ai, aj := math.Abs(candidates[i].Value), math.Abs(candidates[j].Value)
		if ai != aj {
			return ai > aj
		}
		return candidates[i].Feature < candidates[j].Feature
	})

	var (
		out     = make([]Template, 0, g.topN)
		skipped []domain.FeatureName
		seen    = make(map[domain.FeatureName]bool, len(candidates))
	)
	for _, imp := range candidates {
		if seen[imp.Feature] {
			continue
		}
		seen[imp.Feature] = true

		t, ok := Lookup(imp.Feature, SignOf(imp.Value))
		if !ok {
			skipped = append(skipped, imp.Feature)
			continue
		}
		if len(out) < g.topN {
			out = append(out, t)
		}
	}
	return out, skipped
}

// Rationale explains a pricing decision.
func Rationale(d *pricing.Decision) []string {
	lines := []string{ScoreLine(d.Score, d.Band)}

	pct := math.Abs(d.DeltaPct) * 100
	switch {
	case d.DeltaPct > 0:
		lines = append(lines, fmt.Sprintf("Premium increase of %.1f%% due to higher risk profile", pct))
	case d.DeltaPct < 0:
		lines = append(lines, fmt.Sprintf("Premium discount of %.1f%% for safe driving behavior", pct))
	default:
		lines = append(lines, "No premium adjustment - neutral risk profile")
	}

	if d.CooldownHeld {
		lines = append(lines, fmt.Sprintf("Cooldown held: prior adjustment kept until %s", d.HeldUntil.UTC().Format("2006-01-02")))
	}
	if d.Clamped {
		lines = append(lines, fmt.Sprintf("Adjustment limited to the ±%.0f%% guardrail", fairness.Guardrail*100))
	}

	lines = append(lines, d.Band.Description())
	return lines
}

// RationaleText joins the rationale into a single string.
func RationaleText(d *pricing.Decision) string {
	return strings.Join(Rationale(d), ": ")
}
