// Package fairness enforces monotonic pricing across bands and reports delta disparity.
package fairness

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// Guardrail is the hard bound on delta_pct, independent of any rule table.
const Guardrail = 0.5

// Advisory thresholds for table warnings.
const (
	ExtremeAdjustment = 0.4
	MaxSpread         = 0.6
)

// ValidateTable checks that a table covers every band once with finite, ordered ranges and
// that no worse band receives a more favorable delta than the band above it.
func ValidateTable(t *domain.BandRuleTable) error {
	if t == nil {
		return violation("", nil, "rule table is missing")
	}
	if strings.TrimSpace(t.Version) == "" {
		return violation("version", t.Version, "rule table version is required")
	}

	seen := make(map[domain.Band]bool, len(t.Rules))
	for _, r := range t.Rules {
		if !r.Band.Valid() {
			return violation("band", r.Band, "unknown band")
		}
		if seen[r.Band] {
			return violation("band", r.Band, "band %s defined more than once", r.Band)
		}
		seen[r.Band] = true

		if !finite(r.DeltaMin) || !finite(r.DeltaMax) {
			return violation("band."+string(r.Band), [2]float64{r.DeltaMin, r.DeltaMax}, "band %s delta is not finite", r.Band)
		}
		if r.DeltaMin > r.DeltaMax {
			return violation("band."+string(r.Band), [2]float64{r.DeltaMin, r.DeltaMax}, "band %s delta_min exceeds delta_max", r.Band)
		}
	}

	bands := domain.AllBands()
	for _, b := range bands {
		if !seen[b] {
			return violation("band", b, "band %s has no rule", b)
		}
	}

	for i := 0; i < len(bands)-1; i++ {
		better, _ := t.Rule(bands[i])
		worse, _ := t.Rule(bands[i+1])
		if better.DeltaMax > worse.DeltaMin {
			return violation("band."+string(better.Band), better.DeltaMax,
				"band %s max delta %.4f exceeds band %s min delta %.4f", better.Band, better.DeltaMax, worse.Band, worse.DeltaMin)
		}
	}

	return nil
}

// Warnings returns advisory findings for a table that already passed validation.
func Warnings(t *domain.BandRuleTable) []string {
	if t == nil {
		return nil
	}

	var warnings []string
	lowest, highest := math.Inf(1), math.Inf(-1)
	for _, b := range domain.AllBands() {
		r, ok := t.Rule(b)
		if !ok {
			continue
		}
		lowest = math.Min(lowest, r.DeltaMin)
		highest = math.Max(highest, r.DeltaMax)

		if r.DeltaMin < -Guardrail || r.DeltaMax > Guardrail {
			warnings = append(warnings, fmt.Sprintf("Band %s range [%.1f%%, %.1f%%] exceeds the ±%.0f%% guardrail and will be clamped",
				b, r.DeltaMin*100, r.DeltaMax*100, Guardrail*100))
		} else if math.Abs(r.DeltaMin) > ExtremeAdjustment || math.Abs(r.DeltaMax) > ExtremeAdjustment {
			warnings = append(warnings, fmt.Sprintf("Band %s has extreme adjustment: [%.1f%%, %.1f%%]", b, r.DeltaMin*100, r.DeltaMax*100))
		}
	}

	if spread := highest - lowest; spread > MaxSpread {
		warnings = append(warnings, fmt.Sprintf("Large adjustment spread: %.1f%%", spread*100))
	}
	return warnings
}

// Observation is one issued, non-held pricing decision.
type Observation struct {
	Band     domain.Band `json:"band"`
	Score    float64     `json:"score"`
	DeltaPct float64     `json:"delta_pct"`
}

// Violation is a runtime monotonicity breach between two nearby decisions in adjacent bands.
type Violation struct {
	Observation Observation `json:"observation"`
	Reference   Observation `json:"reference"`
	Message     string      `json:"message"`
}

// Monitor asserts monotonicity against recently issued deltas.
// It flags, and never blocks, a decision.
type Monitor struct {
	mu        sync.Mutex
	proximity float64
	window    int
	recent    map[domain.Band][]Observation
	next      map[domain.Band]int
}

// NewMonitor creates a monitor comparing decisions within proximity score points,
// keeping at most window observations per band.
func NewMonitor(proximity float64, window int) *Monitor {
	if proximity <= 0 {
		proximity = 5.0
	}
	if window <= 0 {
		window = 1000
	}
	return &Monitor{
		proximity: proximity,
		window:    window,
		recent:    make(map[domain.Band][]Observation),
		next:      make(map[domain.Band]int),
	}
}

// Observe records a decision and returns any violations against adjacent bands.
func (m *Monitor) Observe(o Observation) []Violation {
	rank := o.Band.Rank()
	if rank < 0 {
		return nil
	}
	bands := domain.AllBands()

	m.mu.Lock()
	defer m.mu.Unlock()

	var violations []Violation

	// A better band nearby must not pay more than this decision.
	if rank > 0 {
		for _, ref := range m.recent[bands[rank-1]] {
			if math.Abs(ref.Score-o.Score) <= m.proximity && ref.DeltaPct > o.DeltaPct {
				violations = append(violations, Violation{
					Observation: o,
					Reference:   ref,
					Message: fmt.Sprintf("band %s score %.1f got %.4f, better band %s score %.1f got %.4f",
						o.Band, o.Score, o.DeltaPct, ref.Band, ref.Score, ref.DeltaPct),
				})
			}
		}
	}

	// A worse band nearby must not pay less than this decision.
	if rank < len(bands)-1 {
		for _, ref := range m.recent[bands[rank+1]] {
			if math.Abs(ref.Score-o.Score) <= m.proximity && ref.DeltaPct < o.DeltaPct {
				violations = append(violations, Violation{
					Observation: o,
					Reference:   ref,
					Message: fmt.Sprintf("band %s score %.1f got %.4f, worse band %s score %.1f got %.4f",
						o.Band, o.Score, o.DeltaPct, ref.Band, ref.Score, ref.DeltaPct),
				})
			}
		}
	}

	m.record(o)
	return violations
}

// Reset drops all observations, e.g. after a rule table swap.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = make(map[domain.Band][]Observation)
	m.next = make(map[domain.Band]int)
}

func (m *Monitor) record(o Observation) {
	buf := m.recent[o.Band]
	if len(buf) < m.window {
		m.recent[o.Band] = append(buf, o)
		return
	}
	i := m.next[o.Band]
	buf[i] = o
	m.next[o.Band] = (i + 1) % m.window
}

// BandStats summarizes issued deltas for one band.
type BandStats struct {
	Band        domain.Band `json:"band"`
	Count       int         `json:"count"`
	Share       float64     `json:"share"`
	MeanDelta   float64     `json:"mean_delta"`
	StdDelta    float64     `json:"std_delta"`
	MedianDelta float64     `json:"median_delta"`
	MinDelta    float64     `json:"min_delta"`
	MaxDelta    float64     `json:"max_delta"`
	MeanScore   float64     `json:"mean_score"`
}

// Report is the periodic group-level disparity summary. It is advisory only.
type Report struct {
	Total          int         `json:"total"`
	Bands          []BandStats `json:"bands"`
	MaxMeanGap     float64     `json:"max_mean_gap"`
	MonotonicMeans bool        `json:"monotonic_means"`
}

// Summarize computes per-band delta statistics over a sample of decisions.
func Summarize(samples []Observation) Report {
	deltas := make(map[domain.Band][]float64)
	scores := make(map[domain.Band][]float64)
	for _, s := range samples {
		if !s.Band.Valid() {
			continue
		}
		deltas[s.Band] = append(deltas[s.Band], s.DeltaPct)
		scores[s.Band] = append(scores[s.Band], s.Score)
	}

	report := Report{MonotonicMeans: true}
	for _, b := range domain.AllBands() {
		report.Total += len(deltas[b])
	}

	prevMean := math.Inf(-1)
	lowestMean, highestMean := math.Inf(1), math.Inf(-1)
	for _, b := range domain.AllBands() {
		d := deltas[b]
		st := BandStats{Band: b, Count: len(d)}
		if len(d) > 0 {
			sorted := append([]float64(nil), d...)
			sort.Float64s(sorted)

			st.Share = float64(len(d)) / float64(report.Total)
			st.MeanDelta, st.StdDelta = stat.MeanStdDev(sorted, nil)
			if len(d) < 2 {
				st.StdDelta = 0
			}
			st.MedianDelta = stat.Quantile(0.5, stat.Empirical, sorted, nil)
			st.MinDelta = sorted[0]
			st.MaxDelta = sorted[len(sorted)-1]
			st.MeanScore = stat.Mean(scores[b], nil)

			if st.MeanDelta < prevMean {
				report.MonotonicMeans = false
			}
			prevMean = st.MeanDelta
			lowestMean = math.Min(lowestMean, st.MeanDelta)
			highestMean = math.Max(highestMean, st.MeanDelta)
		}
		report.Bands = append(report.Bands, st)
	}

	if report.Total > 0 {
		report.MaxMeanGap = highestMean - lowestMean
	}
	return report
}

func violation(field string, value any, format string, args ...any) error {
	return domain.NewError(domain.KindFairnessViolation, field, value, format, args...)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
