package pricing

import (
	"github.com/opensource-finance/kestrel/internal/band"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// BandScenario is the premium a representative driver in a band would pay.
type BandScenario struct {
	Band        domain.Band `json:"band"`
	Description string      `json:"description"`
	Score       float64     `json:"score"`
	DeltaPct    float64     `json:"delta_pct"`
	DeltaAmount float64     `json:"delta_amount"`
	NewPremium  float64     `json:"new_premium"`
}

// Scenarios compares every band for one base premium.
type Scenarios struct {
	TableVersion string         `json:"table_version"`
	BasePremium  float64        `json:"base_premium"`
	Bands        []BandScenario `json:"bands"`
	PremiumRange float64        `json:"premium_range"`
}

// Simulate prices the midpoint score of every band against a table.
func (e *Engine) Simulate(t *domain.BandRuleTable, basePremium float64) (*Scenarios, error) {
	out := &Scenarios{BasePremium: basePremium}
	if t != nil {
		out.TableVersion = t.Version
	}

	var lowest, highest float64
	for i, b := range domain.AllBands() {
		mid, _ := band.Midpoint(b)
		d, err := e.Decide(Request{Score: mid, Table: t, BasePremium: &basePremium})
		if err != nil {
			return nil, err
		}
		out.Bands = append(out.Bands, BandScenario{
			Band:        b,
			Description: b.Description(),
			Score:       mid,
			DeltaPct:    d.DeltaPct,
			DeltaAmount: d.DeltaAmount,
			NewPremium:  d.NewPremium,
		})
		if i == 0 || d.NewPremium < lowest {
			lowest = d.NewPremium
		}
		if i == 0 || d.NewPremium > highest {
			highest = d.NewPremium
		}
	}

	out.PremiumRange = decimal.NewFromFloat(highest).Sub(decimal.NewFromFloat(lowest)).
		RoundBank(e.cfg.MinorUnits).InexactFloat64()
	return out, nil
}

// Impact is the expected effect of a table on a book of business.
type Impact struct {
	TableVersion      string                  `json:"table_version"`
	WeightedDeltaPct  float64                 `json:"weighted_delta_pct"`
	Distribution      map[domain.Band]float64 `json:"distribution"`
	UnclassifiedShare float64                 `json:"unclassified_share"`
}

// PremiumImpact weights each band's midpoint delta by its share of a score distribution.
// Shares are normalized; bands absent from the distribution count as zero.
func (e *Engine) PremiumImpact(t *domain.BandRuleTable, distribution map[domain.Band]float64) (*Impact, error) {
	out := &Impact{Distribution: make(map[domain.Band]float64)}
	if t != nil {
		out.TableVersion = t.Version
	}

	total := 0.0
	for b, share := range distribution {
		if share < 0 {
			return nil, pricingError("distribution."+string(b), share, "band share must not be negative")
		}
		total += share
	}
	if total == 0 {
		return out, nil
	}

	weighted := decimal.Zero
	for b, share := range distribution {
		if !b.Valid() {
			out.UnclassifiedShare += share / total
			continue
		}
		mid, _ := band.Midpoint(b)
		d, err := e.Decide(Request{Score: mid, Table: t})
		if err != nil {
			return nil, err
		}
		norm := share / total
		out.Distribution[b] = norm
		weighted = weighted.Add(decimal.NewFromFloat(d.DeltaPct).Mul(decimal.NewFromFloat(norm)))
	}
	out.WeightedDeltaPct = weighted.RoundBank(e.cfg.DeltaPrecision).InexactFloat64()
	return out, nil
}
