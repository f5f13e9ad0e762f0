package domain

import "time"

// BandRule is the delta range for one band. A single-valued band has DeltaMin == DeltaMax.
type BandRule struct {
	Band     Band    `json:"band" yaml:"band"`
	DeltaMin float64 `json:"delta_min" yaml:"delta_min"`
	DeltaMax float64 `json:"delta_max" yaml:"delta_max"`
}

// BandRuleTable is a versioned, immutable band-to-delta mapping.
// Replace it wholesale; never mutate a table that has been published.
type BandRuleTable struct {
	Version   string     `json:"version" yaml:"version"`
	Rules     []BandRule `json:"rules" yaml:"rules"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
}

// Rule returns the rule for a band.
func (t *BandRuleTable) Rule(b Band) (BandRule, bool) {
	if t == nil {
		return BandRule{}, false
	}
	for _, r := range t.Rules {
		if r.Band == b {
			return r, true
		}
	}
	return BandRule{}, false
}

// Clone returns a deep copy.
func (t *BandRuleTable) Clone() *BandRuleTable {
	if t == nil {
		return nil
	}
	out := *t
	out.Rules = make([]BandRule, len(t.Rules))
	copy(out.Rules, t.Rules)
	return &out
}

// DefaultRuleTableVersion is the version of the built-in table.
const DefaultRuleTableVersion = "default-v1"

// DefaultBandRuleTable returns the built-in table. Band A interpolates between
// -20% and -10% so its midpoint lands on -15%.
func DefaultBandRuleTable() *BandRuleTable {
	return &BandRuleTable{
		Version: DefaultRuleTableVersion,
		Rules: []BandRule{
			{Band: BandA, DeltaMin: -0.20, DeltaMax: -0.10},
			{Band: BandB, DeltaMin: -0.05, DeltaMax: -0.05},
			{Band: BandC, DeltaMin: 0.00, DeltaMax: 0.00},
			{Band: BandD, DeltaMin: 0.10, DeltaMax: 0.10},
			{Band: BandE, DeltaMin: 0.25, DeltaMax: 0.25},
		},
	}
}
