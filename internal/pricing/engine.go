// Package pricing maps a risk band and score to a bounded premium adjustment.
package pricing

import (
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/band"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fairness"
	"github.com/shopspring/decimal"
)

// Config holds the pricing parameters.
type Config struct {
	Cooldown       time.Duration
	DeltaPrecision int32
	MinorUnits     int32
}

// DefaultConfig returns a 30 day cooldown, 4 decimal deltas and cents.
func DefaultConfig() Config {
	return Config{
		Cooldown:       30 * 24 * time.Hour,
		DeltaPrecision: 4,
		MinorUnits:     2,
	}
}

// Engine is the pricing rule engine. It holds configuration only and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates a pricing engine.
func NewEngine(cfg Config) *Engine {
	if cfg.DeltaPrecision <= 0 {
		cfg.DeltaPrecision = 4
	}
	if cfg.MinorUnits < 0 {
		cfg.MinorUnits = 2
	}
	return &Engine{cfg: cfg}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Request is a single pricing decision input. Now is supplied by the caller.
type Request struct {
	Score       float64
	Table       *domain.BandRuleTable
	PolicyID    string
	BasePremium *float64
	Period      *domain.Period
	Prior       *domain.PremiumAdjustment
	RiskScoreID string
	Now         time.Time
}

// Decision is the outcome of a pricing run.
type Decision struct {
	Score        float64     `json:"score"`
	Band         domain.Band `json:"band"`
	TableVersion string      `json:"table_version"`

	// RawDelta is the table delta before the guardrail.
	RawDelta float64 `json:"raw_delta"`
	DeltaPct float64 `json:"delta_pct"`
	Clamped  bool    `json:"clamped"`

	// CooldownHeld is set when a recent adjustment fixed the delta.
	CooldownHeld bool                      `json:"cooldown_held"`
	HeldUntil    time.Time                 `json:"held_until,omitempty"`
	Prior        *domain.PremiumAdjustment `json:"-"`

	HasPremium  bool    `json:"has_premium"`
	BasePremium float64 `json:"base_premium,omitempty"`
	DeltaAmount float64 `json:"delta_amount,omitempty"`
	NewPremium  float64 `json:"new_premium,omitempty"`

	// Adjustment is set only for an actionable quote: policy and base premium supplied, not held.
	Adjustment *domain.PremiumAdjustment `json:"adjustment,omitempty"`
}

// Decide runs the rule engine. It is deterministic: identical requests give identical decisions.
func (e *Engine) Decide(req Request) (*Decision, error) {
	b, err := band.Classify(req.Score)
	if err != nil {
		return nil, err
	}
	if req.Table == nil {
		return nil, pricingError("rule_table", nil, "no active rule table")
	}

	var base decimal.Decimal
	if req.BasePremium != nil {
		bp := *req.BasePremium
		if math.IsNaN(bp) || math.IsInf(bp, 0) || bp <= 0 {
			return nil, pricingError("base_premium", bp, "base premium must be a positive amount")
		}
		base = decimal.NewFromFloat(bp)
	}
	if req.Period != nil && !req.Period.End.After(req.Period.Start) {
		return nil, pricingError("period_end", req.Period.End, "period end must be after period start")
	}

	raw, err := BaseDelta(req.Table, b, req.Score)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Score:        req.Score,
		Band:         b,
		TableVersion: req.Table.Version,
		RawDelta:     raw,
	}

	delta := Guardrail(raw)
	d.Clamped = delta != raw

	if held, until := e.cooldownHeld(req); held {
		d.CooldownHeld = true
		d.HeldUntil = until
		d.Prior = req.Prior
		delta = Guardrail(req.Prior.DeltaPct)
		d.Clamped = false
	}

	deltaDec := decimal.NewFromFloat(delta).RoundBank(e.cfg.DeltaPrecision)
	d.DeltaPct = deltaDec.InexactFloat64()

	if req.BasePremium != nil {
		amount := base.Mul(deltaDec).RoundBank(e.cfg.MinorUnits)
		newPremium := base.Mul(decimal.NewFromInt(1).Add(deltaDec)).RoundBank(e.cfg.MinorUnits)
		if !newPremium.IsPositive() {
			return nil, pricingError("new_premium", newPremium.InexactFloat64(), "new premium must be positive")
		}
		d.HasPremium = true
		d.BasePremium = base.InexactFloat64()
		d.DeltaAmount = amount.InexactFloat64()
		d.NewPremium = newPremium.InexactFloat64()
	}

	if req.PolicyID != "" && d.HasPremium && !d.CooldownHeld {
		period := e.period(req)
		d.Adjustment = &domain.PremiumAdjustment{
			PolicyID:     req.PolicyID,
			PeriodStart:  period.Start,
			PeriodEnd:    period.End,
			Band:         b,
			Score:        req.Score,
			BasePremium:  d.BasePremium,
			DeltaPct:     d.DeltaPct,
			DeltaAmount:  d.DeltaAmount,
			NewPremium:   d.NewPremium,
			ScoreVersion: req.Table.Version,
			RiskScoreID:  req.RiskScoreID,
			CreatedAt:    req.Now,
		}
	}

	return d, nil
}

// BaseDelta interpolates a band's delta range by the score's offset inside the band.
// The band floor maps to DeltaMax and the ceiling to DeltaMin, so a higher score never pays more.
func BaseDelta(t *domain.BandRuleTable, b domain.Band, score float64) (float64, error) {
	rule, ok := t.Rule(b)
	if !ok {
		return 0, pricingError("band", b, "rule table %s has no rule for band %s", t.Version, b)
	}
	if rule.DeltaMin == rule.DeltaMax {
		return rule.DeltaMin, nil
	}

	lo, hi, _ := band.Interval(b)
	frac := (score - lo) / (hi - lo)
	frac = math.Max(0, math.Min(1, frac))

	delta := rule.DeltaMax - frac*(rule.DeltaMax-rule.DeltaMin)
	return math.Max(rule.DeltaMin, math.Min(rule.DeltaMax, delta)), nil
}

// Guardrail clamps a delta to the system-wide hard bound.
func Guardrail(delta float64) float64 {
	return math.Max(-fairness.Guardrail, math.Min(fairness.Guardrail, delta))
}

func (e *Engine) cooldownHeld(req Request) (bool, time.Time) {
	if req.PolicyID == "" || req.Prior == nil || e.cfg.Cooldown <= 0 {
		return false, time.Time{}
	}
	if req.Prior.PolicyID != "" && req.Prior.PolicyID != req.PolicyID {
		return false, time.Time{}
	}
	until := req.Prior.CreatedAt.Add(e.cfg.Cooldown)
	if req.Now.Before(until) {
		return true, until
	}
	return false, time.Time{}
}

func (e *Engine) period(req Request) domain.Period {
	if req.Period != nil {
		return *req.Period
	}
	return domain.Period{Start: req.Now, End: req.Now.AddDate(1, 0, 0)}
}

func pricingError(field string, value any, format string, args ...any) error {
	return domain.NewError(domain.KindPricingError, field, value, format, args...)
}
