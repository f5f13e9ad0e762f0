// Package engine runs the scoring and pricing pipeline for one subject.
// It performs no I/O: callers supply features, model output, the rule table,
// the adjustment history snapshot and the evaluation time.
package engine

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/adapter"
	"github.com/opensource-finance/kestrel/internal/band"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/loss"
	"github.com/opensource-finance/kestrel/internal/pricing"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Engine wires the pipeline stages together.
type Engine struct {
	losses    *loss.Calculator
	formula   *rules.Engine
	pricing   *pricing.Engine
	explainer *explain.Generator
}

// New builds an engine from configuration.
func New(cfg domain.EngineConfig) (*Engine, error) {
	formula := rules.DefaultFormula()
	if cfg.ScoreFormula != "" {
		formula = rules.Formula{Version: cfg.ScoreFormulaVersion, Expression: cfg.ScoreFormula}
	}
	scorer, err := rules.NewEngine(formula)
	if err != nil {
		return nil, fmt.Errorf("failed to load score formula: %w", err)
	}

	return &Engine{
		losses:  loss.NewCalculator(cfg.MinorUnits),
		formula: scorer,
		pricing: pricing.NewEngine(pricing.Config{
			Cooldown:       cfg.Cooldown,
			DeltaPrecision: cfg.DeltaPrecision,
			MinorUnits:     cfg.MinorUnits,
		}),
		explainer: explain.NewGenerator(cfg.TopN, cfg.Thresholds),
	}, nil
}

// Formula returns the score formula engine.
func (e *Engine) Formula() *rules.Engine { return e.formula }

// Pricing returns the pricing rule engine.
func (e *Engine) Pricing() *pricing.Engine { return e.pricing }

// ScoreRequest is the input for one score computation.
type ScoreRequest struct {
	Subject  domain.Subject
	Features *domain.TripFeatures
	Model    domain.ModelOutput
	Now      time.Time
}

// ScoreResult is a computed, not yet persisted, risk score.
type ScoreResult struct {
	Score   *domain.RiskScore
	Skipped []domain.FeatureName
}

// Score normalizes inputs, computes expected loss, applies the score formula,
// classifies the band and explains the result.
func (e *Engine) Score(req ScoreRequest) (*ScoreResult, error) {
	in, err := adapter.Normalize(req.Subject, req.Features, req.Model)
	if err != nil {
		return nil, err
	}
	subject := req.Subject.String()

	el, err := e.losses.Calculate(in.Model.ClaimProbability, in.Model.ClaimSeverity)
	if err != nil {
		return nil, withSubject(err, subject)
	}

	score, err := e.formula.Score(rules.Inputs{
		ExpectedLoss:     el,
		ClaimProbability: in.Model.ClaimProbability,
		ClaimSeverity:    in.Model.ClaimSeverity,
		Features:         in.Features,
	})
	if err != nil {
		return nil, withSubject(err, subject)
	}

	b, err := band.Classify(score)
	if err != nil {
		return nil, withSubject(err, subject)
	}

	exp := e.explainer.Generate(score, b, in.Model.Importances, in.Features)

	rs := &domain.RiskScore{
		UserID:           req.Subject.UserID,
		TripID:           req.Subject.TripID,
		ScoreType:        req.Subject.Type,
		ScoreValue:       score,
		Band:             b,
		ExpectedLoss:     el,
		ClaimProbability: in.Model.ClaimProbability,
		ClaimSeverity:    in.Model.ClaimSeverity,
		ModelVersion:     in.Model.ModelVersion,
		FormulaVersion:   e.formula.Formula().Version,
		FeatureValues:    in.FeatureValue,
		Explanations:     exp.Lines,
		ComputedAt:       req.Now,
	}
	return &ScoreResult{Score: rs, Skipped: exp.Skipped}, nil
}

// Quote is a pricing decision with its rationale.
type Quote struct {
	*pricing.Decision
	Rationale []string `json:"rationale"`
}

// Quote prices a score. The adjustment, when one is produced, carries the rationale as its reason.
func (e *Engine) Quote(req pricing.Request) (*Quote, error) {
	d, err := e.pricing.Decide(req)
	if err != nil {
		if req.PolicyID != "" {
			return nil, withSubject(err, "policy:"+req.PolicyID)
		}
		return nil, err
	}

	q := &Quote{Decision: d, Rationale: explain.Rationale(d)}
	if d.Adjustment != nil {
		d.Adjustment.Reason = explain.RationaleText(d)
	}
	return q, nil
}

// Scenarios prices every band midpoint for a base premium.
func (e *Engine) Scenarios(t *domain.BandRuleTable, basePremium float64) (*pricing.Scenarios, error) {
	return e.pricing.Simulate(t, basePremium)
}

func withSubject(err error, subject string) error {
	if de, ok := domain.AsError(err); ok && de.Subject == "" {
		return de.WithSubject(subject)
	}
	return err
}
