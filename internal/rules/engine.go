// Package rules provides the CEL-Go based score formula engine.
package rules

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Formula is a versioned CEL expression turning model outputs and features into a 0-100 score.
type Formula struct {
	Version    string `json:"version" yaml:"version"`
	Expression string `json:"expression" yaml:"expression"`
}

// DefaultFormula scores the inverse of expected loss: 0 loss is 100, 10,000 or more is 0.
func DefaultFormula() Formula {
	return Formula{
		Version:    "el-inverse-v1",
		Expression: "100.0 - expected_loss / 100.0",
	}
}

// Inputs holds the variables available to a formula.
type Inputs struct {
	ExpectedLoss     float64
	ClaimProbability float64
	ClaimSeverity    float64
	Features         *domain.TripFeatures
}

// Engine compiles score formulas and evaluates the active one.
// The active formula is swapped atomically; evaluations never see a half-loaded formula.
type Engine struct {
	env     *cel.Env
	current atomic.Pointer[compiledFormula]
}

type compiledFormula struct {
	formula Formula
	program cel.Program
}

// NewEngine creates a formula engine and loads the given formula.
func NewEngine(formula Formula) (*Engine, error) {
	opts := []cel.EnvOption{
		cel.Variable("expected_loss", cel.DoubleType),
		cel.Variable("claim_probability", cel.DoubleType),
		cel.Variable("claim_severity", cel.DoubleType),
		cel.Variable("has_features", cel.BoolType),
	}
	for _, name := range domain.FeatureNames() {
		opts = append(opts, cel.Variable(string(name), cel.DoubleType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env}
	if err := e.Load(formula); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate compiles a formula without changing the active one.
func (e *Engine) Validate(formula Formula) error {
	_, err := e.compile(formula)
	return err
}

// Load compiles a formula and makes it active.
func (e *Engine) Load(formula Formula) error {
	compiled, err := e.compile(formula)
	if err != nil {
		return err
	}
	e.current.Store(compiled)
	return nil
}

// Formula returns the active formula.
func (e *Engine) Formula() Formula {
	return e.current.Load().formula
}

// Score evaluates the active formula and clamps the result to [0,100].
// A non-finite result fails with InvalidScore rather than defaulting.
func (e *Engine) Score(in Inputs) (float64, error) {
	compiled := e.current.Load()

	out, _, err := compiled.program.Eval(activation(in))
	if err != nil {
		return 0, domain.NewError(domain.KindInvalidScore, "formula", compiled.formula.Version, "formula evaluation failed").Wrap(err)
	}

	score, ok := toScore(out)
	if !ok {
		return 0, domain.NewError(domain.KindInvalidScore, "formula", compiled.formula.Version, "formula returned %s", out.Type().TypeName())
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, domain.NewError(domain.KindInvalidScore, "score", score, "formula %s produced a non-finite score", compiled.formula.Version)
	}

	return math.Max(0, math.Min(100, score)), nil
}

func activation(in Inputs) map[string]any {
	vars := map[string]any{
		"expected_loss":     in.ExpectedLoss,
		"claim_probability": in.ClaimProbability,
		"claim_severity":    in.ClaimSeverity,
		"has_features":      in.Features != nil,
	}
	for _, name := range domain.FeatureNames() {
		v := 0.0
		if in.Features != nil {
			v, _ = in.Features.Value(name)
		}
		vars[string(name)] = v
	}
	return vars
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) (float64, bool) {
	switch v := val.(type) {
	case types.Double:
		return float64(v), true
	case types.Int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (e *Engine) compile(formula Formula) (*compiledFormula, error) {
	if strings.TrimSpace(formula.Version) == "" {
		return nil, fmt.Errorf("formula version is required")
	}

	ast, issues := e.env.Compile(formula.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile formula %s: %w", formula.Version, issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(cel.DoubleType) && !outputType.IsExactType(cel.IntType) {
		return nil, fmt.Errorf("formula %s: expression must return int or double, got %s", formula.Version, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for formula %s: %w", formula.Version, err)
	}

	return &compiledFormula{formula: formula, program: program}, nil
}
