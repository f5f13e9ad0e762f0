package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/fairness"
	"github.com/opensource-finance/kestrel/internal/pricing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ScoreSource returns a user's latest daily score.
type ScoreSource interface {
	LatestUserScore(ctx context.Context, userID string) (*domain.RiskScore, error)
}

// PricingDeps holds the collaborators of the pricing service.
type PricingDeps struct {
	Engine  *engine.Engine
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Tables  *pricing.TableStore
	Monitor *fairness.Monitor
	Scores  ScoreSource

	LockTTL     time.Duration
	Concurrency int
	Clock       Clock
}

// PricingService issues quotes and manages the band rule table.
type PricingService struct {
	engine      *engine.Engine
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	tables      *pricing.TableStore
	monitor     *fairness.Monitor
	scores      ScoreSource
	lockTTL     time.Duration
	concurrency int
	now         Clock

	// rulesMu serializes rule table writes against reloads.
	rulesMu sync.Mutex

	bulkMu   sync.Mutex
	lastBulk time.Time
}

// NewPricingService creates a pricing service.
func NewPricingService(deps PricingDeps) *PricingService {
	s := &PricingService{
		engine:      deps.Engine,
		repo:        deps.Repo,
		cache:       deps.Cache,
		bus:         deps.Bus,
		tables:      deps.Tables,
		monitor:     deps.Monitor,
		scores:      deps.Scores,
		lockTTL:     deps.LockTTL,
		concurrency: deps.Concurrency,
		now:         deps.Clock,
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 10 * time.Second
	}
	if s.concurrency <= 0 {
		s.concurrency = 8
	}
	if s.now == nil {
		s.now = utcNow
	}
	if s.monitor == nil {
		s.monitor = fairness.NewMonitor(0, 0)
	}
	return s
}

// QuoteRequest asks for a premium decision. Without a score the user's
// latest daily score is used. Without a policy the quote is a what-if and
// nothing is persisted.
type QuoteRequest struct {
	PolicyID    string     `json:"policy_id,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	Score       *float64   `json:"score,omitempty"`
	BasePremium *float64   `json:"base_premium,omitempty"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// Quote prices a request. Decisions for one policy are serialized with an
// advisory lock so the cooldown check and the write cannot interleave.
func (s *PricingService) Quote(ctx context.Context, req QuoteRequest) (_ *engine.Quote, err error) {
	ctx, span := tracer.Start(ctx, "pricing.quote", trace.WithAttributes(
		attribute.String("policy.id", req.PolicyID),
	))
	defer func() { endSpan(span, err) }()

	var q *engine.Quote
	if req.PolicyID == "" {
		q, err = s.quote(ctx, req, nil)
	} else {
		err = cache.WithLock(ctx, s.cache, cache.PolicyLockKey(req.PolicyID), s.lockTTL, func() error {
			policy, err := s.repo.GetPolicy(ctx, req.PolicyID)
			if err != nil {
				return err
			}
			q, err = s.quote(ctx, req, policy)
			return err
		})
	}
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("pricing.band", string(q.Band)),
		attribute.Float64("pricing.delta_pct", q.DeltaPct),
		attribute.Bool("pricing.cooldown_held", q.CooldownHeld),
	)
	return q, nil
}

func (s *PricingService) quote(ctx context.Context, req QuoteRequest, policy *domain.Policy) (*engine.Quote, error) {
	now := s.now()
	preq := pricing.Request{
		Table:       s.tables.ActiveTable(),
		BasePremium: req.BasePremium,
		Now:         now,
	}

	userID := req.UserID
	if policy != nil {
		if policy.Status != domain.PolicyActive {
			return nil, domain.NewError(domain.KindPricingError, "status", policy.Status, "policy is not active").
				WithSubject("policy:" + policy.ID)
		}
		preq.PolicyID = policy.ID
		if preq.BasePremium == nil {
			base := policy.BasePremium
			preq.BasePremium = &base
		}
		if userID == "" {
			userID = policy.UserID
		}
	}

	if req.PeriodStart != nil || req.PeriodEnd != nil {
		if req.PeriodStart == nil || req.PeriodEnd == nil {
			return nil, domain.NewError(domain.KindPricingError, "period", nil, "period_start and period_end must be given together")
		}
		preq.Period = &domain.Period{Start: *req.PeriodStart, End: *req.PeriodEnd}
	}

	if req.Score != nil {
		preq.Score = *req.Score
	} else {
		if userID == "" {
			return nil, fmt.Errorf("%w: score or user_id is required", domain.ErrInvalidInput)
		}
		latest, err := s.scores.LatestUserScore(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("no score for user %s: %w", userID, err)
		}
		preq.Score = latest.ScoreValue
		preq.RiskScoreID = latest.ID
	}

	if policy != nil {
		prior, err := s.repo.LatestAdjustment(ctx, policy.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read adjustment history: %w", err)
		}
		preq.Prior = prior
	}

	q, err := s.engine.Quote(preq)
	if err != nil {
		return nil, err
	}

	if adj := q.Adjustment; adj != nil {
		if err := s.repo.SaveAdjustment(ctx, adj); err != nil {
			return nil, fmt.Errorf("failed to save adjustment: %w", err)
		}
		publish(ctx, s.bus, domain.TopicAdjustmentCreated, bus.AdjustmentCreated{
			AdjustmentID: adj.ID,
			PolicyID:     adj.PolicyID,
			RiskScoreID:  adj.RiskScoreID,
			DeltaPct:     adj.DeltaPct,
			NewPremium:   adj.NewPremium,
			ScoreVersion: adj.ScoreVersion,
			CreatedAt:    adj.CreatedAt,
		})
		log.Info().
			Str("policy_id", adj.PolicyID).
			Str("adjustment_id", adj.ID).
			Str("band", string(adj.Band)).
			Float64("delta_pct", adj.DeltaPct).
			Float64("new_premium", adj.NewPremium).
			Msg("premium adjusted")
	}

	if !q.CooldownHeld {
		s.observe(ctx, preq.PolicyID, q)
	}
	return q, nil
}

// observe runs the runtime monotonicity assertion. Violations are flagged, never blocking.
func (s *PricingService) observe(ctx context.Context, policyID string, q *engine.Quote) {
	violations := s.monitor.Observe(fairness.Observation{Band: q.Band, Score: q.Score, DeltaPct: q.DeltaPct})
	if len(violations) == 0 {
		return
	}

	messages := make([]string, len(violations))
	for i, v := range violations {
		messages[i] = v.Message
	}
	log.Warn().
		Str("policy_id", policyID).
		Strs("violations", messages).
		Msg("fairness monitor flagged a decision")
	publish(ctx, s.bus, domain.TopicFairnessFlagged, bus.FairnessFlagged{
		PolicyID: policyID,
		Score:    q.Score,
		DeltaPct: q.DeltaPct,
		Messages: messages,
	})
}

// CurrentPremium is a policy's premium after its latest adjustment.
type CurrentPremium struct {
	PolicyID       string                    `json:"policy_id"`
	BasePremium    float64                   `json:"base_premium"`
	CurrentPremium float64                   `json:"current_premium"`
	LastAdjustment *domain.PremiumAdjustment `json:"last_adjustment,omitempty"`
}

// CurrentPremium returns the premium in force for a policy.
func (s *PricingService) CurrentPremium(ctx context.Context, policyID string) (*CurrentPremium, error) {
	policy, err := s.repo.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	latest, err := s.repo.LatestAdjustment(ctx, policyID)
	if err != nil {
		return nil, err
	}

	out := &CurrentPremium{
		PolicyID:       policy.ID,
		BasePremium:    policy.BasePremium,
		CurrentPremium: policy.BasePremium,
		LastAdjustment: latest,
	}
	if latest != nil {
		out.CurrentPremium = latest.NewPremium
	}
	return out, nil
}

// Adjustments returns a policy's adjustment history, newest first.
func (s *PricingService) Adjustments(ctx context.Context, policyID string) ([]*domain.PremiumAdjustment, error) {
	if _, err := s.repo.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	return s.repo.ListAdjustments(ctx, policyID)
}

// Scenarios prices every band midpoint of the active table for a base premium.
func (s *PricingService) Scenarios(basePremium float64) (*pricing.Scenarios, error) {
	return s.engine.Scenarios(s.tables.ActiveTable(), basePremium)
}

// Impact estimates the book-level premium change for a band distribution.
func (s *PricingService) Impact(distribution map[domain.Band]float64) (*pricing.Impact, error) {
	return s.engine.Pricing().PremiumImpact(s.tables.ActiveTable(), distribution)
}

// RulesView is the active table with its advisory warnings.
type RulesView struct {
	Table    *domain.BandRuleTable `json:"table"`
	Warnings []string              `json:"warnings"`
}

// ActiveRules returns the table currently used for pricing.
func (s *PricingService) ActiveRules() RulesView {
	t := s.tables.ActiveTable()
	return RulesView{Table: t, Warnings: fairness.Warnings(t)}
}

// RuleVersions lists every stored table version.
func (s *PricingService) RuleVersions(ctx context.Context) ([]*domain.BandRuleTable, error) {
	return s.repo.ListRuleTables(ctx)
}

// PutRuleTable validates and stores a new table version, activating it when asked.
// An invalid table fails with FairnessViolation and changes nothing.
func (s *PricingService) PutRuleTable(ctx context.Context, t *domain.BandRuleTable, activate bool) (*RulesView, error) {
	if err := fairness.ValidateTable(t); err != nil {
		return nil, err
	}

	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	stored := t.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if err := s.repo.SaveRuleTable(ctx, stored); err != nil {
		return nil, err
	}

	view := &RulesView{Table: stored, Warnings: fairness.Warnings(stored)}
	if !activate {
		return view, nil
	}

	if err := s.repo.ActivateRuleTable(ctx, stored.Version); err != nil {
		return nil, err
	}
	if err := s.swap(ctx, stored); err != nil {
		return nil, err
	}
	view.Table = s.tables.ActiveTable()
	return view, nil
}

// ReloadRules swaps in the table marked active in storage.
// A table that fails validation is rejected and the current one kept.
func (s *PricingService) ReloadRules(ctx context.Context) (*RulesView, error) {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	t, err := s.repo.GetActiveRuleTable(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.swap(ctx, t); err != nil {
		log.Error().Err(err).Str("version", t.Version).Msg("rule table reload rejected")
		return nil, err
	}
	view := s.ActiveRules()
	return &view, nil
}

func (s *PricingService) swap(ctx context.Context, t *domain.BandRuleTable) error {
	previous := s.tables.ActiveTable().Version
	warnings, err := s.tables.Swap(t)
	if err != nil {
		return err
	}
	s.monitor.Reset()

	log.Info().
		Str("version", t.Version).
		Str("previous", previous).
		Strs("warnings", warnings).
		Msg("band rule table activated")
	publish(ctx, s.bus, domain.TopicRuleTableActivated, RulesView{Table: s.tables.ActiveTable(), Warnings: warnings})
	return nil
}

// FairnessReport is the periodic disparity summary over issued adjustments.
type FairnessReport struct {
	fairness.Report
	Since        time.Time `json:"since"`
	TableVersion string    `json:"table_version"`
	TableValid   bool      `json:"table_valid"`
	Warnings     []string  `json:"warnings"`
}

// FairnessReport summarizes adjustments issued in the last days.
func (s *PricingService) FairnessReport(ctx context.Context, days int) (*FairnessReport, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", domain.ErrInvalidInput)
	}
	since := s.now().AddDate(0, 0, -days)

	adjustments, err := s.repo.ListAdjustmentsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	samples := make([]fairness.Observation, 0, len(adjustments))
	for _, a := range adjustments {
		samples = append(samples, fairness.Observation{Band: a.Band, Score: a.Score, DeltaPct: a.DeltaPct})
	}

	t := s.tables.ActiveTable()
	return &FairnessReport{
		Report:       fairness.Summarize(samples),
		Since:        since,
		TableVersion: t.Version,
		TableValid:   fairness.ValidateTable(t) == nil,
		Warnings:     fairness.Warnings(t),
	}, nil
}

// BulkResult summarizes a bulk adjustment run.
type BulkResult struct {
	Policies int      `json:"policies"`
	Adjusted int      `json:"adjusted"`
	Held     int      `json:"held"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// BulkAdjust quotes every active policy against its holder's latest score.
// Per-policy failures are counted and logged; they never abort the run.
func (s *PricingService) BulkAdjust(ctx context.Context) (*BulkResult, error) {
	policies, err := s.repo.ListActivePolicies(ctx)
	if err != nil {
		return nil, err
	}

	result := &BulkResult{Policies: len(policies)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, p := range policies {
		g.Go(func() error {
			q, err := s.Quote(gctx, QuoteRequest{PolicyID: p.ID})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, domain.ErrNotFound):
				result.Skipped++
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", p.ID, err))
				log.Error().Err(err).Str("policy_id", p.ID).Msg("bulk adjustment failed")
			case q.CooldownHeld:
				result.Held++
			case q.Adjustment != nil:
				result.Adjusted++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info().
		Int("policies", result.Policies).
		Int("adjusted", result.Adjusted).
		Int("held", result.Held).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("bulk adjustment completed")

	s.bulkMu.Lock()
	s.lastBulk = s.now()
	s.bulkMu.Unlock()
	return result, nil
}

// PricingMetrics reports adjustment volume and premium impact.
type PricingMetrics struct {
	pricing.Metrics
	RulesVersion       string     `json:"pricing_rules_version"`
	Since              *time.Time `json:"since,omitempty"`
	LastBulkAdjustment *time.Time `json:"last_bulk_adjustment"`
}

// Metrics aggregates adjustments issued in the last days, or all of them when days is zero.
func (s *PricingService) Metrics(ctx context.Context, days int) (*PricingMetrics, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: days must not be negative", domain.ErrInvalidInput)
	}

	var since time.Time
	out := &PricingMetrics{RulesVersion: s.tables.ActiveTable().Version}
	if days > 0 {
		since = s.now().AddDate(0, 0, -days)
		out.Since = &since
	}

	adjustments, err := s.repo.ListAdjustmentsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	out.Metrics = s.engine.Pricing().Metrics(adjustments)

	s.bulkMu.Lock()
	if !s.lastBulk.IsZero() {
		last := s.lastBulk
		out.LastBulkAdjustment = &last
	}
	s.bulkMu.Unlock()
	return out, nil
}

// LoadRuleTable builds the table store from storage, seeding it with
// fallback (or the built-in table) when storage holds no active table.
// A stored table that fails validation blocks startup.
func LoadRuleTable(ctx context.Context, repo domain.Repository, fallback *domain.BandRuleTable) (*pricing.TableStore, error) {
	t, err := repo.GetActiveRuleTable(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to read active rule table: %w", err)
	}

	if t == nil {
		t = fallback
		if t == nil {
			t = domain.DefaultBandRuleTable()
		}
		if err := fairness.ValidateTable(t); err != nil {
			return nil, err
		}
		if err := repo.SaveRuleTable(ctx, t); err != nil && !errors.Is(err, domain.ErrInvalidInput) {
			return nil, fmt.Errorf("failed to seed rule table: %w", err)
		}
		if err := repo.ActivateRuleTable(ctx, t.Version); err != nil {
			return nil, fmt.Errorf("failed to activate rule table: %w", err)
		}
		log.Info().Str("version", t.Version).Msg("seeded band rule table")
	}

	return pricing.NewTableStore(t)
}
