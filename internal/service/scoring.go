package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ScoringDeps holds the collaborators of the scoring service.
type ScoringDeps struct {
	Engine   *engine.Engine
	Features domain.FeatureProvider
	Models   domain.ModelOutputProvider
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus

	// FeatureWindow is the default look-back for daily user scores.
	FeatureWindow time.Duration
	// ScoreTTL bounds how long computed scores stay cached.
	ScoreTTL time.Duration
	Clock    Clock
}

// ScoringService computes, persists and serves risk scores.
type ScoringService struct {
	engine   *engine.Engine
	features domain.FeatureProvider
	models   domain.ModelOutputProvider
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	window   time.Duration
	scoreTTL time.Duration
	now      Clock
}

// NewScoringService creates a scoring service.
func NewScoringService(deps ScoringDeps) *ScoringService {
	s := &ScoringService{
		engine:   deps.Engine,
		features: deps.Features,
		models:   deps.Models,
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		window:   deps.FeatureWindow,
		scoreTTL: deps.ScoreTTL,
		now:      deps.Clock,
	}
	if s.window <= 0 {
		s.window = 30 * 24 * time.Hour
	}
	if s.now == nil {
		s.now = utcNow
	}
	return s
}

// ComputeUser scores a user over window, or over the default look-back
// ending now when window is nil.
func (s *ScoringService) ComputeUser(ctx context.Context, userID string, window *domain.Window) (_ *domain.RiskScore, err error) {
	ctx, span := tracer.Start(ctx, "score.compute", trace.WithAttributes(
		attribute.String("score.type", string(domain.ScoreTypeDaily)),
		attribute.String("user.id", userID),
	))
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}

	now := s.now()
	w := domain.Window{Start: now.Add(-s.window), End: now}
	if window != nil {
		w = *window
	}

	features, err := s.features.UserFeatures(ctx, userID, w)
	if err != nil {
		return nil, err
	}

	subject := domain.Subject{Type: domain.ScoreTypeDaily, UserID: userID}
	return s.compute(ctx, span, subject, features, now)
}

// ComputeTrip scores one stored trip.
func (s *ScoringService) ComputeTrip(ctx context.Context, tripID string) (_ *domain.RiskScore, err error) {
	ctx, span := tracer.Start(ctx, "score.compute", trace.WithAttributes(
		attribute.String("score.type", string(domain.ScoreTypeTrip)),
		attribute.String("trip.id", tripID),
	))
	defer func() { endSpan(span, err) }()

	trip, err := s.features.TripFeatures(ctx, tripID)
	if err != nil {
		return nil, err
	}

	subject := domain.Subject{Type: domain.ScoreTypeTrip, UserID: trip.UserID, TripID: trip.ID}
	features := trip.Features
	return s.compute(ctx, span, subject, &features, s.now())
}

func (s *ScoringService) compute(ctx context.Context, span trace.Span, subject domain.Subject, features *domain.TripFeatures, now time.Time) (*domain.RiskScore, error) {
	out, err := s.models.ModelOutput(ctx, subject, features, now)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Score(engine.ScoreRequest{
		Subject:  subject,
		Features: features,
		Model:    *out,
		Now:      now,
	})
	if err != nil {
		log.Warn().Err(err).Str("subject", subject.String()).Msg("score rejected")
		return nil, err
	}
	score := result.Score

	if err := s.repo.SaveRiskScore(ctx, score); err != nil {
		return nil, fmt.Errorf("failed to save risk score for %s: %w", subject, err)
	}

	span.SetAttributes(
		attribute.Float64("score.value", score.ScoreValue),
		attribute.String("score.band", string(score.Band)),
		attribute.String("model.version", score.ModelVersion),
	)

	s.cacheScore(ctx, score)

	publish(ctx, s.bus, domain.TopicScoreComputed, bus.ScoreComputed{
		ScoreID:    score.ID,
		UserID:     score.UserID,
		TripID:     score.TripID,
		ScoreType:  score.ScoreType,
		ScoreValue: score.ScoreValue,
		Band:       score.Band,
		ComputedAt: score.ComputedAt,
	})

	if len(result.Skipped) > 0 {
		log.Warn().
			Str("subject", subject.String()).
			Interface("features", result.Skipped).
			Msg("explanation skipped unknown features")
		publish(ctx, s.bus, domain.TopicExplanationSkipped, bus.ExplanationSkipped{
			Subject:  subject.String(),
			Features: result.Skipped,
		})
	}

	log.Info().
		Str("subject", subject.String()).
		Str("score_id", score.ID).
		Float64("score", score.ScoreValue).
		Str("band", string(score.Band)).
		Float64("expected_loss", score.ExpectedLoss).
		Msg("risk score computed")

	return score, nil
}

func (s *ScoringService) cacheScore(ctx context.Context, score *domain.RiskScore) {
	if s.cache == nil || s.scoreTTL <= 0 {
		return
	}
	key := cache.LatestScoreKey(score.UserID)
	if score.ScoreType == domain.ScoreTypeTrip {
		key = cache.TripScoreKey(score.TripID)
	}
	if err := cache.SetValue(ctx, s.cache, key, score, s.scoreTTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("score cache write failed")
	}
}

// LatestUserScore returns the newest daily score for a user.
func (s *ScoringService) LatestUserScore(ctx context.Context, userID string) (*domain.RiskScore, error) {
	if cached := s.cachedScore(ctx, cache.LatestScoreKey(userID)); cached != nil {
		return cached, nil
	}
	score, err := s.repo.LatestUserScore(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheScore(ctx, score)
	return score, nil
}

// TripScore returns the newest stored score for a trip. It never computes;
// an unscored trip is ErrNotFound.
func (s *ScoringService) TripScore(ctx context.Context, tripID string) (*domain.RiskScore, error) {
	if cached := s.cachedScore(ctx, cache.TripScoreKey(tripID)); cached != nil {
		return cached, nil
	}
	score, err := s.repo.TripScore(ctx, tripID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: no risk score found for trip %s", domain.ErrNotFound, tripID)
	}
	if err != nil {
		return nil, err
	}
	s.cacheScore(ctx, score)
	return score, nil
}

// History returns a user's scores over the last days, newest first.
func (s *ScoringService) History(ctx context.Context, userID string, days int) ([]*domain.RiskScore, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", domain.ErrInvalidInput)
	}
	since := s.now().AddDate(0, 0, -days)
	return s.repo.UserScoreHistory(ctx, userID, since)
}

// TrendPoint is one daily score on a trend line.
type TrendPoint struct {
	Date  time.Time   `json:"date"`
	Score float64     `json:"score"`
	Band  domain.Band `json:"band"`
}

// ScoreTrend is a user's daily scores over a window, oldest first.
type ScoreTrend struct {
	UserID string       `json:"user_id"`
	Days   int          `json:"days"`
	Trend  []TrendPoint `json:"trend"`
	Mean   float64      `json:"mean"`
	Min    float64      `json:"min"`
	Max    float64      `json:"max"`
	Change float64      `json:"change"`
	// SlopePerDay is the least squares score change per day; zero with fewer than two distinct days.
	SlopePerDay float64 `json:"slope_per_day"`
}

// Trend returns the daily score trend for a user over the last days.
func (s *ScoringService) Trend(ctx context.Context, userID string, days int) (*ScoreTrend, error) {
	history, err := s.History(ctx, userID, days)
	if err != nil {
		return nil, err
	}

	out := &ScoreTrend{UserID: userID, Days: days, Trend: make([]TrendPoint, 0, len(history))}
	if len(history) == 0 {
		return out, nil
	}

	xs := make([]float64, 0, len(history))
	ys := make([]float64, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		out.Trend = append(out.Trend, TrendPoint{Date: h.ComputedAt, Score: h.ScoreValue, Band: h.Band})
		xs = append(xs, h.ComputedAt.Sub(history[len(history)-1].ComputedAt).Hours()/24)
		ys = append(ys, h.ScoreValue)
	}

	out.Mean = round2(stat.Mean(ys, nil))
	out.Min = floats.Min(ys)
	out.Max = floats.Max(ys)
	out.Change = round2(ys[len(ys)-1] - ys[0])
	if xs[len(xs)-1] > xs[0] {
		_, beta := stat.LinearRegression(xs, ys, nil, false)
		out.SlopePerDay = decimal.NewFromFloat(beta).Round(4).InexactFloat64()
	}
	return out, nil
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func (s *ScoringService) cachedScore(ctx context.Context, key string) *domain.RiskScore {
	if s.cache == nil || s.scoreTTL <= 0 {
		return nil
	}
	score, err := cache.GetValue[domain.RiskScore](ctx, s.cache, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("score cache read failed")
		return nil
	}
	return score
}
