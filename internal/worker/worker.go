// Package worker runs the daily batch scoring path off the event bus.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Scorer computes a user's daily score.
type Scorer interface {
	ComputeUser(ctx context.Context, userID string, window *domain.Window) (*domain.RiskScore, error)
}

// UserLister lists the users the batch should score.
type UserLister interface {
	ListActiveUsers(ctx context.Context) ([]string, error)
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds the per-user fan-out
	Concurrency int

	// FeatureWindow is the look-back ending at the close of the batch day
	FeatureWindow time.Duration

	// ClaimTTL is how long a scored user stays claimed for its batch day
	ClaimTTL time.Duration
}

// Worker consumes batch triggers and scores every active user.
type Worker struct {
	bus    domain.EventBus
	users  UserLister
	scorer Scorer
	cache  domain.Cache
	cfg    Config

	mu            sync.Mutex
	subscriptions []domain.Subscription
	runs          int
	last          *bus.BatchDailyCompleted

	// running serializes batch runs in this process
	running sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewWorker creates a batch worker. The cache, when set, deduplicates users
// across overlapping runs for the same day.
func NewWorker(b domain.EventBus, users UserLister, scorer Scorer, c domain.Cache, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.FeatureWindow <= 0 {
		cfg.FeatureWindow = 30 * 24 * time.Hour
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 36 * time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    b,
		users:  users,
		scorer: scorer,
		cache:  c,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the daily batch trigger.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBatchDaily, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicBatchDaily, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	log.Info().
		Str("topic", domain.TopicBatchDaily).
		Int("concurrency", w.cfg.Concurrency).
		Msg("batch worker started")
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var trigger bus.BatchDaily
	if err := bus.DecodeJSON(msg, &trigger); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to parse batch trigger")
		return err
	}
	_, err := w.RunDaily(ctx, trigger.Day)
	return err
}

// RunDaily scores every active user for day. A zero day means today (UTC).
// Per-user failures are logged and counted; they never abort the run.
func (w *Worker) RunDaily(ctx context.Context, day time.Time) (*bus.BatchDailyCompleted, error) {
	w.running.Lock()
	defer w.running.Unlock()

	start := time.Now()
	if day.IsZero() {
		day = start
	}
	day = day.UTC().Truncate(24 * time.Hour)
	end := day.Add(24 * time.Hour)
	window := &domain.Window{Start: end.Add(-w.cfg.FeatureWindow), End: end}

	users, err := w.users.ListActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}

	result := &bus.BatchDailyCompleted{Day: day, Users: len(users), StartedAt: start.UTC()}
	if w.cache != nil {
		attempt, err := w.cache.IncrementCounter(ctx, cache.BatchRunKey(day), w.cfg.ClaimTTL)
		if err != nil {
			log.Warn().Err(err).Time("day", day).Msg("failed to count batch attempt")
		}
		result.Attempt = attempt
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for _, userID := range users {
		g.Go(func() error {
			outcome := w.scoreUser(gctx, userID, day, window)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeScored:
				result.Scored++
			case outcomeSkipped:
				result.Skipped++
			default:
				result.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	result.Duration = time.Since(start).String()

	w.mu.Lock()
	w.runs++
	w.last = result
	w.mu.Unlock()

	if err := bus.PublishJSON(ctx, w.bus, domain.TopicBatchDailyCompleted, result); err != nil {
		log.Error().Err(err).Msg("failed to publish batch completion")
	}

	log.Info().
		Time("day", day).
		Int64("attempt", result.Attempt).
		Int("users", result.Users).
		Int("scored", result.Scored).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Str("duration", result.Duration).
		Msg("daily batch completed")
	return result, nil
}

type outcome int

const (
	outcomeScored outcome = iota
	outcomeSkipped
	outcomeFailed
)

// scoreUser claims the user for the day, then computes. A failed compute
// releases the claim so a rerun can retry it.
func (w *Worker) scoreUser(ctx context.Context, userID string, day time.Time, window *domain.Window) outcome {
	var key, token string
	if w.cache != nil {
		key = cache.BatchKey(userID, day)
		t, ok, err := w.cache.AcquireLock(ctx, key, w.cfg.ClaimTTL)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("batch claim failed, scoring anyway")
		} else if !ok {
			return outcomeSkipped
		}
		token = t
	}

	if _, err := w.scorer.ComputeUser(ctx, userID, window); err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID).
			Bool("retryable", domain.IsRetryable(err)).
			Msg("batch score failed")
		if token != "" {
			_ = w.cache.ReleaseLock(context.WithoutCancel(ctx), key, token)
		}
		return outcomeFailed
	}
	return outcomeScored
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Str("topic", sub.Topic()).Msg("failed to unsubscribe")
		}
	}

	log.Info().Msg("batch worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int                      `json:"subscription_count"`
	Topics            []string                 `json:"topics"`
	Runs              int                      `json:"runs"`
	LastRun           *bus.BatchDailyCompleted `json:"last_run,omitempty"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Runs:              w.runs,
		LastRun:           w.last,
	}
}
