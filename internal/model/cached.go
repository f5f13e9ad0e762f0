package model

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/rs/zerolog/log"
)

// CachedProvider caches another provider's successful results per subject.
// Wrap only providers whose output depends on the subject alone.
type CachedProvider struct {
	next  domain.ModelOutputProvider
	cache domain.Cache
	ttl   time.Duration
}

// NewCachedProvider wraps next with a cache.
func NewCachedProvider(next domain.ModelOutputProvider, c domain.Cache, ttl time.Duration) *CachedProvider {
	return &CachedProvider{next: next, cache: c, ttl: ttl}
}

// ModelOutput returns a cached output or delegates. Errors are never cached.
func (p *CachedProvider) ModelOutput(ctx context.Context, subject domain.Subject, features *domain.TripFeatures, asOf time.Time) (*domain.ModelOutput, error) {
	key := cache.ModelOutputKey(subject)

	cached, err := cache.GetValue[domain.ModelOutput](ctx, p.cache, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("model output cache read failed")
	} else if cached != nil {
		return cached, nil
	}

	out, err := p.next.ModelOutput(ctx, subject, features, asOf)
	if err != nil {
		return nil, err
	}

	if err := cache.SetValue(ctx, p.cache, key, out, p.ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("model output cache write failed")
	}
	return out, nil
}
