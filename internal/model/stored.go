// Package model provides model-output providers for the scoring engine.
package model

import (
	"context"
	"errors"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// OutputStore is the slice of the repository the stored provider reads.
type OutputStore interface {
	LatestModelOutput(ctx context.Context, subject domain.Subject) (*domain.ModelOutput, error)
}

// StoredProvider serves outputs persisted by the external model pipeline.
type StoredProvider struct {
	store  OutputStore
	maxAge time.Duration
}

// NewStoredProvider creates a provider. A zero maxAge never marks outputs stale.
func NewStoredProvider(store OutputStore, maxAge time.Duration) *StoredProvider {
	return &StoredProvider{store: store, maxAge: maxAge}
}

// ModelOutput returns the latest output for subject.
// Missing, unreadable and stale outputs all fail with ModelNotAvailable.
func (p *StoredProvider) ModelOutput(ctx context.Context, subject domain.Subject, _ *domain.TripFeatures, asOf time.Time) (*domain.ModelOutput, error) {
	out, err := p.store.LatestModelOutput(ctx, subject)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, unavailable(subject, "no model output stored").Wrap(err)
	}
	if err != nil {
		return nil, unavailable(subject, "model output store unreachable").Wrap(err)
	}

	if p.maxAge > 0 && !asOf.IsZero() && asOf.Sub(out.GeneratedAt) > p.maxAge {
		e := unavailable(subject, "model output is stale")
		e.Field = "generated_at"
		e.Value = out.GeneratedAt.UTC().Format(time.RFC3339)
		return nil, e
	}
	return out, nil
}

func unavailable(subject domain.Subject, msg string) *domain.Error {
	return domain.NewError(domain.KindModelNotAvailable, "", nil, "%s", msg).WithSubject(subject.String())
}
