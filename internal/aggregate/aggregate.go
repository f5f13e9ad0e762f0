// Package aggregate rolls stored trip aggregates up into per-user features.
package aggregate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// TripStore is the slice of the repository the aggregator reads.
type TripStore interface {
	GetTrip(ctx context.Context, tripID string) (*domain.Trip, error)
	ListTrips(ctx context.Context, userID string, window domain.Window) ([]*domain.Trip, error)
}

// Service implements domain.FeatureProvider over stored trips.
type Service struct {
	trips TripStore
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a feature provider. A nil cache or zero ttl disables caching.
func NewService(trips TripStore, c domain.Cache, ttl time.Duration) *Service {
	return &Service{trips: trips, cache: c, ttl: ttl}
}

// UserFeatures aggregates a user's trips started within window.
// It returns nil, nil when the user has no trips in the window.
func (s *Service) UserFeatures(ctx context.Context, userID string, window domain.Window) (*domain.TripFeatures, error) {
	if userID == "" {
		return nil, domain.NewError(domain.KindInvalidFeatures, "user_id", userID, "user id is required")
	}
	if !window.End.After(window.Start) {
		return nil, domain.NewError(domain.KindInvalidFeatures, "window", window, "window end must be after start")
	}

	key := cache.FeaturesKey(userID, window)
	if s.cacheEnabled() {
		cached, err := cache.GetValue[domain.TripFeatures](ctx, s.cache, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("feature cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	trips, err := s.trips.ListTrips(ctx, userID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to list trips for %s: %w", userID, err)
	}
	if len(trips) == 0 {
		return nil, nil
	}

	features := Aggregate(trips)

	if s.cacheEnabled() {
		if err := cache.SetValue(ctx, s.cache, key, features, s.ttl); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("feature cache write failed")
		}
	}
	return features, nil
}

// TripFeatures returns one stored trip with its aggregates.
func (s *Service) TripFeatures(ctx context.Context, tripID string) (*domain.Trip, error) {
	if tripID == "" {
		return nil, domain.NewError(domain.KindInvalidFeatures, "trip_id", tripID, "trip id is required")
	}
	return s.trips.GetTrip(ctx, tripID)
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.ttl > 0
}

// Aggregate combines trips into one feature set.
// Distances, durations and event counts are summed. Fractions and
// probabilities are duration-weighted means, or plain means when no trip
// reports a duration. Mean speed is total distance over total time.
func Aggregate(trips []*domain.Trip) *domain.TripFeatures {
	out := &domain.TripFeatures{}
	if len(trips) == 0 {
		return out
	}

	n := len(trips)
	var (
		durations = make([]float64, n)
		speeds    = make([]float64, n)
		night     = make([]float64, n)
		weekend   = make([]float64, n)
		urban     = make([]float64, n)
		phone     = make([]float64, n)
		weather   = make([]float64, n)
		distances = make([]float64, n)
	)

	for i, t := range trips {
		f := t.Features
		durations[i] = f.DurationMin
		distances[i] = f.DistanceKm
		speeds[i] = f.MeanSpeedKph
		night[i] = f.NightFraction
		weekend[i] = f.WeekendFraction
		urban[i] = f.UrbanFraction
		phone[i] = f.PhoneDistractionProb
		weather[i] = f.WeatherExposure

		out.HarshBrakeCount += f.HarshBrakeCount
		out.HarshAccelCount += f.HarshAccelCount
		out.SpeedingCount += f.SpeedingCount
		out.MaxSpeedKph = math.Max(out.MaxSpeedKph, f.MaxSpeedKph)
	}

	out.DistanceKm = floats.Sum(distances)
	out.DurationMin = floats.Sum(durations)

	weights := durations
	if out.DurationMin <= 0 {
		weights = nil
	}

	if out.DurationMin > 0 && out.DistanceKm > 0 {
		out.MeanSpeedKph = out.DistanceKm / (out.DurationMin / 60)
	} else {
		out.MeanSpeedKph = stat.Mean(speeds, weights)
	}
	out.NightFraction = clampUnit(stat.Mean(night, weights))
	out.WeekendFraction = clampUnit(stat.Mean(weekend, weights))
	out.UrbanFraction = clampUnit(stat.Mean(urban, weights))
	out.PhoneDistractionProb = clampUnit(stat.Mean(phone, weights))
	out.WeatherExposure = clampUnit(stat.Mean(weather, weights))

	return out
}

// clampUnit guards weighted means against float drift past [0,1].
func clampUnit(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
