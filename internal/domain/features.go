package domain

import (
	"math"
	"time"
)

// FeatureName identifies one field of the closed feature set.
type FeatureName string

// Raw trip aggregates.
const (
	FeatureDistanceKm           FeatureName = "distance_km"
	FeatureDurationMin          FeatureName = "duration_min"
	FeatureMeanSpeedKph         FeatureName = "mean_speed_kph"
	FeatureMaxSpeedKph          FeatureName = "max_speed_kph"
	FeatureNightFraction        FeatureName = "night_fraction"
	FeatureWeekendFraction      FeatureName = "weekend_fraction"
	FeatureUrbanFraction        FeatureName = "urban_fraction"
	FeatureHarshBrakeCount      FeatureName = "harsh_brake_count"
	FeatureHarshAccelCount      FeatureName = "harsh_accel_count"
	FeatureSpeedingCount        FeatureName = "speeding_count"
	FeaturePhoneDistractionProb FeatureName = "phone_distraction_prob"
	FeatureWeatherExposure      FeatureName = "weather_exposure"
)

// Rates derived from the raw aggregates.
const (
	FeatureHarshBrakeRate FeatureName = "harsh_brake_rate"
	FeatureHarshAccelRate FeatureName = "harsh_accel_rate"
	FeatureSpeedingRatio  FeatureName = "speeding_ratio"
)

var featureNames = []FeatureName{
	FeatureDistanceKm,
	FeatureDurationMin,
	FeatureMeanSpeedKph,
	FeatureMaxSpeedKph,
	FeatureNightFraction,
	FeatureWeekendFraction,
	FeatureUrbanFraction,
	FeatureHarshBrakeCount,
	FeatureHarshAccelCount,
	FeatureSpeedingCount,
	FeaturePhoneDistractionProb,
	FeatureWeatherExposure,
	FeatureHarshBrakeRate,
	FeatureHarshAccelRate,
	FeatureSpeedingRatio,
}

// FeatureNames returns every known feature, raw aggregates first.
func FeatureNames() []FeatureName {
	out := make([]FeatureName, len(featureNames))
	copy(out, featureNames)
	return out
}

// Known reports whether n is part of the closed feature set.
func (n FeatureName) Known() bool {
	for _, f := range featureNames {
		if f == n {
			return true
		}
	}
	return false
}

// TripFeatures holds the behavioral aggregates for a trip or a user window.
// Values are computed upstream and treated as immutable.
type TripFeatures struct {
	DistanceKm           float64 `json:"distance_km" msgpack:"distance_km"`
	DurationMin          float64 `json:"duration_min" msgpack:"duration_min"`
	MeanSpeedKph         float64 `json:"mean_speed_kph" msgpack:"mean_speed_kph"`
	MaxSpeedKph          float64 `json:"max_speed_kph" msgpack:"max_speed_kph"`
	NightFraction        float64 `json:"night_fraction" msgpack:"night_fraction"`
	WeekendFraction      float64 `json:"weekend_fraction" msgpack:"weekend_fraction"`
	UrbanFraction        float64 `json:"urban_fraction" msgpack:"urban_fraction"`
	HarshBrakeCount      int     `json:"harsh_brake_count" msgpack:"harsh_brake_count"`
	HarshAccelCount      int     `json:"harsh_accel_count" msgpack:"harsh_accel_count"`
	SpeedingCount        int     `json:"speeding_count" msgpack:"speeding_count"`
	PhoneDistractionProb float64 `json:"phone_distraction_prob" msgpack:"phone_distraction_prob"`
	WeatherExposure      float64 `json:"weather_exposure" msgpack:"weather_exposure"`
}

// HarshBrakeRate is harsh brakes per kilometre, with distance floored at 1 km.
func (f TripFeatures) HarshBrakeRate() float64 {
	return float64(f.HarshBrakeCount) / math.Max(f.DistanceKm, 1)
}

// HarshAccelRate is harsh accelerations per kilometre, with distance floored at 1 km.
func (f TripFeatures) HarshAccelRate() float64 {
	return float64(f.HarshAccelCount) / math.Max(f.DistanceKm, 1)
}

// SpeedingRatio is speeding events per minute, with duration floored at 1 minute.
func (f TripFeatures) SpeedingRatio() float64 {
	return float64(f.SpeedingCount) / math.Max(f.DurationMin, 1)
}

// Value returns the named feature, including derived rates.
func (f TripFeatures) Value(name FeatureName) (float64, bool) {
	switch name {
	case FeatureDistanceKm:
		return f.DistanceKm, true
	case FeatureDurationMin:
		return f.DurationMin, true
	case FeatureMeanSpeedKph:
		return f.MeanSpeedKph, true
	case FeatureMaxSpeedKph:
		return f.MaxSpeedKph, true
	case FeatureNightFraction:
		return f.NightFraction, true
	case FeatureWeekendFraction:
		return f.WeekendFraction, true
	case FeatureUrbanFraction:
		return f.UrbanFraction, true
	case FeatureHarshBrakeCount:
		return float64(f.HarshBrakeCount), true
	case FeatureHarshAccelCount:
		return float64(f.HarshAccelCount), true
	case FeatureSpeedingCount:
		return float64(f.SpeedingCount), true
	case FeaturePhoneDistractionProb:
		return f.PhoneDistractionProb, true
	case FeatureWeatherExposure:
		return f.WeatherExposure, true
	case FeatureHarshBrakeRate:
		return f.HarshBrakeRate(), true
	case FeatureHarshAccelRate:
		return f.HarshAccelRate(), true
	case FeatureSpeedingRatio:
		return f.SpeedingRatio(), true
	default:
		return 0, false
	}
}

// Snapshot returns every feature value keyed by name, for audit persistence.
func (f TripFeatures) Snapshot() map[FeatureName]float64 {
	out := make(map[FeatureName]float64, len(featureNames))
	for _, name := range featureNames {
		v, _ := f.Value(name)
		out[name] = v
	}
	return out
}

// Trip is a stored trip with its finished aggregates.
type Trip struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Features  TripFeatures `json:"features"`
	CreatedAt time.Time    `json:"created_at"`
}
