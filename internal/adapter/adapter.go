// Package adapter normalizes trip aggregates and model outputs into the engine's input contract.
package adapter

import (
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Input is the validated, normalized engine input for one subject.
type Input struct {
	Subject      domain.Subject
	Features     *domain.TripFeatures
	Model        domain.ModelOutput
	FeatureValue map[domain.FeatureName]float64
}

// HasFeatures reports whether behavioral aggregates were supplied.
func (in *Input) HasFeatures() bool {
	return in.Features != nil
}

// Normalize validates features and model output and builds the engine input.
// Features may be nil when only a model output is available.
func Normalize(subject domain.Subject, features *domain.TripFeatures, out domain.ModelOutput) (*Input, error) {
	id := subject.String()

	if features != nil {
		if err := ValidateFeatures(*features); err != nil {
			return nil, attach(err, id)
		}
	}
	if err := ValidateModelOutput(out); err != nil {
		return nil, attach(err, id)
	}

	in := &Input{
		Subject: subject,
		Model:   normalizeModelOutput(out),
	}
	if features != nil {
		f := *features
		in.Features = &f
		in.FeatureValue = f.Snapshot()
	}
	return in, nil
}

// ValidateFeatures checks the declared bounds of every aggregate.
func ValidateFeatures(f domain.TripFeatures) error {
	nonNegative := []struct {
		name  domain.FeatureName
		value float64
	}{
		{domain.FeatureDistanceKm, f.DistanceKm},
		{domain.FeatureDurationMin, f.DurationMin},
		{domain.FeatureMeanSpeedKph, f.MeanSpeedKph},
		{domain.FeatureMaxSpeedKph, f.MaxSpeedKph},
		{domain.FeatureHarshBrakeCount, float64(f.HarshBrakeCount)},
		{domain.FeatureHarshAccelCount, float64(f.HarshAccelCount)},
		{domain.FeatureSpeedingCount, float64(f.SpeedingCount)},
	}
	for _, v := range nonNegative {
		if !finite(v.value) {
			return domain.NewError(domain.KindInvalidFeatures, string(v.name), v.value, "feature is not finite")
		}
		if v.value < 0 {
			return domain.NewError(domain.KindInvalidFeatures, string(v.name), v.value, "feature must be non-negative")
		}
	}

	fractions := []struct {
		name  domain.FeatureName
		value float64
	}{
		{domain.FeatureNightFraction, f.NightFraction},
		{domain.FeatureWeekendFraction, f.WeekendFraction},
		{domain.FeatureUrbanFraction, f.UrbanFraction},
		{domain.FeaturePhoneDistractionProb, f.PhoneDistractionProb},
		{domain.FeatureWeatherExposure, f.WeatherExposure},
	}
	for _, v := range fractions {
		if !finite(v.value) || v.value < 0 || v.value > 1 {
			return domain.NewError(domain.KindInvalidFeatures, string(v.name), v.value, "feature outside [0,1]")
		}
	}
	return nil
}

// ValidateModelOutput checks probability, severity and version.
func ValidateModelOutput(out domain.ModelOutput) error {
	if !finite(out.ClaimProbability) || out.ClaimProbability < 0 || out.ClaimProbability > 1 {
		return domain.NewError(domain.KindInvalidModelOutput, "claim_probability", out.ClaimProbability, "claim probability outside [0,1]")
	}
	if !finite(out.ClaimSeverity) || out.ClaimSeverity < 0 {
		return domain.NewError(domain.KindInvalidModelOutput, "claim_severity", out.ClaimSeverity, "claim severity must be finite and non-negative")
	}
	if strings.TrimSpace(out.ModelVersion) == "" {
		return domain.NewError(domain.KindInvalidModelOutput, "model_version", out.ModelVersion, "model version is required")
	}
	for _, imp := range out.Importances {
		if !finite(imp.Value) {
			return domain.NewError(domain.KindInvalidModelOutput, "importance."+string(imp.Feature), imp.Value, "importance is not finite")
		}
	}
	return nil
}

func normalizeModelOutput(out domain.ModelOutput) domain.ModelOutput {
	n := out
	n.ModelVersion = strings.TrimSpace(out.ModelVersion)
	if len(out.Importances) > 0 {
		n.Importances = make([]domain.FeatureImportance, len(out.Importances))
		copy(n.Importances, out.Importances)
	}
	return n
}

func attach(err error, subject string) error {
	if typed, ok := domain.AsError(err); ok {
		return typed.WithSubject(subject)
	}
	return err
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
