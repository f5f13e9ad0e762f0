package explain

import "github.com/opensource-finance/kestrel/internal/domain"

// Sign is the direction of a feature contribution.
type Sign int

const (
	// Increases marks a positive contribution to risk.
	Increases Sign = iota
	// Decreases marks a negative contribution to risk.
	Decreases
)

func (s Sign) String() string {
	if s == Decreases {
		return "decreases"
	}
	return "increases"
}

// SignOf returns the sign of an importance value.
func SignOf(v float64) Sign {
	if v < 0 {
		return Decreases
	}
	return Increases
}

// Variant groups templates by what the feature describes.
type Variant string

const (
	VariantBehavior Variant = "behavior"
	VariantContext  Variant = "context"
	VariantExposure Variant = "exposure"
)

// Template is a fixed sentence for one feature and contribution sign.
type Template struct {
	Feature domain.FeatureName
	Sign    Sign
	Variant Variant
	Text    string
}

type templateKey struct {
	feature domain.FeatureName
	sign    Sign
}

var templates = map[templateKey]Template{}

func register(f domain.FeatureName, v Variant, up, down string) {
	templates[templateKey{f, Increases}] = Template{Feature: f, Sign: Increases, Variant: v, Text: up}
	templates[templateKey{f, Decreases}] = Template{Feature: f, Sign: Decreases, Variant: v, Text: down}
}

func init() {
	register(domain.FeatureHarshBrakeRate, VariantBehavior,
		"Frequent harsh braking increases risk",
		"Smooth braking lowers risk")
	register(domain.FeatureHarshBrakeCount, VariantBehavior,
		"Harsh braking events increase risk",
		"Few harsh braking events lower risk")
	register(domain.FeatureHarshAccelRate, VariantBehavior,
		"Frequent harsh acceleration increases risk",
		"Smooth acceleration lowers risk")
	register(domain.FeatureHarshAccelCount, VariantBehavior,
		"Harsh acceleration events increase risk",
		"Few harsh acceleration events lower risk")
	register(domain.FeatureSpeedingRatio, VariantBehavior,
		"Time spent speeding increases risk",
		"Good speed compliance lowers risk")
	register(domain.FeatureSpeedingCount, VariantBehavior,
		"Speeding events increase risk",
		"Few speeding events lower risk")
	register(domain.FeaturePhoneDistractionProb, VariantBehavior,
		"Likely phone use while driving increases risk",
		"Little sign of phone distraction lowers risk")

	register(domain.FeatureNightFraction, VariantContext,
		"Night driving increases risk",
		"Mostly daytime driving lowers risk")
	register(domain.FeatureWeekendFraction, VariantContext,
		"Weekend driving increases risk",
		"Mostly weekday driving lowers risk")
	register(domain.FeatureUrbanFraction, VariantContext,
		"Dense urban driving increases risk",
		"Less urban traffic lowers risk")
	register(domain.FeatureWeatherExposure, VariantContext,
		"Driving in adverse weather increases risk",
		"Little adverse weather exposure lowers risk")

	register(domain.FeatureDistanceKm, VariantExposure,
		"High mileage increases exposure",
		"Low mileage reduces exposure")
	register(domain.FeatureDurationMin, VariantExposure,
		"Long time behind the wheel increases exposure",
		"Short time behind the wheel reduces exposure")
	register(domain.FeatureMeanSpeedKph, VariantExposure,
		"Higher average speed increases risk",
		"Moderate average speed lowers risk")
	register(domain.FeatureMaxSpeedKph, VariantExposure,
		"High peak speeds increase risk",
		"Moderate peak speeds lower risk")
}

// Lookup returns the template for a feature and sign.
func Lookup(f domain.FeatureName, s Sign) (Template, bool) {
	t, ok := templates[templateKey{f, s}]
	return t, ok
}

// Threshold is the fallback rule for one feature when the model supplies no importances.
// A nil bound disables that side.
type Threshold struct {
	High     *float64
	Low      *float64
	HighText string
	LowText  string
}

func bound(v float64) *float64 { return &v }

// thresholdOrder fixes the output order of fallback lines.
var thresholdOrder = []domain.FeatureName{
	domain.FeatureHarshBrakeRate,
	domain.FeatureHarshAccelRate,
	domain.FeatureSpeedingRatio,
	domain.FeatureNightFraction,
	domain.FeaturePhoneDistractionProb,
	domain.FeatureWeatherExposure,
}

// DefaultThresholds returns the built-in fallback thresholds.
func DefaultThresholds() map[domain.FeatureName]Threshold {
	return map[domain.FeatureName]Threshold{
		domain.FeatureHarshBrakeRate: {
			High: bound(0.1), Low: bound(0.05),
			HighText: "High harsh braking rate detected",
			LowText:  "Low harsh braking rate - good driving behavior",
		},
		domain.FeatureHarshAccelRate: {
			High: bound(0.1), Low: bound(0.05),
			HighText: "High harsh acceleration rate detected",
			LowText:  "Low harsh acceleration rate - smooth driving",
		},
		domain.FeatureSpeedingRatio: {
			High: bound(0.05), Low: bound(0.02),
			HighText: "Frequent speeding detected",
			LowText:  "Good speed compliance",
		},
		domain.FeatureNightFraction: {
			High: bound(0.3), Low: bound(0.1),
			HighText: "High night driving percentage",
			LowText:  "Low night driving - safer driving pattern",
		},
		domain.FeaturePhoneDistractionProb: {
			High:     bound(0.05),
			HighText: "Potential phone distraction detected",
		},
		domain.FeatureWeatherExposure: {
			High:     bound(0.1),
			HighText: "Driving in adverse weather conditions",
		},
	}
}

// assessment returns the overall line appended to threshold explanations.
func assessment(score float64) string {
	switch {
	case score >= 80:
		return "Excellent driving behavior - low risk profile"
	case score >= 60:
		return "Good driving behavior with room for improvement"
	case score >= 40:
		return "Moderate risk profile - consider safer driving practices"
	default:
		return "High risk profile - immediate attention to driving behavior recommended"
	}
}
