package domain

import (
	"context"
	"time"
)

// FeatureProvider returns finished behavioral aggregates.
type FeatureProvider interface {
	UserFeatures(ctx context.Context, userID string, window Window) (*TripFeatures, error)
	TripFeatures(ctx context.Context, tripID string) (*Trip, error)
}

// ModelOutputProvider returns the model estimate for a subject.
// Implementations return ErrModelNotAvailable when the output is missing or stale.
type ModelOutputProvider interface {
	ModelOutput(ctx context.Context, subject Subject, features *TripFeatures, asOf time.Time) (*ModelOutput, error)
}

// HistoryAccessor returns the most recent adjustment for a policy, or nil when none exists.
type HistoryAccessor interface {
	LatestAdjustment(ctx context.Context, policyID string) (*PremiumAdjustment, error)
}

// RuleTableProvider returns the active, already validated band rule table.
type RuleTableProvider interface {
	ActiveTable() *BandRuleTable
}
