// Package domain defines the core types and collaborator interfaces for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Risk scores and premium adjustments are append-only: there are no update or delete methods for them.
type Repository interface {
	HistoryAccessor

	// Policies
	SavePolicy(ctx context.Context, policy *Policy) error
	GetPolicy(ctx context.Context, policyID string) (*Policy, error)
	ListActivePolicies(ctx context.Context) ([]*Policy, error)
	ListActiveUsers(ctx context.Context) ([]string, error)

	// Trips and model outputs produced upstream
	SaveTrip(ctx context.Context, trip *Trip) error
	GetTrip(ctx context.Context, tripID string) (*Trip, error)
	ListTrips(ctx context.Context, userID string, window Window) ([]*Trip, error)
	SaveModelOutput(ctx context.Context, subject Subject, out *ModelOutput) error
	LatestModelOutput(ctx context.Context, subject Subject) (*ModelOutput, error)

	// Risk scores
	SaveRiskScore(ctx context.Context, score *RiskScore) error
	GetRiskScore(ctx context.Context, scoreID string) (*RiskScore, error)
	LatestUserScore(ctx context.Context, userID string) (*RiskScore, error)
	TripScore(ctx context.Context, tripID string) (*RiskScore, error)
	UserScoreHistory(ctx context.Context, userID string, since time.Time) ([]*RiskScore, error)

	// Premium adjustments
	SaveAdjustment(ctx context.Context, adj *PremiumAdjustment) error
	ListAdjustments(ctx context.Context, policyID string) ([]*PremiumAdjustment, error)
	ListAdjustmentsSince(ctx context.Context, since time.Time) ([]*PremiumAdjustment, error)

	// Band rule tables
	SaveRuleTable(ctx context.Context, table *BandRuleTable) error
	ActivateRuleTable(ctx context.Context, version string) error
	GetActiveRuleTable(ctx context.Context) (*BandRuleTable, error)
	ListRuleTables(ctx context.Context) ([]*BandRuleTable, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "pgx"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific (lib/pq and pgx)
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
