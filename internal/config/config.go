// Package config loads Kestrel configuration from a .env file, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fairness"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at the YAML configuration file.
const FileEnv = "KESTREL_CONFIG_FILE"

// Load builds the configuration. Tier defaults come first, then the YAML
// file, then environment variables.
func Load() (*domain.Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv(FileEnv); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML file onto cfg. Keys absent from the file keep their values.
func LoadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_TIER"); v != "" {
		cfg.Tier = domain.Tier(strings.ToLower(v))
	}

	// Server
	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsInt("KESTREL_PORT", cfg.Server.Port)
	cfg.Server.AdminToken = getEnv("KESTREL_ADMIN_TOKEN", cfg.Server.AdminToken)
	cfg.Server.AllowedOrigins = getEnvAsList("KESTREL_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)

	// Repository
	cfg.Repository.Driver = getEnv("KESTREL_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("KESTREL_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvAsInt("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("KESTREL_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("KESTREL_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("KESTREL_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("KESTREL_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	// Cache
	cfg.Cache.Type = getEnv("KESTREL_CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.ScoreTTL = getEnvAsDuration("KESTREL_SCORE_TTL", cfg.Cache.ScoreTTL)

	// Event bus
	cfg.EventBus.Type = getEnv("KESTREL_BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)

	// Engine
	cfg.Engine.Cooldown = getEnvAsDuration("KESTREL_COOLDOWN", cfg.Engine.Cooldown)
	cfg.Engine.FeatureWindow = getEnvAsDuration("KESTREL_FEATURE_WINDOW", cfg.Engine.FeatureWindow)
	cfg.Engine.BatchConcurrency = getEnvAsInt("KESTREL_BATCH_CONCURRENCY", cfg.Engine.BatchConcurrency)

	// Model
	cfg.Model.Provider = getEnv("KESTREL_MODEL_PROVIDER", cfg.Model.Provider)
	cfg.Model.BundleDir = getEnv("KESTREL_MODEL_BUNDLE_DIR", cfg.Model.BundleDir)
	cfg.Model.Version = getEnv("KESTREL_MODEL_VERSION", cfg.Model.Version)
	cfg.Model.MaxAge = getEnvAsDuration("KESTREL_MODEL_MAX_AGE", cfg.Model.MaxAge)

	// Scheduler
	cfg.Scheduler.Enabled = getEnvAsBool("KESTREL_SCHEDULER_ENABLED", cfg.Scheduler.Enabled)
	cfg.Scheduler.DailySchedule = getEnv("KESTREL_DAILY_SCHEDULE", cfg.Scheduler.DailySchedule)

	// Observability
	cfg.Logging.Level = getEnv("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Pretty = getEnvAsBool("KESTREL_LOG_PRETTY", cfg.Logging.Pretty)
	cfg.Tracing.Enabled = getEnvAsBool("KESTREL_TRACING_ENABLED", cfg.Tracing.Enabled)
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d is out of range", cfg.Server.Port))
	}

	switch cfg.Repository.Driver {
	case "sqlite":
		if cfg.Repository.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path is required"))
		}
	case "postgres", "pgx":
		if cfg.Repository.PostgresHost == "" || cfg.Repository.PostgresDB == "" {
			errs = append(errs, errors.New("postgres host and database are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver))
	}

	if cfg.Cache.Type != "memory" && cfg.Cache.Type != "redis" {
		errs = append(errs, fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type))
	}
	if cfg.EventBus.Type != "channel" && cfg.EventBus.Type != "nats" {
		errs = append(errs, fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type))
	}

	e := cfg.Engine
	if e.Cooldown < 0 {
		errs = append(errs, errors.New("engine cooldown must not be negative"))
	}
	if e.MinorUnits < 0 || e.MinorUnits > 4 {
		errs = append(errs, fmt.Errorf("engine minor units %d is out of range [0,4]", e.MinorUnits))
	}
	if e.DeltaPrecision < 2 || e.DeltaPrecision > 8 {
		errs = append(errs, fmt.Errorf("engine delta precision %d is out of range [2,8]", e.DeltaPrecision))
	}
	if e.TopN <= 0 {
		errs = append(errs, errors.New("engine top_n must be positive"))
	}
	if e.FairnessProximity < 0 {
		errs = append(errs, errors.New("engine fairness proximity must not be negative"))
	}
	if e.FeatureWindow <= 0 {
		errs = append(errs, errors.New("engine feature window must be positive"))
	}

	switch cfg.Model.Provider {
	case "stored":
	case "onnx":
		if cfg.Model.BundleDir == "" {
			errs = append(errs, errors.New("onnx provider requires a model bundle directory"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported model provider: %s", cfg.Model.Provider))
	}

	if cfg.Scheduler.Enabled && cfg.Scheduler.DailySchedule == "" {
		errs = append(errs, errors.New("scheduler is enabled without a daily schedule"))
	}

	if cfg.RuleTable != nil {
		if err := fairness.ValidateTable(cfg.RuleTable); err != nil {
			errs = append(errs, fmt.Errorf("initial rule table: %w", err))
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
