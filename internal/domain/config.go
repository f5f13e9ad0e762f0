package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines which infrastructure backs the engine
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`

	// Scoring and pricing
	Engine    EngineConfig    `yaml:"engine"`
	Model     ModelConfig     `yaml:"model"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Initial band rule table, used when storage holds none
	RuleTable *BandRuleTable `yaml:"rule_table"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	ReadTimeout    int      `yaml:"read_timeout"`  // seconds
	WriteTimeout   int      `yaml:"write_timeout"` // seconds
	AdminToken     string   `yaml:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// EngineConfig holds the scoring and pricing parameters.
type EngineConfig struct {
	// Cooldown is the minimum time between adjustments for one policy.
	Cooldown time.Duration `yaml:"cooldown"`

	// MinorUnits is the currency precision for money rounding.
	MinorUnits int32 `yaml:"minor_units"`

	// DeltaPrecision is the number of decimals kept on delta_pct.
	DeltaPrecision int32 `yaml:"delta_precision"`

	// ScoreFormula is a CEL expression producing the 0-100 score.
	ScoreFormula        string `yaml:"score_formula"`
	ScoreFormulaVersion string `yaml:"score_formula_version"`

	// Explanations
	TopN       int                         `yaml:"top_n"`
	Thresholds map[string]ThresholdsConfig `yaml:"thresholds"`

	// Runtime fairness assertion
	FairnessProximity float64 `yaml:"fairness_proximity"`
	FairnessWindow    int     `yaml:"fairness_window"`

	// FeatureWindow is the look-back used by the daily user score.
	FeatureWindow time.Duration `yaml:"feature_window"`

	// BatchConcurrency bounds per-user fan-out in the daily batch.
	BatchConcurrency int `yaml:"batch_concurrency"`

	// LockTTL bounds the per-policy advisory lock.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// ThresholdsConfig overrides the fallback explanation thresholds for one feature.
type ThresholdsConfig struct {
	High *float64 `yaml:"high"`
	Low  *float64 `yaml:"low"`
}

// ModelConfig selects the model-output provider.
type ModelConfig struct {
	// Provider is "stored" or "onnx"
	Provider string `yaml:"provider"`

	// MaxAge marks stored outputs older than this as stale.
	MaxAge time.Duration `yaml:"max_age"`

	// CacheTTL caches provider results; zero disables the cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// ONNX bundle
	BundleDir          string `yaml:"bundle_dir"`
	FrequencyModelFile string `yaml:"frequency_model_file"`
	SeverityModelFile  string `yaml:"severity_model_file"`
	Version            string `yaml:"version"`
}

// SchedulerConfig controls the daily batch trigger.
type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DailySchedule string `yaml:"daily_schedule"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Pretty bool   `yaml:"pretty"` // console output instead of JSON
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	ExporterType string `yaml:"exporter_type"` // stdout, otlp, jaeger
	Endpoint     string `yaml:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process LRU and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Cooldown:            30 * 24 * time.Hour,
		MinorUnits:          2,
		DeltaPrecision:      4,
		ScoreFormula:        "100.0 - expected_loss / 100.0",
		ScoreFormulaVersion: "el-inverse-v1",
		TopN:                3,
		FairnessProximity:   5.0,
		FairnessWindow:      1000,
		FeatureWindow:       30 * 24 * time.Hour,
		BatchConcurrency:    8,
		LockTTL:             10 * time.Second,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ScoreTTL:     10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: DefaultEngineConfig(),
		Model: ModelConfig{
			Provider: "stored",
			MaxAge:   48 * time.Hour,
			CacheTTL: time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:       false,
			DailySchedule: "0 0 2 * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "pgx",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ScoreTTL:       10 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Scheduler.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
