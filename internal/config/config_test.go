package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9090
engine:
  cooldown: 168h
  top_n: 2
  thresholds:
    night_fraction:
      high: 0.5
model:
  provider: stored
  max_age: 24h
rule_table:
  version: regional-v2
  rules:
    - {band: A, delta_min: -0.15, delta_max: -0.08}
    - {band: B, delta_min: -0.04, delta_max: -0.04}
    - {band: C, delta_min: 0, delta_max: 0}
    - {band: D, delta_min: 0.08, delta_max: 0.08}
    - {band: E, delta_min: 0.2, delta_max: 0.2}
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("KESTREL_TIER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, 30*24*time.Hour, cfg.Engine.Cooldown)
	assert.Nil(t, cfg.RuleTable)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(FileEnv, writeFile(t, sampleYAML))
	t.Setenv("KESTREL_TIER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "keys absent from the file keep defaults")
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.Cooldown)
	assert.Equal(t, 2, cfg.Engine.TopN)
	assert.Equal(t, int32(2), cfg.Engine.MinorUnits)
	require.NotNil(t, cfg.Engine.Thresholds["night_fraction"].High)
	assert.Equal(t, 0.5, *cfg.Engine.Thresholds["night_fraction"].High)
	assert.Equal(t, 24*time.Hour, cfg.Model.MaxAge)

	require.NotNil(t, cfg.RuleTable)
	assert.Equal(t, "regional-v2", cfg.RuleTable.Version)
	rule, ok := cfg.RuleTable.Rule(domain.BandA)
	require.True(t, ok)
	assert.Equal(t, -0.15, rule.DeltaMin)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv(FileEnv, writeFile(t, sampleYAML))
	t.Setenv("KESTREL_TIER", "")
	t.Setenv("KESTREL_PORT", "7070")
	t.Setenv("KESTREL_COOLDOWN", "48h")
	t.Setenv("KESTREL_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("KESTREL_SCHEDULER_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 48*time.Hour, cfg.Engine.Cooldown)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoadProTier(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "pgx", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "nats", cfg.EventBus.Type)
}

func TestLoadRejectsBadFile(t *testing.T) {
	t.Setenv("KESTREL_TIER", "")

	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)

	t.Setenv(FileEnv, writeFile(t, "engine: [not, a, map]"))
	_, err = Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
	}{
		{"BadPort", func(c *domain.Config) { c.Server.Port = 0 }},
		{"UnknownDriver", func(c *domain.Config) { c.Repository.Driver = "oracle" }},
		{"MissingSQLitePath", func(c *domain.Config) { c.Repository.SQLitePath = "" }},
		{"PostgresWithoutHost", func(c *domain.Config) { c.Repository.Driver = "pgx"; c.Repository.PostgresHost = "" }},
		{"UnknownCache", func(c *domain.Config) { c.Cache.Type = "memcached" }},
		{"UnknownBus", func(c *domain.Config) { c.EventBus.Type = "kafka" }},
		{"NegativeCooldown", func(c *domain.Config) { c.Engine.Cooldown = -time.Hour }},
		{"MinorUnits", func(c *domain.Config) { c.Engine.MinorUnits = 9 }},
		{"DeltaPrecision", func(c *domain.Config) { c.Engine.DeltaPrecision = 1 }},
		{"TopN", func(c *domain.Config) { c.Engine.TopN = 0 }},
		{"OnnxWithoutBundle", func(c *domain.Config) { c.Model.Provider = "onnx" }},
		{"UnknownProvider", func(c *domain.Config) { c.Model.Provider = "remote" }},
		{"SchedulerWithoutSchedule", func(c *domain.Config) { c.Scheduler.Enabled = true; c.Scheduler.DailySchedule = "" }},
		{"NonMonotonicTable", func(c *domain.Config) {
			t := domain.DefaultBandRuleTable()
			t.Rules[0].DeltaMax = 0.3
			c.RuleTable = t
		}},
	}

	require.NoError(t, Validate(domain.DefaultConfig()))
	require.NoError(t, Validate(domain.ProConfig()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Server.Port = -1
	cfg.Cache.Type = "memcached"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "memcached")
}
