package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "dev", cfg.Env)
	require.Equal(t, "redis", cfg.QueueBackend)
	require.Equal(t, "rollcall:queue:attendance", cfg.QueueKey)
	require.Equal(t, 1000, cfg.QueueAlarmThreshold)
	require.Equal(t, 100, cfg.DrainBatchSize)
	require.Equal(t, time.Minute, cfg.DrainInterval)
	require.Equal(t, 60*time.Second, cfg.TokenValidity)
	require.Equal(t, time.Duration(0), cfg.LateGrace)
	require.True(t, cfg.RequireUniqueConstraint)
	require.Equal(t, 1.0, cfg.TraceSampleRatio)
	require.True(t, cfg.OTLPInsecure)
	require.Empty(t, cfg.OTELServiceName)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DRAIN_BATCH_SIZE", "250")
	t.Setenv("LATE_GRACE", "15m")
	t.Setenv("DRAIN_ON_CHECKIN", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 250, cfg.DrainBatchSize)
	require.Equal(t, 15*time.Minute, cfg.LateGrace)
	require.True(t, cfg.DrainOnCheckIn)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadTracingSettings(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OTEL_SERVICE_NAME", "attendance-eu")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.1")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "attendance-eu", cfg.OTELServiceName)
	require.Equal(t, 0.1, cfg.TraceSampleRatio)
	require.False(t, cfg.OTLPInsecure)
	require.NoError(t, cfg.Validate())

	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "often")
	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, 1.0, cfg.TraceSampleRatio)

	cfg.TraceSampleRatio = 1.5
	require.ErrorContains(t, cfg.Validate(), "OTEL_TRACES_SAMPLER_ARG")
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DRAIN_BATCH_SIZE", "many")
	t.Setenv("TOKEN_VALIDITY", "soon")
	t.Setenv("DRAIN_ON_CHECKIN", "perhaps")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 100, cfg.DrainBatchSize)
	require.Equal(t, 60*time.Second, cfg.TokenValidity)
	require.False(t, cfg.DrainOnCheckIn)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollcall.yaml")
	content := []byte(`
http_port: 9000
queue_alarm_threshold: 50
drain_interval: 10s
cors_origins:
  - https://dash.example
cron_secret: from-file
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CRON_SECRET", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.HTTPPort)
	require.Equal(t, 50, cfg.QueueAlarmThreshold)
	require.Equal(t, 10*time.Second, cfg.DrainInterval)
	require.Equal(t, []string{"https://dash.example"}, cfg.CORSOrigins)
	require.Equal(t, "from-env", cfg.CronSecret, "environment wins over file")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.Error(t, err)
}

func TestValidateProduction(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("APP_ENV", "production")
	t.Setenv("QUEUE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "CRON_SECRET")
	require.Contains(t, err.Error(), "JWT_SIGNING_KEY")
	require.Contains(t, err.Error(), "memory queue backend")
}
