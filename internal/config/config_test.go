package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HTTP_PORT", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "", cfg.HTTPPort, "explicitly empty values are kept")
	assert.Equal(t, "postgres", cfg.ArtifactBackend)
	assert.Equal(t, 2, cfg.ExplainWorkers)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatPeriod)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("EXPLAIN_WORKERS", "4")
	t.Setenv("JOB_TTL", "10m")
	t.Setenv("ENABLE_METRICS", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LIME_RATE_LIMIT", "-3")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("DLQ_RETENTION", "48h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.ExplainWorkers)
	assert.Equal(t, 10*time.Minute, cfg.JobTTL)
	assert.False(t, cfg.EnableMetrics)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 5, cfg.LimeRateLimit, "non-positive values fall back to the default")
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
	assert.Equal(t, 48*time.Hour, cfg.DLQRetention)
}

func TestLoad_RatioOutOfRange(t *testing.T) {
	t.Setenv("TRACE_SAMPLE_RATIO", "1.5")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
