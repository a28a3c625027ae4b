package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9180, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "noisegate.db", cfg.Store.Path)
	assert.Equal(t, 1*time.Hour, cfg.Discovery.Interval)
	assert.EqualValues(t, 5, cfg.Lifecycle.MinShadowMatches)
	assert.Equal(t, 3, cfg.Lifecycle.MinMatchDays)
	assert.Equal(t, 30*24*time.Hour, cfg.Lifecycle.StaleAfter)
	assert.Equal(t, 0.8, cfg.Backtest.OverMatchRate)
	assert.Equal(t, 5*time.Minute, cfg.Classifier.MemoTTL)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.OracleEnabled())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("NOISEGATE_SERVER_HTTP_PORT", "8080")
	t.Setenv("NOISEGATE_ORACLE_BASE_URL", "http://oracle.internal:8000/v1")
	t.Setenv("NOISEGATE_LIFECYCLE_MIN_SHADOW_MATCHES", "10")
	t.Setenv("NOISEGATE_BACKTEST_OVER_MATCH_RATE", "0.5")
	t.Setenv("NOISEGATE_LOGGING_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.OracleEnabled())
	assert.Equal(t, "http://oracle.internal:8000/v1", cfg.Oracle.BaseURL)
	assert.EqualValues(t, 10, cfg.Lifecycle.MinShadowMatches)
	assert.Equal(t, 0.5, cfg.Backtest.OverMatchRate)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("NOISEGATE_SERVER_HTTP_PORT", "99999")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_port")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	t.Run("defaults pass", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("over-match rate out of range", func(t *testing.T) {
		cfg := base()
		cfg.Backtest.OverMatchRate = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad logging format", func(t *testing.T) {
		cfg := base()
		cfg.Logging.Format = "xml"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero match days", func(t *testing.T) {
		cfg := base()
		cfg.Lifecycle.MinMatchDays = 0
		assert.Error(t, cfg.Validate())
	})
}
