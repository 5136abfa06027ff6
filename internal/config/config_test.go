package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, "https://oauth.reddit.com", cfg.Reddit.BaseURL)
	assert.Equal(t, 60, cfg.Reddit.RequestsPerMinute)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.HaikuModel)
	assert.Equal(t, int64(1024), cfg.Anthropic.MaxTokens)

	assert.Equal(t, "direct", cfg.Pipeline.Strategy)
	assert.Equal(t, 10, cfg.Pipeline.ClassificationBatchSize)
	assert.Equal(t, 5, cfg.Pipeline.SentimentBatchSize)
	assert.InDelta(t, 75, cfg.Pipeline.EngagementThreshold, 1e-9)
	assert.Equal(t, 20, cfg.Pipeline.CommentSampleSize)
	assert.InDelta(t, 10.0, cfg.Pipeline.DefaultMaxCost, 1e-9)

	assert.Equal(t, 500, cfg.Queue.PollIntervalMS)
	assert.Equal(t, 300, cfg.Queue.StalledAfterSecs)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2, cfg.Queue.Concurrency["collection"])
	assert.Equal(t, 1, cfg.Queue.Concurrency["classification"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPPINTEL_STORE_DRIVER", "sqlite")
	t.Setenv("OPPINTEL_PIPELINE_STRATEGY", "queued")
	t.Setenv("OPPINTEL_SERVER_PORT", "9090")
	t.Setenv("OPPINTEL_ANTHROPIC_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "queued", cfg.Pipeline.Strategy)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Anthropic.Key)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "verbose", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
