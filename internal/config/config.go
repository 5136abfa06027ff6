package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Reddit    RedditConfig    `yaml:"reddit" mapstructure:"reddit"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Cost      CostConfig      `yaml:"cost" mapstructure:"cost"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedditConfig holds collection API settings.
type RedditConfig struct {
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent         string `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	TimeoutSecs       int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	HaikuModel string `yaml:"haiku_model" mapstructure:"haiku_model"`
	MaxTokens  int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PipelineConfig configures stage behavior.
type PipelineConfig struct {
	Strategy                string  `yaml:"strategy" mapstructure:"strategy"` // "direct" or "queued"
	ClassificationBatchSize int     `yaml:"classification_batch_size" mapstructure:"classification_batch_size"`
	SentimentBatchSize      int     `yaml:"sentiment_batch_size" mapstructure:"sentiment_batch_size"`
	EngagementThreshold     float64 `yaml:"engagement_threshold" mapstructure:"engagement_threshold"`
	CommentSampleSize       int     `yaml:"comment_sample_size" mapstructure:"comment_sample_size"`
	DefaultMaxCost          float64 `yaml:"default_max_cost" mapstructure:"default_max_cost"`
}

// QueueConfig configures the durable job queue and its workers.
type QueueConfig struct {
	PollIntervalMS     int            `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	JobTTLSecs         int            `yaml:"job_ttl_secs" mapstructure:"job_ttl_secs"`
	StalledAfterSecs   int            `yaml:"stalled_after_secs" mapstructure:"stalled_after_secs"`
	MaxAttempts        int            `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffSecs int            `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	Concurrency        map[string]int `yaml:"concurrency" mapstructure:"concurrency"`
}

// CostConfig configures cost metering.
type CostConfig struct {
	RatesFile string `yaml:"rates_file" mapstructure:"rates_file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPPINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Env-only keys need a default for Unmarshal to see them.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("reddit.base_url", "https://oauth.reddit.com")
	v.SetDefault("reddit.user_agent", "opportunity-intel/1.0")
	v.SetDefault("reddit.requests_per_minute", 60)
	v.SetDefault("reddit.timeout_secs", 30)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("pipeline.strategy", "direct")
	v.SetDefault("pipeline.classification_batch_size", 10)
	v.SetDefault("pipeline.sentiment_batch_size", 5)
	v.SetDefault("pipeline.engagement_threshold", 75)
	v.SetDefault("pipeline.comment_sample_size", 20)
	v.SetDefault("pipeline.default_max_cost", 10.0)
	v.SetDefault("queue.poll_interval_ms", 500)
	v.SetDefault("queue.job_ttl_secs", 1800)
	v.SetDefault("queue.stalled_after_secs", 300)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.initial_backoff_secs", 2)
	v.SetDefault("cost.rates_file", "")
	v.SetDefault("queue.concurrency", map[string]int{
		"collection":     2,
		"classification": 1,
		"report":         1,
	})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
