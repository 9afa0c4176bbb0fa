package config

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full engine configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Classify  ClassifyConfig  `yaml:"classify" mapstructure:"classify"`
	Vision    VisionConfig    `yaml:"vision" mapstructure:"vision"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Dedup     DedupConfig     `yaml:"dedup" mapstructure:"dedup"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	DebounceMs  int    `yaml:"debounce_ms" mapstructure:"debounce_ms"`
}

// EngineConfig configures aggregation behavior.
type EngineConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	StaleAfterSecs      int     `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	ThumbnailCacheSize  int     `yaml:"thumbnail_cache_size" mapstructure:"thumbnail_cache_size"`
	TaxonomyPath        string  `yaml:"taxonomy_path" mapstructure:"taxonomy_path"`
}

// ClassifyConfig holds classification service settings.
type ClassifyConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Mode        string `yaml:"mode" mapstructure:"mode"`
	MaxInFlight int    `yaml:"max_in_flight" mapstructure:"max_in_flight"`
}

// VisionConfig holds vision service settings.
type VisionConfig struct {
	Key                 string `yaml:"key" mapstructure:"key"`
	BaseURL             string `yaml:"base_url" mapstructure:"base_url"`
	MaxInFlight         int    `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	FreshnessWindowSecs int    `yaml:"freshness_window_secs" mapstructure:"freshness_window_secs"`
}

// PricingConfig holds pricing service settings.
type PricingConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	MaxInFlight int    `yaml:"max_in_flight" mapstructure:"max_in_flight"`
}

// AnthropicConfig holds Anthropic API settings for listing generation.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// DedupConfig configures duplicate detection.
type DedupConfig struct {
	Threshold        float64 `yaml:"threshold" mapstructure:"threshold"`
	ScanIntervalSecs int     `yaml:"scan_interval_secs" mapstructure:"scan_interval_secs"`
}

// TelemetryConfig configures the periodic engine sampler.
type TelemetryConfig struct {
	SampleIntervalSecs int `yaml:"sample_interval_secs" mapstructure:"sample_interval_secs"`
}

// ServerConfig configures the HTTP API server.
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
	v.SetEnvPrefix("SCANIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "scan-engine.db")
	v.SetDefault("store.debounce_ms", 200)
	v.SetDefault("engine.similarity_threshold", 0.6)
	v.SetDefault("engine.stale_after_secs", 40)
	v.SetDefault("engine.thumbnail_cache_size", 256)
	v.SetDefault("classify.base_url", "https://classify.scanium.io/v1")
	v.SetDefault("classify.mode", "cloud")
	v.SetDefault("classify.max_in_flight", 4)
	v.SetDefault("vision.base_url", "https://vision.scanium.io/v1")
	v.SetDefault("vision.max_in_flight", 3)
	v.SetDefault("vision.freshness_window_secs", 300)
	v.SetDefault("pricing.base_url", "https://pricing.scanium.io/v1")
	v.SetDefault("pricing.max_in_flight", 3)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("dedup.threshold", 0.75)
	v.SetDefault("dedup.scan_interval_secs", 10)
	v.SetDefault("telemetry.sample_interval_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the configuration for the given command mode. All
// problems are reported at once rather than failing on the first.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "ingest", "items", "export":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	default:
		add("store.driver must be one of sqlite, postgres, memory")
	}

	if c.Engine.SimilarityThreshold < 0 || c.Engine.SimilarityThreshold > 1 {
		add("engine.similarity_threshold must be between 0 and 1")
	}
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold > 1 {
		add("dedup.threshold must be between 0 and 1")
	}
	for name, n := range map[string]int{
		"classify.max_in_flight": c.Classify.MaxInFlight,
		"vision.max_in_flight":   c.Vision.MaxInFlight,
		"pricing.max_in_flight":  c.Pricing.MaxInFlight,
	} {
		if n < 1 || n > 32 {
			add(name + " must be between 1 and 32")
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return eris.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
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
