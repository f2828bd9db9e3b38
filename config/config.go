package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Feed      FeedConfig      `yaml:"feed"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Orderbook OrderbookConfig `yaml:"orderbook"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	Symbols              []string `yaml:"symbols"`
	Streams              []string `yaml:"streams"`
	KlineIntervals       []string `yaml:"kline_intervals"`
	WSBaseURL            string   `yaml:"ws_base_url"`
	ReconnectDelayMs     int      `yaml:"reconnect_delay_ms"`
	MaxReconnectDelayMs  int      `yaml:"max_reconnect_delay_ms"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	HeartbeatIntervalMs  int      `yaml:"heartbeat_interval_ms"`
	DedupeCacheSize      int      `yaml:"dedupe_cache_size"`
	BusBuffer            int      `yaml:"bus_buffer"`
	RulesMaxAgeMs        int      `yaml:"rules_max_age_ms"`
}

type RateLimitConfig struct {
	RESTBaseURL           string  `yaml:"rest_base_url"`
	RequestWeightMax      int64   `yaml:"request_weight_max"`
	RequestWeightWindowMs int     `yaml:"request_weight_window_ms"`
	OrderCountMax         int64   `yaml:"order_count_max"`
	OrderCountWindowMs    int     `yaml:"order_count_window_ms"`
	RawRequestMax         int64   `yaml:"raw_request_max"`
	RawRequestWindowMs    int     `yaml:"raw_request_window_ms"`
	RequestsPerSecond     float64 `yaml:"requests_per_second"`
	BurstSize             int     `yaml:"burst_size"`
	MinBackoffMs          int     `yaml:"min_backoff_ms"`
	MaxBackoffMs          int     `yaml:"max_backoff_ms"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier"`
	RequestTimeoutMs      int     `yaml:"request_timeout_ms"`
}

type OrderbookConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Depth               int    `yaml:"depth"`
	UpdateSpeed         string `yaml:"update_speed"`
	MaxSequenceGap      int64  `yaml:"max_sequence_gap"`
	ResyncThresholdMs   int    `yaml:"resync_threshold_ms"`
	ChecksumIntervalMs  int    `yaml:"checksum_interval_ms"`
	ChecksumLevels      int    `yaml:"checksum_levels"`
	ChecksumMismatchMax int    `yaml:"checksum_mismatch_max"`
	BufferSize          int    `yaml:"buffer_size"`
	SnapshotTimeoutMs   int    `yaml:"snapshot_timeout_ms"`
}

type StorageConfig struct {
	Root            string   `yaml:"root"`
	Compress        bool     `yaml:"compress"`
	Partition       string   `yaml:"partition"`
	FlushIntervalMs int      `yaml:"flush_interval_ms"`
	MaxBufferSize   int      `yaml:"max_buffer_size"`
	FeatureHistory  int      `yaml:"feature_history"`
	S3              S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
	UsedWeight bool   `yaml:"used_weight"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	applyDefaults(&config)

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	cfg.Feed.WSBaseURL = "wss://stream.binance.com:9443/ws"
	cfg.Feed.Streams = []string{"kline", "trade", "ticker"}
	cfg.Feed.KlineIntervals = []string{"1m"}
	cfg.Feed.ReconnectDelayMs = 1000
	cfg.Feed.MaxReconnectDelayMs = 60000
	cfg.Feed.MaxReconnectAttempts = 10
	cfg.Feed.HeartbeatIntervalMs = 30000
	cfg.Feed.DedupeCacheSize = 8192
	cfg.Feed.BusBuffer = 1024
	cfg.Feed.RulesMaxAgeMs = 24 * 60 * 60 * 1000

	cfg.RateLimit.RESTBaseURL = "https://api.binance.com"
	cfg.RateLimit.RequestWeightMax = 6000
	cfg.RateLimit.RequestWeightWindowMs = 60000
	cfg.RateLimit.OrderCountMax = 100
	cfg.RateLimit.OrderCountWindowMs = 10000
	cfg.RateLimit.RawRequestMax = 61000
	cfg.RateLimit.RawRequestWindowMs = 5 * 60 * 1000
	cfg.RateLimit.RequestsPerSecond = 20
	cfg.RateLimit.BurstSize = 40
	cfg.RateLimit.MinBackoffMs = 1000
	cfg.RateLimit.MaxBackoffMs = 120000
	cfg.RateLimit.BackoffMultiplier = 2
	cfg.RateLimit.RequestTimeoutMs = 10000

	cfg.Orderbook.Depth = 1000
	cfg.Orderbook.UpdateSpeed = "100ms"
	cfg.Orderbook.MaxSequenceGap = 10
	cfg.Orderbook.ResyncThresholdMs = 5000
	cfg.Orderbook.ChecksumIntervalMs = 60000
	cfg.Orderbook.ChecksumLevels = 10
	cfg.Orderbook.ChecksumMismatchMax = 3
	cfg.Orderbook.BufferSize = 1024
	cfg.Orderbook.SnapshotTimeoutMs = 15000

	cfg.Storage.Partition = "hourly"
	cfg.Storage.FlushIntervalMs = 30000
	cfg.Storage.MaxBufferSize = 1000
	cfg.Storage.FeatureHistory = 500
	cfg.Storage.Compress = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}
	if len(cfg.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols must not be empty")
	}
	for _, s := range cfg.Feed.Streams {
		switch s {
		case "kline", "trade", "ticker":
		default:
			return fmt.Errorf("feed.streams contains unknown stream '%s'", s)
		}
	}
	if cfg.Feed.ReconnectDelayMs <= 0 {
		return fmt.Errorf("feed.reconnect_delay_ms must be greater than 0")
	}
	if cfg.Feed.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("feed.max_reconnect_attempts must be greater than 0")
	}
	if cfg.Feed.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("feed.heartbeat_interval_ms must be greater than 0")
	}
	if cfg.RateLimit.RequestWeightMax <= 0 {
		return fmt.Errorf("rate_limit.request_weight_max must be greater than 0")
	}
	if cfg.RateLimit.RequestWeightWindowMs <= 0 {
		return fmt.Errorf("rate_limit.request_weight_window_ms must be greater than 0")
	}
	if cfg.RateLimit.OrderCountWindowMs <= 0 {
		return fmt.Errorf("rate_limit.order_count_window_ms must be greater than 0")
	}
	if cfg.RateLimit.RawRequestWindowMs <= 0 {
		return fmt.Errorf("rate_limit.raw_request_window_ms must be greater than 0")
	}
	if cfg.Orderbook.Enabled && cfg.Orderbook.Depth <= 0 {
		return fmt.Errorf("orderbook.depth must be greater than 0")
	}
	if cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	switch cfg.Storage.Partition {
	case "hourly", "daily":
	default:
		return fmt.Errorf("storage.partition must be 'hourly' or 'daily'")
	}
	if cfg.Storage.FlushIntervalMs <= 0 {
		return fmt.Errorf("storage.flush_interval_ms must be greater than 0")
	}
	if cfg.Storage.MaxBufferSize <= 0 {
		return fmt.Errorf("storage.max_buffer_size must be greater than 0")
	}
	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
	}
	return nil
}
