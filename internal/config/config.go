package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage    StorageConfig     `yaml:"storage" json:"storage"`
	Janitor    JanitorConfig     `yaml:"janitor" json:"janitor"`
	Logging    LoggingConfig     `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig     `yaml:"tracing" json:"tracing"`
	Properties map[string]string `yaml:"properties" json:"properties"` // engine-specific options, see Settings
}

type StorageConfig struct {
	Backend  string      `yaml:"backend" json:"backend"` // default backend for stores without an override
	DataPath string      `yaml:"data_path" json:"data_path"`
	Cache    CacheConfig `yaml:"cache" json:"cache"`
}

// CacheConfig configures the write-behind cache placed in front of persistent engines.
type CacheConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Size           int           `yaml:"size" json:"size"`                         // read cache capacity (items)
	TTL            time.Duration `yaml:"ttl" json:"ttl"`                           // read cache item TTL
	SoftLimit      int           `yaml:"soft_limit" json:"soft_limit"`             // dirty items before an incremental flush writes
	HardLimit      int           `yaml:"hard_limit" json:"hard_limit"`             // dirty items that force a flush on write
	FlushBatchSize int           `yaml:"flush_batch_size" json:"flush_batch_size"` // items per engine batch
}

type JanitorConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

type LoggingConfig struct {
	Level                 string `yaml:"level" json:"level"`
	Format                string `yaml:"format" json:"format"`
	Output                string `yaml:"output" json:"output"`
	EnableDatabaseLogging bool   `yaml:"enable_database_logging" json:"enable_database_logging"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Address   string `yaml:"address" json:"address"`
	Path      string `yaml:"path" json:"path"`
}

type TracingConfig struct {
	Enabled        bool              `yaml:"enabled" json:"enabled"`
	ServiceName    string            `yaml:"service_name" json:"service_name"`
	ServiceVersion string            `yaml:"service_version" json:"service_version"`
	Environment    string            `yaml:"environment" json:"environment"`
	ExporterType   string            `yaml:"exporter_type" json:"exporter_type"`
	OTLPEndpoint   string            `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPHeaders    map[string]string `yaml:"otlp_headers" json:"otlp_headers"`
	SamplingRatio  float64           `yaml:"sampling_ratio" json:"sampling_ratio"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:  "memory",
			DataPath: "./data/kv",
			Cache: CacheConfig{
				Enabled:        false,
				Size:           10000,
				TTL:            30 * time.Minute,
				SoftLimit:      1 << 12,
				HardLimit:      1 << 14,
				FlushBatchSize: 64,
			},
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:                 "info",
			Format:                "json",
			Output:                "stdout",
			EnableDatabaseLogging: false,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "kvstore",
			Address:   "localhost:2112",
			Path:      "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "kvstore",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			ExporterType:   "console",
			OTLPEndpoint:   "localhost:4318",
			OTLPHeaders:    make(map[string]string),
			SamplingRatio:  1.0,
		},
		Properties: make(map[string]string),
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnvironment(config *Config) {
	if backend := os.Getenv("KV_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}
	if dataPath := os.Getenv("KV_STORAGE_DATA_PATH"); dataPath != "" {
		config.Storage.DataPath = dataPath
	}
	if enabled := os.Getenv("KV_STORAGE_CACHE_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Storage.Cache.Enabled = b
		}
	}

	if enabled := os.Getenv("KV_JANITOR_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Janitor.Enabled = b
		}
	}
	if interval := os.Getenv("KV_JANITOR_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Janitor.Interval = d
		}
	}

	if level := os.Getenv("KV_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("KV_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if enabled := os.Getenv("KV_METRICS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Metrics.Enabled = b
		}
	}
	if addr := os.Getenv("KV_METRICS_ADDRESS"); addr != "" {
		config.Metrics.Address = addr
	}

	if enabled := os.Getenv("KV_TRACING_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Tracing.Enabled = b
		}
	}
}

func (c *Config) Validate() error {
	if c.Storage.Backend == "" {
		return fmt.Errorf("storage backend cannot be empty")
	}
	if c.Storage.Backend != "memory" && c.Storage.DataPath == "" {
		return fmt.Errorf("data path cannot be empty for backend %s", c.Storage.Backend)
	}

	cache := c.Storage.Cache
	if cache.Enabled {
		if cache.Size <= 0 {
			return fmt.Errorf("cache size must be positive")
		}
		if cache.SoftLimit <= 0 {
			return fmt.Errorf("cache soft limit must be positive")
		}
		if cache.HardLimit < cache.SoftLimit {
			return fmt.Errorf("invalid cache limits: soft=%d hard=%d", cache.SoftLimit, cache.HardLimit)
		}
		if cache.FlushBatchSize <= 0 {
			return fmt.Errorf("flush batch size must be positive")
		}
	}

	if c.Janitor.Enabled && c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor interval must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path cannot be empty when metrics are enabled")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.ExporterType {
		case "console", "otlp":
		default:
			return fmt.Errorf("unsupported tracing exporter: %s", c.Tracing.ExporterType)
		}
	}

	return nil
}

// Settings returns the typed view over Properties used by backend factories.
func (c *Config) Settings() *Settings {
	return NewSettings(c.Properties)
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
