// Package config provides configuration loading and validation for depotfetch.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/depotfetch/pkg/workerpool"
)

// Sentinel validation errors.
var (
	ErrInvalidWorkers     = errors.New("pool workers must not be negative")
	ErrInvalidShutdown    = errors.New("invalid pool shutdown policy")
	ErrInvalidTimeout     = errors.New("pool shutdown timeout must be positive")
	ErrInvalidBatchSize   = errors.New("fetch batch size must be positive")
	ErrInvalidLookahead   = errors.New("fetch lookahead must not be negative")
	ErrInvalidDepotPath   = errors.New("fetch depot path must start with //")
	ErrInvalidLogLevel    = errors.New("invalid logging level")
	ErrInvalidLogFormat   = errors.New("invalid logging format")
	ErrInvalidSampleRatio = errors.New("sample ratio must be within [0, 1]")
)

const envPrefix = "DEPOTFETCH"

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Config holds all configuration for depotfetch.
type Config struct {
	Pool          PoolConfig          `mapstructure:"pool"`
	Fetch         FetchConfig         `mapstructure:"fetch"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Shutdown        string        `mapstructure:"shutdown"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Workers         int           `mapstructure:"workers"`
}

// FetchConfig holds changelist retrieval configuration.
type FetchConfig struct {
	DepotPath       string `mapstructure:"depot_path"`
	BatchSize       int    `mapstructure:"batch_size"`
	Lookahead       int    `mapstructure:"lookahead"`
	IncludeBinaries bool   `mapstructure:"include_binaries"`
}

// StorageConfig holds content store configuration.
type StorageConfig struct {
	Dir      string `mapstructure:"dir"`
	Compress bool   `mapstructure:"compress"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ObservabilityConfig holds tracing and metrics export configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	MetricsAddr  string  `mapstructure:"metrics_addr"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
}

// WorkerCount returns the pool size, resolving zero to the number of CPUs.
func (c PoolConfig) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}

	return runtime.NumCPU()
}

// Policy returns the parsed shutdown policy.
func (c PoolConfig) Policy() workerpool.ShutdownPolicy {
	policy, err := workerpool.ParseShutdownPolicy(c.Shutdown)
	if err != nil {
		return workerpool.ShutdownDrain
	}

	return policy
}

// LoadConfig loads configuration from file and environment variables.
// An empty configPath searches the working directory, the user config
// directory, and /etc/depotfetch for .depotfetch.yaml.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(".depotfetch")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("$HOME/.config/depotfetch")
		viperCfg.AddConfigPath("/etc/depotfetch")
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := config.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	viperCfg := viper.New()
	setDefaults(viperCfg)

	var config Config

	// Defaults always decode.
	_ = viperCfg.Unmarshal(&config)

	return &config
}

func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("pool.workers", DefaultPoolWorkers)
	viperCfg.SetDefault("pool.shutdown", DefaultPoolShutdown)
	viperCfg.SetDefault("pool.shutdown_timeout", DefaultPoolShutdownTimeout)

	viperCfg.SetDefault("fetch.batch_size", DefaultFetchBatchSize)
	viperCfg.SetDefault("fetch.depot_path", DefaultFetchDepotPath)
	viperCfg.SetDefault("fetch.include_binaries", DefaultFetchIncludeBinaries)
	viperCfg.SetDefault("fetch.lookahead", DefaultFetchLookahead)

	viperCfg.SetDefault("storage.dir", DefaultStorageDir)
	viperCfg.SetDefault("storage.compress", DefaultStorageCompress)

	viperCfg.SetDefault("logging.level", DefaultLoggingLevel)
	viperCfg.SetDefault("logging.format", DefaultLoggingFormat)

	viperCfg.SetDefault("observability.otlp_endpoint", DefaultObservabilityOTLPEndpoint)
	viperCfg.SetDefault("observability.otlp_insecure", DefaultObservabilityOTLPInsecure)
	viperCfg.SetDefault("observability.metrics_addr", DefaultObservabilityMetricsAddr)
	viperCfg.SetDefault("observability.sample_ratio", DefaultObservabilitySampleRatio)
}

// Validate checks every field and returns the first violation.
func (c *Config) Validate() error {
	switch {
	case c.Pool.Workers < 0:
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Pool.Workers)
	case c.Pool.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, c.Pool.ShutdownTimeout)
	case c.Fetch.BatchSize <= 0:
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, c.Fetch.BatchSize)
	case c.Fetch.Lookahead < 0:
		return fmt.Errorf("%w: %d", ErrInvalidLookahead, c.Fetch.Lookahead)
	case !strings.HasPrefix(c.Fetch.DepotPath, "//"):
		return fmt.Errorf("%w: %q", ErrInvalidDepotPath, c.Fetch.DepotPath)
	case !oneOf(c.Logging.Level, logLevels):
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	case !oneOf(c.Logging.Format, logFormats):
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	case c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1:
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, c.Observability.SampleRatio)
	}

	if _, err := workerpool.ParseShutdownPolicy(c.Pool.Shutdown); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidShutdown, err)
	}

	return nil
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return true
		}
	}

	return false
}
