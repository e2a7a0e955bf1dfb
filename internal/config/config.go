package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
)

// Config represents the complete proxy server configuration
// Aggregates all component configurations for centralized management
// Supports environment variable and file-based configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Admission AdmissionConfig `yaml:"admission" json:"admission"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	IO        IOConfig        `yaml:"io" json:"io"`
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// ServerConfig defines listener configuration for the acceptor
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port" default:"8080"`
	StatsInterval   time.Duration `yaml:"statsInterval" json:"statsInterval" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout" default:"30s"`
}

// CacheConfig controls the shared LRU response cache.
type CacheConfig struct {
	MaxTotalBytes int64 `yaml:"maxTotalBytes" json:"maxTotalBytes" default:"209715200"`
	MaxEntryBytes int64 `yaml:"maxEntryBytes" json:"maxEntryBytes" default:"10485760"`
}

// PoolConfig controls the upstream connection pool.
type PoolConfig struct {
	Capacity   int           `yaml:"capacity" json:"capacity" default:"100"`
	IdleMaxAge time.Duration `yaml:"idleMaxAge" json:"idleMaxAge" default:"60s"`
}

// QueueConfig controls the bounded work queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity" json:"capacity" default:"2000"`
}

// AdmissionConfig controls the fleet-wide concurrency cap.
type AdmissionConfig struct {
	MaxClients int `yaml:"maxClients" json:"maxClients" default:"1200"`
	Workers    int `yaml:"workers" json:"workers" default:"50"`
}

// UpstreamConfig controls outbound connection behaviour.
type UpstreamConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout" json:"connectTimeout" default:"30s"`
	UserAgent      string        `yaml:"userAgent" json:"userAgent" default:"cacheproxy/1.0"`
}

// IOConfig controls read/write chunking.
type IOConfig struct {
	BufferBytes int `yaml:"bufferBytes" json:"bufferBytes" default:"8192"`
}

// RateLimitConfig controls the supplemental per-client-IP admission pre-filter
type RateLimitConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled" default:"false"`
	Capacity   int  `yaml:"capacity" json:"capacity" default:"100"`
	RefillRate int  `yaml:"refillRate" json:"refillRate" default:"10"`
}

// TracingConfig defines OpenTelemetry tracing configuration
// Controls distributed tracing and observability
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled" default:"false"`
	ServiceName    string  `yaml:"serviceName" json:"serviceName" default:"cacheproxy"`
	ServiceVersion string  `yaml:"serviceVersion" json:"serviceVersion" default:"1.0.0"`
	Environment    string  `yaml:"environment" json:"environment" default:"development"`
	JaegerEndpoint string  `yaml:"jaegerEndpoint" json:"jaegerEndpoint"`
	OTLPEndpoint   string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRatio  float64 `yaml:"samplingRatio" json:"samplingRatio" default:"0.1"`
}

// MetricsConfig controls the optional Prometheus admin listener
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" default:"false"`
	Addr    string `yaml:"addr" json:"addr" default:":9090"`
}

// DefaultConfig returns configuration with sensible defaults for every
// tunable option
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			StatsInterval:   60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			MaxTotalBytes: 200 * 1024 * 1024,
			MaxEntryBytes: 10 * 1024 * 1024,
		},
		Pool: PoolConfig{
			Capacity:   100,
			IdleMaxAge: 60 * time.Second,
		},
		Queue: QueueConfig{
			Capacity: 2000,
		},
		Admission: AdmissionConfig{
			MaxClients: 1200,
			Workers:    50,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: 30 * time.Second,
			UserAgent:      "cacheproxy/1.0",
		},
		IO: IOConfig{
			BufferBytes: 8192,
		},
		RateLimit: RateLimitConfig{
			Enabled:    false,
			Capacity:   100,
			RefillRate: 10,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "cacheproxy",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			SamplingRatio:  0.1,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// GetInstance returns the singleton config instance
// Uses sync.Once to ensure thread-safe lazy initialisation
func GetInstance() *Config {
	once.Do(func() {
		instance = DefaultConfig()
	})
	return instance
}

// LoadConfig loads configuration from file and environment and installs it
// as the singleton, unless GetInstance or an earlier LoadConfig already
// initialised it, in which case the loaded values are discarded. Missing
// config files are not an error: the defaults produce a usable Config.
func LoadConfig(path string) error {
	cfg, err := loadFromFile(path)
	if err != nil {
		return err
	}

	once.Do(func() {
		instance = cfg
	})
	return nil
}

// loadFromFile reads configuration from a YAML file via Viper, overlaying
// PROXY_*-prefixed environment variables (and, if present, a local .env
// file loaded before Viper binds the environment). Only keys that the
// file itself sets are overridden from the environment; keys absent from
// the file keep their defaults.
func loadFromFile(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFoundErr := err.(viper.ConfigFileNotFoundError)
		if !notFoundErr && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		// No config file: the defaults apply below, with no environment
		// overlay, since Viper then knows no keys to look up. SetConfigFile bypasses viper's own search, so a missing file surfaces
		// as a raw *fs.PathError rather than ConfigFileNotFoundError.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config %q: %w", path, err)
	}

	return cfg, nil
}
