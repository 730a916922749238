// Package config loads metricsdeck settings: struct defaults, then an
// optional YAML file, then METRICSDECK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore: METRICSDECK_EXPORT__BATCH_SIZE -> export.batch_size.
const EnvPrefix = "METRICSDECK_"

// PathEnvVar overrides the config file location.
const PathEnvVar = "METRICSDECK_CONFIG"

// DefaultPaths are tried in order when PathEnvVar is unset.
var DefaultPaths = []string{"config.yaml", "config.yml", "/etc/metricsdeck/config.yaml"}

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Prometheus PrometheusConfig `koanf:"prometheus"`
	Upstream   UpstreamConfig   `koanf:"upstream"`
	Governor   GovernorConfig   `koanf:"governor"`
	Export     ExportConfig     `koanf:"export"`
	Breaker    BreakerConfig    `koanf:"breaker"`
	Database   DatabaseConfig   `koanf:"database"`
	Catalog    CatalogConfig    `koanf:"catalog"`
	Log        LogConfig        `koanf:"log"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int `koanf:"rate_limit"`
}

// PrometheusConfig is the statically configured upstream behind /api/prom/*.
type PrometheusConfig struct {
	URL string `koanf:"url"`
}

type UpstreamConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type GovernorConfig struct {
	MaxConcurrent int `koanf:"max_concurrent"`
}

type ExportConfig struct {
	BatchSize         int           `koanf:"batch_size"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	ParallelBatches   int           `koanf:"parallel_batches"`
	ActivityEvery     int           `koanf:"activity_every"`
	KeepAlive         time.Duration `koanf:"keep_alive"`
}

type BreakerConfig struct {
	MaxRequests  uint32        `koanf:"max_requests"`
	Interval     time.Duration `koanf:"interval"`
	Timeout      time.Duration `koanf:"timeout"`
	MinRequests  uint32        `koanf:"min_requests"`
	FailureRatio float64       `koanf:"failure_ratio"`
}

// DatabaseConfig selects the store. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MaxConnections int32  `koanf:"max_connections"`
}

type CatalogConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{},
			RateLimit:       600,
		},
		Prometheus: PrometheusConfig{URL: "http://localhost:9090"},
		Upstream:   UpstreamConfig{Timeout: 30 * time.Second},
		Governor:   GovernorConfig{MaxConcurrent: 10},
		Export: ExportConfig{
			BatchSize:       25,
			ParallelBatches: 1,
			ActivityEvery:   50,
			KeepAlive:       15 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxRequests:  3,
			Interval:     time.Minute,
			Timeout:      30 * time.Second,
			MinRequests:  10,
			FailureRatio: 0.6,
		},
		Database: DatabaseConfig{MaxConnections: 10},
		Catalog:  CatalogConfig{Watch: true},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load layers defaults, the config file (if any) and the environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Comma separated lists arrive from the environment as one string.
	if s, ok := k.Get("server.cors_origins").(string); ok {
		if err := k.Set("server.cors_origins", splitList(s)); err != nil {
			return nil, fmt.Errorf("failed to parse server.cors_origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Prometheus.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("prometheus.url %q is not an absolute URL", c.Prometheus.URL))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Governor.MaxConcurrent < 1 {
		errs = append(errs, errors.New("governor.max_concurrent must be at least 1"))
	}
	if c.Export.BatchSize < 1 {
		errs = append(errs, errors.New("export.batch_size must be at least 1"))
	}
	if c.Export.ParallelBatches < 1 {
		errs = append(errs, errors.New("export.parallel_batches must be at least 1"))
	}
	if c.Export.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("export.requests_per_second must not be negative"))
	}
	if c.Export.ActivityEvery < 1 {
		errs = append(errs, errors.New("export.activity_every must be at least 1"))
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		errs = append(errs, errors.New("breaker.failure_ratio must be in (0,1]"))
	}
	return errors.Join(errs...)
}
