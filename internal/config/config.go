// Package config loads and validates the verification engine's runtime
// configuration from defaults, an optional YAML file, and environment
// variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/studioplatforms/contract-verifier/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the verification engine.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Catalog CatalogConfig `yaml:"catalog"`
	Store   StoreConfig   `yaml:"store"`
	Compile CompileConfig `yaml:"compile"`
	Cache   CacheConfig   `yaml:"cache"`
	VFS     VFSConfig     `yaml:"vfs"`
	Ops     OpsConfig     `yaml:"ops"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CatalogConfig holds Version Catalog (C1) configuration.
type CatalogConfig struct {
	// ReleaseIndexURL is the authoritative solc-bin release list.
	ReleaseIndexURL string `yaml:"release_index_url"`
	// RetryAttempts bounds retries of a release-index fetch.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryBaseDelay is the base exponential-backoff delay.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	// RetryMaxDelay caps the exponential-backoff delay.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// StoreConfig holds Compiler Store (C2) configuration.
type StoreConfig struct {
	// CacheDir is the on-disk directory holding downloaded solc binaries.
	CacheDir string `yaml:"cache_dir"`
	// MaxWarm bounds the in-memory set of loaded compiler handles.
	MaxWarm int `yaml:"max_warm"`
}

// CompileConfig holds Compilation Driver (C6) configuration.
type CompileConfig struct {
	// Timeout bounds a single compilation's wall-clock duration.
	Timeout time.Duration `yaml:"timeout"`
	// DefaultOptimizerRuns is loaded and validated here; no code in this
	// module reads it (verifyctl's -optimizer-runs flag has its own
	// default of 200).
	DefaultOptimizerRuns int `yaml:"default_optimizer_runs"`
	// MaxSourceBytes bounds the total size of an accepted source bundle.
	MaxSourceBytes int64 `yaml:"max_source_bytes"`
}

// CacheConfig holds Compilation Cache (C7) configuration.
type CacheConfig struct {
	// Capacity bounds the number of memoized compilation artifacts.
	Capacity int `yaml:"capacity"`
}

// VFSConfig holds Virtual Filesystem (C4) configuration.
type VFSConfig struct {
	// MaxImportDepth is loaded and validated here; pkg/vfs and
	// pkg/flatten do not read it and apply no import-depth limit.
	MaxImportDepth int `yaml:"max_import_depth"`
}

// OpsConfig holds the narrow operator-facing HTTP surface: health and
// metrics only, never a verification-request endpoint.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in zero-valued fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Catalog.ReleaseIndexURL == "" {
		c.Catalog.ReleaseIndexURL = constants.DefaultReleaseIndexURL
	}
	if c.Catalog.RetryAttempts == 0 {
		c.Catalog.RetryAttempts = constants.CatalogRetryAttempts
	}
	if c.Catalog.RetryBaseDelay == 0 {
		c.Catalog.RetryBaseDelay = constants.CatalogRetryBaseDelay
	}
	if c.Catalog.RetryMaxDelay == 0 {
		c.Catalog.RetryMaxDelay = constants.CatalogRetryMaxDelay
	}

	if c.Store.CacheDir == "" {
		c.Store.CacheDir = constants.DefaultCompilerCacheDir
	}
	if c.Store.MaxWarm == 0 {
		c.Store.MaxWarm = constants.DefaultMaxWarm
	}

	if c.Compile.Timeout == 0 {
		c.Compile.Timeout = constants.DefaultCompileTimeout
	}
	if c.Compile.DefaultOptimizerRuns == 0 {
		c.Compile.DefaultOptimizerRuns = constants.DefaultOptimizerRuns
	}
	if c.Compile.MaxSourceBytes == 0 {
		c.Compile.MaxSourceBytes = constants.DefaultMaxSourceBytes
	}

	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = constants.DefaultCacheCapacity
	}

	if c.VFS.MaxImportDepth == 0 {
		c.VFS.MaxImportDepth = 64
	}

	if c.Ops.Host == "" {
		c.Ops.Host = "127.0.0.1"
	}
	if c.Ops.Port == 0 {
		c.Ops.Port = 9090
	}
}

// LoadFromEnv applies environment variable overrides. Environment variables
// take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if v := os.Getenv("RELEASE_INDEX_URL"); v != "" {
		c.Catalog.ReleaseIndexURL = v
	}

	if v := os.Getenv("COMPILER_CACHE_DIR"); v != "" {
		c.Store.CacheDir = v
	}
	if v := os.Getenv("COMPILER_MAX_WARM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COMPILER_MAX_WARM: %w", err)
		}
		c.Store.MaxWarm = n
	}

	if v := os.Getenv("COMPILER_COMPILE_TIMEOUT_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COMPILER_COMPILE_TIMEOUT_SEC: %w", err)
		}
		c.Compile.Timeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("MAX_SOURCE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_SOURCE_BYTES: %w", err)
		}
		c.Compile.MaxSourceBytes = n
	}

	if v := os.Getenv("OPS_HOST"); v != "" {
		c.Ops.Host = v
	}
	if v := os.Getenv("OPS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OPS_PORT: %w", err)
		}
		c.Ops.Port = n
	}
	if v := os.Getenv("OPS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OPS_ENABLED: %w", err)
		}
		c.Ops.Enabled = b
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file, merging onto whatever
// is already set on c.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for internally-consistent, usable
// values.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.Catalog.ReleaseIndexURL == "" {
		return fmt.Errorf("catalog release index URL is required")
	}
	if c.Catalog.RetryAttempts <= 0 {
		return fmt.Errorf("catalog retry attempts must be positive")
	}
	if c.Catalog.RetryBaseDelay <= 0 {
		return fmt.Errorf("catalog retry base delay must be positive")
	}
	if c.Catalog.RetryMaxDelay < c.Catalog.RetryBaseDelay {
		return fmt.Errorf("catalog retry max delay must be >= base delay")
	}

	if c.Store.CacheDir == "" {
		return fmt.Errorf("compiler store cache dir is required")
	}
	if c.Store.MaxWarm < constants.MinMaxWarm {
		return fmt.Errorf("compiler store max warm must be >= %d", constants.MinMaxWarm)
	}

	if c.Compile.Timeout <= 0 {
		return fmt.Errorf("compile timeout must be positive")
	}
	if c.Compile.DefaultOptimizerRuns < 0 {
		return fmt.Errorf("default optimizer runs cannot be negative")
	}
	if c.Compile.MaxSourceBytes <= 0 {
		return fmt.Errorf("max source bytes must be positive")
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be positive")
	}

	if c.VFS.MaxImportDepth <= 0 {
		return fmt.Errorf("vfs max import depth must be positive")
	}

	if c.Ops.Enabled && c.Ops.Port <= 0 {
		return fmt.Errorf("ops port must be positive when ops server is enabled")
	}

	return nil
}

// Load is a convenience function that loads configuration in the following
// order: defaults, file (if provided), environment overrides, validation.
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
