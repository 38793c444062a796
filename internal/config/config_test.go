package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	if cfg == nil {
		t.Fatal("NewConfig() returned nil")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Expected default log format 'json', got %q", cfg.Log.Format)
	}
	if cfg.Catalog.ReleaseIndexURL == "" {
		t.Error("Expected default catalog release index URL to be set")
	}
	if cfg.Store.MaxWarm <= 0 {
		t.Error("Expected default store max warm to be positive")
	}
	if cfg.Compile.Timeout <= 0 {
		t.Error("Expected default compile timeout to be positive")
	}
	if cfg.Cache.Capacity <= 0 {
		t.Error("Expected default cache capacity to be positive")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := NewConfig()
		return cfg
	}

	tests := []struct {
		name    string
		config  func() *Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  valid,
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: func() *Config {
				cfg := valid()
				cfg.Log.Level = "verbose"
				return cfg
			},
			wantErr: true,
		},
		{
			name: "missing release index URL",
			config: func() *Config {
				cfg := valid()
				cfg.Catalog.ReleaseIndexURL = ""
				return cfg
			},
			wantErr: true,
		},
		{
			name: "max warm below minimum",
			config: func() *Config {
				cfg := valid()
				cfg.Store.MaxWarm = 0
				return cfg
			},
			wantErr: true,
		},
		{
			name: "negative compile timeout",
			config: func() *Config {
				cfg := valid()
				cfg.Compile.Timeout = -time.Second
				return cfg
			},
			wantErr: true,
		},
		{
			name: "zero cache capacity",
			config: func() *Config {
				cfg := valid()
				cfg.Cache.Capacity = 0
				return cfg
			},
			wantErr: true,
		},
		{
			name: "ops enabled without port",
			config: func() *Config {
				cfg := valid()
				cfg.Ops.Enabled = true
				cfg.Ops.Port = 0
				return cfg
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config().Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("COMPILER_CACHE_DIR", "/tmp/solc-bin-test")
	os.Setenv("COMPILER_MAX_WARM", "5")
	os.Setenv("COMPILER_COMPILE_TIMEOUT_SEC", "60")
	os.Setenv("MAX_SOURCE_BYTES", "1000000")
	os.Setenv("RELEASE_INDEX_URL", "https://example.test/list.json")
	defer func() {
		os.Unsetenv("COMPILER_CACHE_DIR")
		os.Unsetenv("COMPILER_MAX_WARM")
		os.Unsetenv("COMPILER_COMPILE_TIMEOUT_SEC")
		os.Unsetenv("MAX_SOURCE_BYTES")
		os.Unsetenv("RELEASE_INDEX_URL")
	}()

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Store.CacheDir != "/tmp/solc-bin-test" {
		t.Errorf("CacheDir = %q", cfg.Store.CacheDir)
	}
	if cfg.Store.MaxWarm != 5 {
		t.Errorf("MaxWarm = %d", cfg.Store.MaxWarm)
	}
	if cfg.Compile.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v", cfg.Compile.Timeout)
	}
	if cfg.Compile.MaxSourceBytes != 1000000 {
		t.Errorf("MaxSourceBytes = %d", cfg.Compile.MaxSourceBytes)
	}
	if cfg.Catalog.ReleaseIndexURL != "https://example.test/list.json" {
		t.Errorf("ReleaseIndexURL = %q", cfg.Catalog.ReleaseIndexURL)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	os.Setenv("COMPILER_MAX_WARM", "not-a-number")
	defer os.Unsetenv("COMPILER_MAX_WARM")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Fatal("expected error for invalid COMPILER_MAX_WARM")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("store:\n  cache_dir: /tmp/from-file\n  max_warm: 3\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg := NewConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Store.CacheDir != "/tmp/from-file" {
		t.Errorf("CacheDir = %q", cfg.Store.CacheDir)
	}
	if cfg.Store.MaxWarm != 3 {
		t.Errorf("MaxWarm = %d", cfg.Store.MaxWarm)
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level, got %q", cfg.Log.Level)
	}
}
