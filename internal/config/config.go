// Package config loads and validates localwiki configuration.
//
// Configuration hierarchy (later wins):
//  1. Hardcoded defaults (NewConfig)
//  2. User config (~/.localwiki/config.yaml)
//  3. Environment variables (LOCALWIKI_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Aman-CERP/localwiki/internal/errors"
)

// Config represents the complete localwiki configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Paths    PathsConfig    `yaml:"paths" json:"paths"`
	Download DownloadConfig `yaml:"download" json:"download"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Search   SearchConfig   `yaml:"search" json:"search"`
}

// PathsConfig configures filesystem locations.
type PathsConfig struct {
	// DataDir is where the blob store, scratch files, and logs live.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// DownloadConfig configures the download manager.
type DownloadConfig struct {
	// TimeoutSeconds bounds each individual HTTP request.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`

	// MaxRetries is the transient-failure retry cap per resource.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Concurrency is the number of resources downloaded in parallel.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// UserAgent is sent with every request.
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// StorageConfig configures the persistent store.
type StorageConfig struct {
	// QuotaMB is the maximum total store size in megabytes. 0 means unlimited.
	QuotaMB int `yaml:"quota_mb" json:"quota_mb"`

	// ArticleCacheSize is the LRU capacity for article reads.
	ArticleCacheSize int `yaml:"article_cache_size" json:"article_cache_size"`
}

// SearchConfig configures the search index.
type SearchConfig struct {
	// DefaultLimit is the result count when the caller does not specify one.
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`

	// AsyncBuildThreshold is the article count above which index
	// construction runs in a background goroutine instead of inline.
	AsyncBuildThreshold int `yaml:"async_build_threshold" json:"async_build_threshold"`
}

// NewConfig returns configuration with hardcoded defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: DefaultDataDir(),
		},
		Download: DownloadConfig{
			TimeoutSeconds: 300,
			MaxRetries:     3,
			Concurrency:    2,
			UserAgent:      "localwiki/1.0",
		},
		Storage: StorageConfig{
			QuotaMB:          2048,
			ArticleCacheSize: 256,
		},
		Search: SearchConfig{
			DefaultLimit:        10,
			AsyncBuildThreshold: 500,
		},
	}
}

// DefaultDataDir returns ~/.localwiki, falling back to the temp dir.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".localwiki")
	}
	return filepath.Join(home, ".localwiki")
}

// UserConfigPath returns the user config file location.
func UserConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load builds the effective configuration: defaults, then the user config
// file if present, then environment overrides.
func Load() (*Config, error) {
	cfg := NewConfig()

	if err := cfg.mergeFile(UserConfigPath()); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from an explicit file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile overlays yaml from path onto cfg. A missing file is not an error.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrCodeConfigNotFound, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return apperrors.New(apperrors.ErrCodeConfigInvalid,
			fmt.Sprintf("cannot parse %s: %v", path, err), err)
	}
	return nil
}

// applyEnv applies LOCALWIKI_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOCALWIKI_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v, ok := envInt("LOCALWIKI_DOWNLOAD_TIMEOUT"); ok {
		c.Download.TimeoutSeconds = v
	}
	if v, ok := envInt("LOCALWIKI_MAX_RETRIES"); ok {
		c.Download.MaxRetries = v
	}
	if v, ok := envInt("LOCALWIKI_CONCURRENCY"); ok {
		c.Download.Concurrency = v
	}
	if v, ok := envInt("LOCALWIKI_QUOTA_MB"); ok {
		c.Storage.QuotaMB = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "paths.data_dir must not be empty", nil)
	}
	if c.Download.TimeoutSeconds <= 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "download.timeout_seconds must be positive", nil)
	}
	if c.Download.MaxRetries < 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "download.max_retries must not be negative", nil)
	}
	if c.Download.Concurrency < 1 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "download.concurrency must be at least 1", nil)
	}
	if c.Storage.QuotaMB < 0 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "storage.quota_mb must not be negative", nil)
	}
	if c.Search.DefaultLimit < 1 {
		return apperrors.New(apperrors.ErrCodeConfigInvalid, "search.default_limit must be at least 1", nil)
	}
	return nil
}

// StorePath returns the bbolt database file location.
func (c *Config) StorePath() string {
	return filepath.Join(c.Paths.DataDir, "store.db")
}

// ScratchDir returns the directory for temporary corpus extraction.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.Paths.DataDir, "scratch")
}
