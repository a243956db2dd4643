// Package config loads application configuration from a TOML file in
// the user config directory.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration.
type Config struct {
	Version  int            `toml:"version"`
	Storage  StorageConfig  `toml:"storage"`
	Scraping ScrapingConfig `toml:"scraping"`
	Pipeline PipelineConfig `toml:"pipeline"`
	LLM      LLMConfig      `toml:"llm"`
	Cron     CronConfig     `toml:"cron"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

type ScrapingConfig struct {
	DefaultCooldownSeconds int  `toml:"default_cooldown_seconds"`
	MaxPostsPerRun         int  `toml:"max_posts_per_run"`
	MaxCommentsPerThread   int  `toml:"max_comments_per_thread"`
	ActionDelayMinMs       int  `toml:"action_delay_min_ms"`
	ActionDelayMaxMs       int  `toml:"action_delay_max_ms"`
	AccountTimeoutSeconds  int  `toml:"account_timeout_seconds"`
	RunLockTimeoutSeconds  int  `toml:"run_lock_timeout_seconds"`
	Headless               bool `toml:"headless"`
}

type PipelineConfig struct {
	TriageEnabled      bool `toml:"triage_enabled"`
	DeepScrapeEnabled  bool `toml:"deep_scrape_enabled"`
	DraftsEnabled      bool `toml:"drafts_enabled"`
	SelectionTopN      int  `toml:"selection_top_n"`
	SelectionThreshold int  `toml:"selection_threshold"`
}

type LLMConfig struct {
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxAttempts    int    `toml:"max_attempts"`
}

type CronConfig struct {
	TickSeconds         int `toml:"tick_seconds"`
	StaleTimeoutSeconds int `toml:"stale_timeout_seconds"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: 1,
		Scraping: ScrapingConfig{
			DefaultCooldownSeconds: 60,
			MaxPostsPerRun:         100,
			MaxCommentsPerThread:   50,
			ActionDelayMinMs:       500,
			ActionDelayMaxMs:       2000,
			AccountTimeoutSeconds:  600,
			RunLockTimeoutSeconds:  3600,
			Headless:               true,
		},
		Pipeline: PipelineConfig{
			TriageEnabled:      true,
			DeepScrapeEnabled:  true,
			DraftsEnabled:      true,
			SelectionTopN:      20,
			SelectionThreshold: 75,
		},
		LLM: LLMConfig{
			Model:          "claude-sonnet-4-20250514",
			TimeoutSeconds: 60,
			MaxAttempts:    3,
		},
		Cron: CronConfig{
			TickSeconds:         60,
			StaleTimeoutSeconds: 3600,
		},
	}
}

// ConfigDir returns the platform-appropriate config directory.
func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "driftline"), nil
}

// ConfigPath returns the full path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultDBPath returns the default database location.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "driftline.db"), nil
}

// Load reads config from disk, falling back to defaults for a missing
// file.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if cfg.Storage.DBPath == "" {
		if cfg.Storage.DBPath, err = DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Save writes config to disk.
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}
