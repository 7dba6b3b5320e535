package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultPath returns ~/.stampbot/config.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".stampbot", "config.json"), nil
}

// Load loads config from the default path (~/.stampbot/config.json).
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromFile(path)
}

// LoadFromFile loads config from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader loads config from an io.Reader, applying defaults and env overrides.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.Watermark.FontPath = expandHome(cfg.Watermark.FontPath)

	return cfg, nil
}

// Validate reports the first setting the service cannot start with.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if q := c.Watermark.JPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("watermark.jpegQuality must be between 1 and 100, got %d", q)
	}
	if c.Watermark.MaxPixels < 0 {
		return fmt.Errorf("watermark.maxPixels must not be negative, got %d", c.Watermark.MaxPixels)
	}
	if c.Transform.MaxTracked < 0 {
		return fmt.Errorf("transform.maxTracked must not be negative, got %d", c.Transform.MaxTracked)
	}
	if c.Transform.ReplaceDelayMS < 0 {
		return fmt.Errorf("transform.replaceDelayMs must not be negative, got %d", c.Transform.ReplaceDelayMS)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxAttempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// applyEnvOverrides applies STAMPBOT_-prefixed environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]*string{
		"STAMPBOT_TELEGRAM_TOKEN":       &cfg.Telegram.Token,
		"STAMPBOT_TELEGRAM_APIENDPOINT": &cfg.Telegram.APIEndpoint,
		"STAMPBOT_WATERMARK_FONTPATH":   &cfg.Watermark.FontPath,
		"STAMPBOT_METRICS_LISTEN":       &cfg.Metrics.Listen,
		"STAMPBOT_STATS_SCHEDULE":       &cfg.Stats.Schedule,
	}

	for env, ptr := range envMap {
		if val := os.Getenv(env); val != "" {
			*ptr = val
		}
	}
}

// expandHome expands a leading ~ in a path.
func expandHome(p string) string {
	if len(p) >= 2 && p[0] == '~' && p[1] == '/' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
