// Package config loads and persists tangle's yaml configuration from the
// data directory (~/.tangle by default, TANGLE_HOME override).
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/acrewood/tangle/internal/otel"
)

// RecapConfig controls the daily recap job that writes a System log
// summarizing recent completions.
type RecapConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a standard 5-field cron expression (minute, hour, dom,
	// month, dow). Empty means 18:00 every day.
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath overrides the sqlite file location. Empty uses
	// <home>/tangle.db.
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// OwnerID scopes every row this instance reads and writes. A shared
	// database can host several owners; each instance acts as one.
	OwnerID int64 `yaml:"owner_id"`

	Recap RecapConfig `yaml:"recap"`
	OTel  otel.Config `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so a support bundle shows which settings were in force.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|owner=%d|recap=%v:%s|otel=%v",
		c.DBPath, c.LogLevel, c.OwnerID, c.Recap.Enabled, c.Recap.Schedule, c.OTel.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		OwnerID:  1,
		Recap: RecapConfig{
			Enabled:  false,
			Schedule: "0 18 * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TANGLE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tangle")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tangle home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.normalized(), nil
		}
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.HomeDir = HomeDir()
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "tangle.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OwnerID <= 0 {
		c.OwnerID = 1
	}
	if c.Recap.Schedule == "" {
		c.Recap.Schedule = "0 18 * * *"
	}
	return c
}

// Save writes the config back to config.yaml, preserving unknown keys by
// merging over the raw document.
func Save(cfg Config) error {
	path := ConfigPath(cfg.HomeDir)

	raw := make(map[string]interface{})
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	raw["db_path"] = cfg.DBPath
	raw["log_level"] = cfg.LogLevel
	raw["owner_id"] = cfg.OwnerID
	raw["recap"] = map[string]interface{}{
		"enabled":  cfg.Recap.Enabled,
		"schedule": cfg.Recap.Schedule,
	}

	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
