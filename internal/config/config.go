// Package config loads taskbridge settings from an optional YAML file.
// Flags in main override whatever the file sets.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Store struct {
		Backend  string `yaml:"backend"` // "sqlite" or "file"
		DBPath   string `yaml:"db_path"`
		FilePath string `yaml:"file_path"`
	} `yaml:"store"`

	Portal struct {
		WebhookBase     string  `yaml:"webhook_base"`
		TZOffsetMinutes int     `yaml:"tz_offset_minutes"`
		Timeout         string  `yaml:"timeout"`    // Go duration string, e.g. "30s"
		RateLimit       float64 `yaml:"rate_limit"` // requests/sec, 0 disables
	} `yaml:"portal"`

	Scan struct {
		// robfig/cron spec driving the periodic due-scan, e.g. "@every 30s"
		// or "*/1 * * * *".
		Spec string `yaml:"spec"`
	} `yaml:"scan"`
}

func Default() Config {
	var c Config
	c.ListenAddr = ":8080"
	c.Store.Backend = "sqlite"
	c.Store.DBPath = "taskbridge.db"
	c.Store.FilePath = "data/jobs.json"
	c.Portal.Timeout = "30s"
	c.Portal.RateLimit = 2
	c.Scan.Spec = "@every 30s"
	return c
}

// Load reads path over the defaults. A missing file is fine when the path
// was not explicitly requested by the caller.
func Load(path string) (Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("store.backend must be \"sqlite\" or \"file\", got %q", c.Store.Backend)
	}
	if c.Scan.Spec == "" {
		return fmt.Errorf("scan.spec must not be empty")
	}
	if _, err := c.PortalTimeout(); err != nil {
		return err
	}
	return nil
}

// PortalTimeout resolves the portal timeout string, falling back to 30s
// when unset.
func (c Config) PortalTimeout() (time.Duration, error) {
	return parseDurationOrDefault("portal.timeout", c.Portal.Timeout, 30*time.Second)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
