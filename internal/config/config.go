// Package config provides configuration management for Lantern.
//
// Config file locations (priority order):
//  1. $LANTERN_CONFIG
//  2. ./lantern.yaml
//  3. ~/.config/lantern/config.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Subnet is the CIDR to sweep. Empty means derive it from the
	// host's own interface.
	Subnet string `yaml:"subnet"`

	// DNSServer is an optional custom DNS server for reverse lookups.
	DNSServer string `yaml:"dns_server"`

	// ScanInterval is the time between discovery cycles.
	ScanInterval Duration `yaml:"scan_interval"`

	Database      DatabaseConfig     `yaml:"database"`
	HTTP          HTTPConfig         `yaml:"http"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// DatabaseConfig locates the registry database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// NotificationConfig controls the outbound notification sink.
type NotificationConfig struct {
	WebhookURL string `yaml:"webhook_url"`

	// Global toggles; per-device tags can opt in on top of these.
	OnNewDevice bool `yaml:"on_new_device"`
	OnIPChange  bool `yaml:"on_ip_change"`
	OnOnline    bool `yaml:"on_online"`
	OnOffline   bool `yaml:"on_offline"`
}

// Load finds and loads the config file, or returns defaults if none found.
func Load() (*Config, string, error) {
	path := findConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, path, nil
}

// DefaultConfig returns sensible defaults for a new installation.
func DefaultConfig() *Config {
	return &Config{
		ScanInterval: Duration(5 * time.Minute),
		Database:     DatabaseConfig{Path: "./lantern.db"},
		HTTP:         HTTPConfig{Addr: ":3000"},
		Notifications: NotificationConfig{
			OnNewDevice: true,
			OnOffline:   true,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = Duration(5 * time.Minute)
	}
	if c.Database.Path == "" {
		c.Database.Path = "./lantern.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":3000"
	}
}

func findConfigPath() string {
	if path := os.Getenv("LANTERN_CONFIG"); path != "" {
		return path
	}

	candidates := []string{"./lantern.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "lantern", "config.yaml"))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
