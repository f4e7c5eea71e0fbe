package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration, loaded from an optional
// YAML file with environment overrides on top.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// MongoURI is the document store connection string.
	MongoURI string `yaml:"mongo_uri"`

	// MongoDatabase is the database holding the calendars collection.
	MongoDatabase string `yaml:"mongo_database"`

	// RefreshCron is the cron schedule for the staleness pass.
	RefreshCron string `yaml:"refresh"`

	// Timezone is the IANA zone assumed for feed timestamps without an
	// explicit zone.
	Timezone string `yaml:"timezone"`
}

func Default() *Config {
	return &Config{
		Listen:        ":8080",
		MongoURI:      "mongodb://localhost:27017",
		MongoDatabase: "calfeed",
		RefreshCron:   "0 * * * *",
		Timezone:      "America/New_York",
	}
}

// Load reads the config file at path (optional) and applies environment
// overrides. An empty path falls back to the CONFIG_PATH variable, then
// to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Listen = v
	}

	return cfg, nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
