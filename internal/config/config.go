// Package config loads daemon settings from an optional YAML file.
// Environment variables handled in cmd take precedence over file values.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Duration makes time.Duration YAML-friendly: it accepts the usual
// "30s"/"12h" strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	DataDir    string `yaml:"dataDir"`
	MaxRecords int    `yaml:"maxRecords"`
	AuthToken  string `yaml:"authToken"`

	AnalyzerURL   string   `yaml:"analyzerUrl"`
	AnalyzerToken string   `yaml:"analyzerToken"`
	PendingExpiry Duration `yaml:"pendingExpiry"`

	SyncDSN string `yaml:"syncDsn"`

	ImportDir string `yaml:"importDir"`

	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() Config {
	return Config{
		ListenAddr: ":8095",
		DataDir:    "./data",
		LogLevel:   "info",
	}
}

// Load reads path and overlays it on the defaults. A missing file is
// not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
