// Package config loads the proxy server configuration and manages the
// persistent security token.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the proxy server configuration.
type Config struct {
	Port         int    `yaml:"port"`
	ADBPath      string `yaml:"adb_path"`
	DatabasePath string `yaml:"database_path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Port:         5544,
		ADBPath:      "adb",
		DatabasePath: "./data/tracecollect.db",
	}
}

// Load reads a YAML config file, filling unset fields with defaults. An
// empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Port == 0 {
		cfg.Port = Default().Port
	}
	if cfg.ADBPath == "" {
		cfg.ADBPath = Default().ADBPath
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = Default().DatabasePath
	}
	return cfg, nil
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "tracecollect"), nil
}
