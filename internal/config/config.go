// Package config loads the gateway configuration: a YAML file merged
// with environment overrides, plus the data-directory layout shared by
// every subsystem.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"flm/internal/proxy"
	"flm/internal/security"
	"flm/internal/telemetry"
)

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// BlockStoreConfig selects where IP block state lives. sqlite keeps it
// in security.db (the default); redis shares it between instances.
type BlockStoreConfig struct {
	Type  string                    `yaml:"type"` // sqlite, memory, redis
	Redis security.RedisBlockConfig `yaml:"redis"`
}

// Config is the on-disk configuration document.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Logging    LoggingConfig    `yaml:"logging"`
	Proxy      proxy.Config     `yaml:"proxy"`
	BlockStore BlockStoreConfig `yaml:"block_store"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Proxy: proxy.Config{
			Mode:       proxy.ModeLocalHTTP,
			Port:       19080,
			ListenAddr: "127.0.0.1",
		},
		BlockStore: BlockStoreConfig{Type: "sqlite"},
		Telemetry:  telemetry.ConfigFromEnv(),
	}
}

// Load reads the YAML file at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No file is fine; the defaults plus env are the config.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".flm")
	}
	return cfg, nil
}

// applyEnv merges the environment overrides consulted at startup.
func (c *Config) applyEnv() {
	if dir := os.Getenv("FLM_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
}

// EnsureDataDir creates the data directory tree.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// ConfigDBPath is the location of config.db.
func (c *Config) ConfigDBPath() string {
	return filepath.Join(c.DataDir, "config.db")
}

// SecurityDBPath is the location of security.db.
func (c *Config) SecurityDBPath() string {
	return filepath.Join(c.DataDir, "security.db")
}

// SecretKeyPath is the location of the secret-store data key.
func (c *Config) SecretKeyPath() string {
	return filepath.Join(c.DataDir, "secret.key")
}

// BackupDir is where security.db backups rotate.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}
