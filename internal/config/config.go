// Package config loads the chatcli configuration file. Values resolve in
// the usual order: flags override environment variables, which override the
// file, which overrides the built-in defaults.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.config/turbochat/config.toml.
type Config struct {
	ServerURL   string `toml:"server_url"`
	WSURL       string `toml:"ws_url"`
	Email       string `toml:"email"`
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the built-in defaults for a local backend.
func Default() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		WSURL:     "ws://localhost:8080/ws",
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "turbochat", "config.toml")
}

// Load reads the file at path, layered over the defaults. A missing file is
// not an error; the defaults come back unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
