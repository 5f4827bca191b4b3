package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.peregrinapp/config.toml.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. wss://api.peregrinapp.com/ws.
	ServerURL      string `toml:"server_url"`
	DefaultProfile string `toml:"default_profile"`

	// DevPosition, when set, feeds the location loop a fixed coordinate.
	// Useful on machines without a GPS source.
	DevPosition *DevPosition `toml:"dev_position"`
}

// DevPosition is a fixed coordinate for development use.
type DevPosition struct {
	Latitude  float64 `toml:"latitude"`
	Longitude float64 `toml:"longitude"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
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
