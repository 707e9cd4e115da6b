// Package config provides configuration management for redisq.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// Config holds the redisq server configuration.
type Config struct {
	// Server settings
	Addr       string `json:"addr"`
	MaxClients int    `json:"max_clients"`

	// Logging
	LogLevel string `json:"log_level"`

	// Connection timeouts
	ReadTimeout time.Duration `json:"read_timeout"`

	// RESP codec bounds
	MaxDepth          int `json:"max_depth"`
	MaxCollectionSize int `json:"max_collection_size"`
	MaxStringLength   int `json:"max_string_length"`

	// ExecutorTick bounds how long the executor sleeps with no waiter
	// registered, so timed-out blocking clients still wake up promptly.
	ExecutorTick time.Duration `json:"executor_tick"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:              ":6379",
		MaxClients:        10000,
		LogLevel:          "info",
		ReadTimeout:       0, // No timeout
		MaxDepth:          1000,
		MaxCollectionSize: 1_000_000,
		MaxStringLength:   512 * 1024 * 1024,
		ExecutorTick:      100 * time.Millisecond,
	}
}

// Load loads configuration from a JSON file, falling back to defaults for
// any field the file omits.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
