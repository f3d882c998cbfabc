package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"
)

// ServerConfig holds the settings for logging, storage and the HTTP API.
type ServerConfig struct {
	ApiAddr        string `json:"api_addr" toml:"api_addr"`
	LogLevel       string `json:"log_level" toml:"log_level"`
	DatabasePath   string `json:"database_path" toml:"database_path"`
	MaxTrainBytes  int64  `json:"max_train_bytes" toml:"max_train_bytes"`
	MaxImportBytes int64  `json:"max_import_bytes" toml:"max_import_bytes"`
}

// ModelConfig holds defaults for training and generation.
type ModelConfig struct {
	WindowLength      int `json:"window_length" toml:"window_length"`
	GenerateLength    int `json:"generate_length" toml:"generate_length"`
	MaxGenerateLength int `json:"max_generate_length" toml:"max_generate_length"`
}

// Config is the top-level configuration struct that aggregates all other configs.
type Config struct {
	Server *ServerConfig `json:"server_config" toml:"server"`
	Model  *ModelConfig  `json:"model_config" toml:"model"`
}

// DefaultConfig creates a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			ApiAddr:        "127.0.0.1:7279",
			LogLevel:       "info",
			DatabasePath:   "./data/charchain.db",
			MaxTrainBytes:  64 << 20,
			MaxImportBytes: 256 << 20,
		},
		Model: &ModelConfig{
			WindowLength:      4,
			GenerateLength:    500,
			MaxGenerateLength: 100_000,
		},
	}
}

// LoadConfig reads the configuration from the file at path. Files ending in
// .toml are parsed as TOML, anything else as JSON. If the file doesn't exist,
// it is created with default values.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	isTOML := strings.EqualFold(filepath.Ext(path), ".toml")

	file, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err = writeConfig(path, config, isTOML); err != nil {
				// The tool still works with defaults.
				fmt.Fprintf(os.Stderr, "warning: failed to write default config file: %v\n", err)
			}
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if isTOML {
		_, err = toml.Decode(string(file), config)
	} else {
		err = json.Unmarshal(file, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Sections missing from the file keep their defaults.
	defaults := DefaultConfig()
	if config.Server == nil {
		config.Server = defaults.Server
	}
	if config.Model == nil {
		config.Model = defaults.Model
	}
	return config, nil
}

func writeConfig(path string, config *Config, isTOML bool) error {
	var buf bytes.Buffer
	if isTOML {
		if err := toml.NewEncoder(&buf).Encode(config); err != nil {
			return fmt.Errorf("failed to marshal default config: %w", err)
		}
	} else {
		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal default config: %w", err)
		}
		buf.Write(data)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return atomic.WriteFile(path, &buf)
}
