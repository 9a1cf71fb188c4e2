// Package nodeconfig loads a node's startup configuration: currently just
// its bind address, optionally read from a TOML file.
package nodeconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultBindAddr matches the node's default when no config file or
// positional argument overrides it.
const DefaultBindAddr = "0.0.0.0:2000"

// Config is a node's startup configuration.
type Config struct {
	BindAddr string `toml:"bind_addr"`
}

// Default returns the zero-configuration default.
func Default() Config {
	return Config{BindAddr: DefaultBindAddr}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("nodeconfig: read %s: %w", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("nodeconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve applies the override order: a non-empty positional argument wins
// over a loaded config file, which wins over Default.
func Resolve(configPath, positionalAddr string) (Config, error) {
	cfg := Default()
	if configPath != "" {
		loaded, err := Load(configPath)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	if positionalAddr != "" {
		cfg.BindAddr = positionalAddr
	}
	return cfg, nil
}
