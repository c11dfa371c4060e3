// Package config loads the optional YAML file carrying the settings that are
// awkward to pass through environment variables: the watched pilot list and
// the message template. Scalar tunables stay on env/flags.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the file-based part of the configuration
type Config struct {
	Pilots   []string `yaml:"pilots"`   // XContest usernames to watch, empty means all
	Template string   `yaml:"template"` // message template, empty keeps the default
}

// Load reads the configuration from a YAML file, expanding ${ENV} references
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	pilots := cfg.Pilots[:0]
	for _, pilot := range cfg.Pilots {
		if trimmed := strings.TrimSpace(pilot); trimmed != "" {
			pilots = append(pilots, trimmed)
		}
	}
	cfg.Pilots = pilots

	return &cfg, nil
}
