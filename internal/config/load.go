package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load returns the defaults overlaid with the configured file, if any.
func Load(path string) (*Config, error) {
	c, err := New()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = c.ConfigFile
	}
	if path == "" {
		return c, nil
	}
	if err := c.Merge(path); err != nil {
		return nil, err
	}
	c.ConfigFile = path
	return c, nil
}

// Merge decodes a TOML or YAML file on top of the current values.
func (c *Config) Merge(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	return nil
}

func Validate(c *Config) error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Slurm.CommandTimeout != "" {
		if _, err := time.ParseDuration(c.Slurm.CommandTimeout); err != nil {
			return fmt.Errorf("invalid slurm.command_timeout: %w", err)
		}
	}
	if c.Date.IsZero() {
		return fmt.Errorf("observation date must be set")
	}
	return nil
}
