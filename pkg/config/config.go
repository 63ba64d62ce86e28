// Package config provides YAML- or TOML-based configuration loading with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Validator is an interface for configuration validation.
type Validator interface {
	Validate() error
}

// Load loads configuration from a YAML file, or a TOML file when the name
// ends in ".toml", with environment variable expansion, then validates it.
func Load[T any](filename string, target *T) error {
	if err := Decode(filename, target); err != nil {
		return err
	}
	return validate(target)
}

// Decode is Load without validation, for callers that overlay more
// settings before validating.
func Decode[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	expandedData := os.ExpandEnv(string(data))

	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		if _, err := toml.Decode(expandedData, target); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", filename, err)
		}
		return nil
	}
	if err := yaml.Unmarshal([]byte(expandedData), target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

func validate(target any) error {
	if validator, ok := target.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}
	return nil
}
