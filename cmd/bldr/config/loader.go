// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// DefaultPath returns ~/.bldr/bldr.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".bldr", "bldr.yaml"), nil
}

// Load reads the config at path, creating it with defaults on first run.
// Fields missing from the file keep their defaults.
func Load(path string) (BldrConfig, bool, error) {
	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return BldrConfig{}, false, err
		}
		created = true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return BldrConfig{}, created, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BldrConfig{}, created, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return BldrConfig{}, created, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, created, nil
}

// Validate checks cfg against its validate tags.
func Validate(cfg BldrConfig) error {
	return validate.Struct(cfg)
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
