// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/hie/internal/errors"
	"github.com/kraklabs/hie/pkg/ingestion"
)

const defaultConfigFile = "hie.yaml"

// ConfigPath returns the path to the config file in the given directory.
func ConfigPath(dir string) string {
	return filepath.Join(dir, defaultConfigFile)
}

// resolveConfigPath decides which config file a command reads, without
// reading it. Precedence: the --config flag, the HIE_CONFIG environment
// variable, then hie.yaml in the current directory or any parent.
func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}

	if envPath := os.Getenv("HIE_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
		return "", errors.NewConfigError(
			"Configuration file not found",
			fmt.Sprintf("HIE_CONFIG is set to '%s' but the file does not exist", envPath),
			"Fix the HIE_CONFIG environment variable or run 'hie init' to create a config",
			nil,
		)
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", errors.NewInternalError(
			"Cannot access working directory",
			"Failed to determine current directory path",
			"Check system permissions and try again",
			err,
		)
	}

	for {
		candidate := ConfigPath(dir)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return "", errors.NewConfigError(
		"Configuration not found",
		"No hie.yaml file found in current directory or any parent directory",
		"Run 'hie init' to create a new configuration",
		nil,
	)
}

// LoadConfig loads the engine configuration.
//
// The file is resolved via resolveConfigPath, parsed over the engine
// defaults so absent keys keep their default values, and then overridden
// by environment variables (the env tags on ingestion.Config). Flags are
// applied later by the individual commands, giving the documented
// precedence: defaults, file, environment, flags.
//
// Returns the merged configuration, or a UserError if the file cannot be
// found, read, or parsed.
func LoadConfig(configPath string) (*ingestion.Config, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: Path comes from user config or discovery
	if err != nil {
		return nil, errors.NewConfigError(
			"Cannot read configuration file",
			fmt.Sprintf("Failed to read %s", path),
			"Check file permissions and ensure the file exists",
			err,
		)
	}

	cfg := ingestion.DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigError(
			"Invalid configuration format",
			"YAML parsing failed - the config file contains syntax errors",
			fmt.Sprintf("Edit %s to fix syntax errors, or run 'hie init --force' to recreate", path),
			err,
		)
	}

	// Validate version
	if cfg.Version != ingestion.ConfigVersion {
		return nil, errors.NewConfigError(
			"Unsupported configuration version",
			fmt.Sprintf("Config version '%s' is not supported (expected '%s')", cfg.Version, ingestion.ConfigVersion),
			"Run 'hie init --force' to regenerate the configuration file",
			nil,
		)
	}

	// Override with environment variables if set
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.NewConfigError(
			"Invalid environment override",
			"An HIE_* environment variable could not be parsed into its config field",
			"Check the variable named in the cause for a typo or wrong type",
			err,
		)
	}

	return &cfg, nil
}

// SaveConfig writes the configuration to the specified path as YAML.
//
// It creates the parent directory if needed and writes the file with
// permissions 0600, since the document carries the warehouse DSN.
func SaveConfig(cfg *ingestion.Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.NewInternalError(
			"Cannot encode configuration",
			"YAML marshaling failed unexpectedly",
			"This is a bug. Please report it with your configuration details",
			err,
		)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.NewPermissionError(
			"Cannot create configuration directory",
			fmt.Sprintf("Permission denied creating %s", dir),
			"Check directory permissions or run with appropriate privileges",
			err,
		)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return errors.NewPermissionError(
			"Cannot write configuration file",
			fmt.Sprintf("Permission denied writing to %s", configPath),
			"Check file permissions and ensure sufficient disk space",
			err,
		)
	}

	return nil
}
