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
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hie/internal/errors"
	"github.com/kraklabs/hie/internal/ui"
	"github.com/kraklabs/hie/pkg/ingestion"
)

// ConfigOutput is the resolved configuration shaped for JSON output.
// It mirrors ingestion.Config but redacts the DSN password.
type ConfigOutput struct {
	ConfigPath  string            `json:"config_path"`
	Version     string            `json:"version"`
	Timezone    string            `json:"timezone"`
	ObjectStore ObjectStoreOutput `json:"object_store"`
	Database    DatabaseOutput    `json:"database"`
	Discovery   DiscoveryOutput   `json:"discovery"`
	Processing  ProcessingOutput  `json:"processing"`
	RawLoader   RawLoaderOutput   `json:"raw_loader"`
	Staging     StagingOutput     `json:"staging"`
	Retry       RetryOutput       `json:"retry"`
}

// ObjectStoreOutput represents the object store settings for JSON output.
type ObjectStoreOutput struct {
	Bucket         string `json:"bucket"`
	Region         string `json:"region,omitempty"`
	Prefix         string `json:"prefix"`
	Endpoint       string `json:"endpoint,omitempty"`
	MaxConcurrency int    `json:"max_concurrency"`
	RetryAttempts  int    `json:"retry_attempts"`
	TimeoutMS      int64  `json:"timeout_ms"`
}

// DatabaseOutput represents the warehouse settings for JSON output.
// DSN is redacted: credentials never leave the config file.
type DatabaseOutput struct {
	DSN               string `json:"dsn"`
	MaxOpenConns      int    `json:"max_open_conns"`
	MaxIdleConns      int    `json:"max_idle_conns"`
	ConnMaxLifetimeMS int64  `json:"conn_max_lifetime_ms"`
}

// DiscoveryOutput represents candidate enumeration settings for JSON output.
type DiscoveryOutput struct {
	BatchSize          int      `json:"batch_size"`
	MaxFilesPerBatch   int      `json:"max_files_per_batch"`
	ValidateHashes     bool     `json:"validate_hashes"`
	ExcludeGlobs       []string `json:"exclude_globs,omitempty"`
	FullLoadWindowDays int      `json:"full_load_window_days"`
}

// ProcessingOutput represents orchestrator settings for JSON output.
type ProcessingOutput struct {
	PriorityExtracts    []string `json:"priority_extracts,omitempty"`
	MaxConcurrentFiles  int      `json:"max_concurrent_files"`
	ProcessingTimeoutMS int64    `json:"processing_timeout_ms"`
	Order               string   `json:"order"`
	MaxBatches          int      `json:"max_batches"`
}

// RawLoaderOutput represents landing-zone loader settings for JSON output.
type RawLoaderOutput struct {
	BatchSize       int     `json:"batch_size"`
	MaxMemoryMB     int     `json:"max_memory_mb"`
	ContinueOnError bool    `json:"continue_on_error"`
	ErrorThreshold  float64 `json:"error_threshold"`
}

// StagingOutput represents staging transformer settings for JSON output.
type StagingOutput struct {
	BatchSize               int    `json:"batch_size"`
	MaxConcurrentTransforms int    `json:"max_concurrent_transforms"`
	EnableTypeCoercion      bool   `json:"enable_type_coercion"`
	DateFormat              string `json:"date_format"`
	TimestampFormat         string `json:"timestamp_format"`
	DecimalPrecision        int    `json:"decimal_precision"`
	TrimStrings             bool   `json:"trim_strings"`
	NullifyEmptyStrings     bool   `json:"nullify_empty_strings"`
	RejectInvalidRows       bool   `json:"reject_invalid_rows"`
	MaxErrorsPerBatch       int    `json:"max_errors_per_batch"`
	MaxTotalErrors          int    `json:"max_total_errors"`
}

// RetryOutput represents retry policy settings for JSON output.
type RetryOutput struct {
	MaxRetries   int     `json:"max_retries"`
	RetryDelayMS int64   `json:"retry_delay_ms"`
	MaxBackoffMS int64   `json:"max_backoff_ms"`
	Multiplier   float64 `json:"multiplier"`
}

// runConfigCmd executes the 'config' CLI command, displaying the
// resolved configuration.
//
// It loads the configuration the same way every other command does
// (defaults, file, environment) and displays the result in either
// human-readable format (default) or JSON (with --json). The DSN
// password is redacted in both forms.
//
// Examples:
//
//	hie config              Display formatted configuration
//	hie config --json       Output as JSON for programmatic use
//	hie config --validate   Check the document and exit
func runConfigCmd(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	validate := fs.Bool("validate", false, "Validate the configuration and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hie config [options]

Description:
  Display the resolved HIE configuration: the hie.yaml file merged
  with environment variable overrides, exactly as the engine will
  see it.

  Note: the DSN password is redacted. Credentials are never printed.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Show human-readable configuration
  hie config

  # Output as JSON for programmatic use
  hie config --json

  # Pipe to jq for specific field extraction
  hie config --json | jq '.object_store.bucket'

  # Validate without running anything
  hie config --validate

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfgPath, err := resolveConfigPath(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if !filepath.IsAbs(cfgPath) {
		if abs, absErr := filepath.Abs(cfgPath); absErr == nil {
			cfgPath = abs
		}
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if *validate {
		if err := cfg.Validate(); err != nil {
			errors.FatalError(errors.NewConfigError(
				"Configuration is invalid",
				err.Error(),
				fmt.Sprintf("Edit %s and re-run 'hie config --validate'", cfgPath),
				nil,
			), globals.JSON)
		}
		ui.Success("Configuration is valid")
		return
	}

	result := buildConfigOutput(cfgPath, cfg)

	if globals.JSON {
		encodeJSON(result, globals)
		return
	}
	printConfigHuman(result)
}

// buildConfigOutput converts the engine config to its display form.
func buildConfigOutput(configPath string, cfg *ingestion.Config) *ConfigOutput {
	return &ConfigOutput{
		ConfigPath: configPath,
		Version:    cfg.Version,
		Timezone:   cfg.Timezone,
		ObjectStore: ObjectStoreOutput{
			Bucket:         cfg.ObjectStore.Bucket,
			Region:         cfg.ObjectStore.Region,
			Prefix:         cfg.ObjectStore.Prefix,
			Endpoint:       cfg.ObjectStore.Endpoint,
			MaxConcurrency: cfg.ObjectStore.MaxConcurrency,
			RetryAttempts:  cfg.ObjectStore.RetryAttempts,
			TimeoutMS:      cfg.ObjectStore.TimeoutMS,
		},
		Database: DatabaseOutput{
			DSN:               redactDSN(cfg.Database.DSN),
			MaxOpenConns:      cfg.Database.MaxOpenConns,
			MaxIdleConns:      cfg.Database.MaxIdleConns,
			ConnMaxLifetimeMS: cfg.Database.ConnMaxLifetimeMS,
		},
		Discovery: DiscoveryOutput{
			BatchSize:          cfg.Discovery.BatchSize,
			MaxFilesPerBatch:   cfg.Discovery.MaxFilesPerBatch,
			ValidateHashes:     cfg.Discovery.ValidateHashes,
			ExcludeGlobs:       cfg.Discovery.ExcludeGlobs,
			FullLoadWindowDays: cfg.Discovery.FullLoadWindowDays,
		},
		Processing: ProcessingOutput{
			PriorityExtracts:    cfg.Processing.PriorityExtracts,
			MaxConcurrentFiles:  cfg.Processing.MaxConcurrentFiles,
			ProcessingTimeoutMS: cfg.Processing.ProcessingTimeoutMS,
			Order:               cfg.Processing.Order,
			MaxBatches:          cfg.Processing.MaxBatches,
		},
		RawLoader: RawLoaderOutput{
			BatchSize:       cfg.RawLoader.BatchSize,
			MaxMemoryMB:     cfg.RawLoader.MaxMemoryMB,
			ContinueOnError: cfg.RawLoader.ContinueOnError,
			ErrorThreshold:  cfg.RawLoader.ErrorThreshold,
		},
		Staging: StagingOutput{
			BatchSize:               cfg.Staging.BatchSize,
			MaxConcurrentTransforms: cfg.Staging.MaxConcurrentTransforms,
			EnableTypeCoercion:      cfg.Staging.EnableTypeCoercion,
			DateFormat:              cfg.Staging.DateFormat,
			TimestampFormat:         cfg.Staging.TimestampFormat,
			DecimalPrecision:        cfg.Staging.DecimalPrecision,
			TrimStrings:             cfg.Staging.TrimStrings,
			NullifyEmptyStrings:     cfg.Staging.NullifyEmptyStrings,
			RejectInvalidRows:       cfg.Staging.RejectInvalidRows,
			MaxErrorsPerBatch:       cfg.Staging.MaxErrorsPerBatch,
			MaxTotalErrors:          cfg.Staging.MaxTotalErrors,
		},
		Retry: RetryOutput{
			MaxRetries:   cfg.Retry.MaxRetries,
			RetryDelayMS: cfg.Retry.RetryDelayMS,
			MaxBackoffMS: cfg.Retry.MaxBackoffMS,
			Multiplier:   cfg.Retry.Multiplier,
		},
	}
}

var dsnPasswordPattern = regexp.MustCompile(`(password=)\S+`)

// redactDSN masks the password in a warehouse connection string. Both
// postgres:// URLs and key=value DSNs are handled; strings carrying no
// password pass through unchanged.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "REDACTED")
			return u.String()
		}
		return dsn
	}
	return dsnPasswordPattern.ReplaceAllString(dsn, "${1}REDACTED")
}

// printConfigHuman prints the configuration in human-readable format.
func printConfigHuman(cfg *ConfigOutput) {
	ui.Header("HIE Configuration")
	fmt.Printf("%s  %s\n", ui.Label("Config File:"), ui.DimText(cfg.ConfigPath))
	fmt.Printf("%s      %s\n", ui.Label("Version:"), cfg.Version)
	fmt.Printf("%s     %s\n", ui.Label("Timezone:"), cfg.Timezone)

	ui.SubHeader("Object Store:")
	fmt.Printf("  Bucket:        %s\n", cfg.ObjectStore.Bucket)
	if cfg.ObjectStore.Region != "" {
		fmt.Printf("  Region:        %s\n", cfg.ObjectStore.Region)
	}
	fmt.Printf("  Prefix:        %s\n", cfg.ObjectStore.Prefix)
	if cfg.ObjectStore.Endpoint != "" {
		fmt.Printf("  Endpoint:      %s\n", cfg.ObjectStore.Endpoint)
	}
	fmt.Printf("  Concurrency:   %d\n", cfg.ObjectStore.MaxConcurrency)
	fmt.Printf("  Retries:       %d\n", cfg.ObjectStore.RetryAttempts)

	ui.SubHeader("Warehouse:")
	fmt.Printf("  DSN:           %s\n", cfg.Database.DSN)
	fmt.Printf("  Pool:          %d open / %d idle\n", cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)

	ui.SubHeader("Discovery:")
	fmt.Printf("  Batch Size:    %d\n", cfg.Discovery.BatchSize)
	fmt.Printf("  Hash Check:    %v\n", cfg.Discovery.ValidateHashes)
	fmt.Printf("  Full Window:   %d days\n", cfg.Discovery.FullLoadWindowDays)
	if len(cfg.Discovery.ExcludeGlobs) > 0 {
		fmt.Printf("  Exclude:       %d patterns\n", len(cfg.Discovery.ExcludeGlobs))
		for _, pattern := range cfg.Discovery.ExcludeGlobs {
			fmt.Printf("                 - %s\n", ui.DimText(pattern))
		}
	}

	ui.SubHeader("Processing:")
	fmt.Printf("  Order:         %s\n", cfg.Processing.Order)
	fmt.Printf("  File Workers:  %d\n", cfg.Processing.MaxConcurrentFiles)
	if cfg.Processing.MaxBatches > 0 {
		fmt.Printf("  Max Batches:   %d\n", cfg.Processing.MaxBatches)
	}
	if len(cfg.Processing.PriorityExtracts) > 0 {
		fmt.Printf("  Priority:      %s\n", strings.Join(cfg.Processing.PriorityExtracts, ", "))
	}

	ui.SubHeader("Raw Loader:")
	fmt.Printf("  Batch Size:    %d\n", cfg.RawLoader.BatchSize)
	fmt.Printf("  Max Memory:    %d MB\n", cfg.RawLoader.MaxMemoryMB)
	fmt.Printf("  Row Errors:    continue=%v\n", cfg.RawLoader.ContinueOnError)
	fmt.Printf("  Threshold:     %.0f%%\n", cfg.RawLoader.ErrorThreshold*100)

	ui.SubHeader("Staging:")
	fmt.Printf("  Batch Size:    %d\n", cfg.Staging.BatchSize)
	fmt.Printf("  Workers:       %d\n", cfg.Staging.MaxConcurrentTransforms)
	fmt.Printf("  Coercion:      %v\n", cfg.Staging.EnableTypeCoercion)
	fmt.Printf("  Reject Rows:   %v\n", cfg.Staging.RejectInvalidRows)
	fmt.Printf("  Error Caps:    %d per batch / %d total\n", cfg.Staging.MaxErrorsPerBatch, cfg.Staging.MaxTotalErrors)

	ui.SubHeader("Retry:")
	fmt.Printf("  Attempts:      %d\n", cfg.Retry.MaxRetries)
	fmt.Printf("  Base Delay:    %d ms\n", cfg.Retry.RetryDelayMS)
	fmt.Printf("  Max Backoff:   %d ms\n", cfg.Retry.MaxBackoffMS)
}
