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

package ingestion

import (
	"fmt"
	"time"
)

// Config is the full configuration document for the ingestion engine.
// It is loaded from hie.yaml, overridden by environment variables,
// then by command-line flags, in that order.
type Config struct {
	// Version guards against stale config files after breaking
	// changes to this schema.
	Version string `yaml:"version" env:"HIE_CONFIG_VERSION"`

	// Timezone interprets the date stamps embedded in filenames and
	// feed values. IANA name, e.g. "Pacific/Auckland".
	Timezone string `yaml:"timezone" env:"HIE_TIMEZONE"`

	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Database    DatabaseConfig    `yaml:"database"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Processing  ProcessingConfig  `yaml:"processing"`
	RawLoader   RawLoaderConfig   `yaml:"raw_loader"`
	Staging     StagingConfig     `yaml:"staging"`
	Retry       RetryConfig       `yaml:"retry"`
}

// ConfigVersion is the schema version this build reads and writes.
const ConfigVersion = "1"

// ObjectStoreConfig locates the bucket the extract feed lands in.
type ObjectStoreConfig struct {
	Bucket string `yaml:"bucket" env:"HIE_BUCKET"`
	Region string `yaml:"region" env:"AWS_REGION"`

	// Prefix under which extract objects are delivered.
	Prefix string `yaml:"prefix" env:"HIE_PREFIX"`

	// Endpoint overrides the S3 endpoint for MinIO or localstack.
	Endpoint string `yaml:"endpoint" env:"HIE_S3_ENDPOINT"`

	// MaxConcurrency caps simultaneous store operations.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RetryAttempts caps retries of transient store failures.
	RetryAttempts int `yaml:"retry_attempts"`

	TimeoutMS int64 `yaml:"timeout_ms"`
}

// Timeout bounds individual metadata calls against the store.
func (c ObjectStoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// DatabaseConfig locates the warehouse.
type DatabaseConfig struct {
	// DSN is a lib/pq connection string or postgres:// URL.
	DSN string `yaml:"dsn" env:"HIE_DB_DSN"`

	MaxOpenConns      int   `yaml:"max_open_conns"`
	MaxIdleConns      int   `yaml:"max_idle_conns"`
	ConnMaxLifetimeMS int64 `yaml:"conn_max_lifetime_ms"`
}

// ConnMaxLifetime converts the configured lifetime.
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMS) * time.Millisecond
}

// DiscoveryConfig tunes candidate enumeration.
type DiscoveryConfig struct {
	// BatchSize caps how many files one discovery pass returns.
	BatchSize int `yaml:"batch_size"`

	// MaxFilesPerBatch flags batches larger than the expected
	// practice count; oversized batches usually mean misparsed names.
	MaxFilesPerBatch int `yaml:"max_files_per_batch"`

	// ValidateHashes streams every candidate through the engine's own
	// content hash instead of trusting ETags.
	ValidateHashes bool `yaml:"validate_hashes" env:"HIE_VALIDATE_HASHES"`

	// ExcludeGlobs skip matching object keys.
	ExcludeGlobs []string `yaml:"exclude_globs"`

	// FullLoadWindowDays is the extraction window at or above which a
	// file counts as a full load rather than a delta.
	FullLoadWindowDays int `yaml:"full_load_window_days"`
}

// ProcessingConfig tunes the orchestrator.
type ProcessingConfig struct {
	// PriorityExtracts processed first within each batch. Empty uses
	// the built-in priority list.
	PriorityExtracts []string `yaml:"priority_extracts"`

	// MaxConcurrentFiles is the raw-load worker pool size.
	MaxConcurrentFiles int `yaml:"max_concurrent_files" env:"HIE_MAX_CONCURRENT_FILES"`

	// ProcessingTimeoutMS is the per-run deadline. Zero disables it.
	ProcessingTimeoutMS int64 `yaml:"processing_timeout_ms"`

	// Order selects batch ordering: latest or backfill.
	Order string `yaml:"order" env:"HIE_ORDER"`

	// MaxBatches truncates the plan after ordering. Zero = unlimited.
	MaxBatches int `yaml:"max_batches"`
}

// ProcessingTimeout converts the per-run deadline.
func (c ProcessingConfig) ProcessingTimeout() time.Duration {
	return time.Duration(c.ProcessingTimeoutMS) * time.Millisecond
}

// RawLoaderConfig tunes landing-zone loading.
type RawLoaderConfig struct {
	// BatchSize is rows per landing insert transaction.
	BatchSize int `yaml:"batch_size"`

	// MaxMemoryMB bounds loader buffers; the per-row size cap is
	// derived from it.
	MaxMemoryMB int `yaml:"max_memory_mb"`

	// ContinueOnError skips structurally bad rows instead of failing
	// the file.
	ContinueOnError bool `yaml:"continue_on_error" env:"HIE_CONTINUE_ON_ERROR"`

	// ErrorThreshold is the failed-file ratio (0..1) beyond which the
	// whole run is marked failed.
	ErrorThreshold float64 `yaml:"error_threshold"`
}

// StagingConfig tunes typed transformation.
type StagingConfig struct {
	// BatchSize is rows per upsert transaction.
	BatchSize int `yaml:"batch_size"`

	// MaxConcurrentTransforms is the staging worker pool size.
	MaxConcurrentTransforms int `yaml:"max_concurrent_transforms" env:"HIE_MAX_CONCURRENT_TRANSFORMS"`

	EnableTypeCoercion bool `yaml:"enable_type_coercion"`

	// DateFormat and TimestampFormat are Go reference layouts for the
	// feed's date and timestamp renderings.
	DateFormat      string `yaml:"date_format"`
	TimestampFormat string `yaml:"timestamp_format"`

	// DecimalPrecision fixes the scale decimals are rendered at.
	DecimalPrecision int `yaml:"decimal_precision"`

	TrimStrings         bool `yaml:"trim_strings"`
	NullifyEmptyStrings bool `yaml:"nullify_empty_strings"`

	// RejectInvalidRows diverts failed rows to the reject store. When
	// false a failed row fails its batch instead.
	RejectInvalidRows bool `yaml:"reject_invalid_rows"`

	// MaxErrorsPerBatch aborts a batch collecting more rejects than
	// this; MaxTotalErrors aborts the whole extract.
	MaxErrorsPerBatch int `yaml:"max_errors_per_batch"`
	MaxTotalErrors    int `yaml:"max_total_errors"`
}

// Coercion maps the staging options onto the row coercer.
func (c StagingConfig) Coercion(loc *time.Location) CoercionConfig {
	if loc == nil {
		loc = time.UTC
	}
	return CoercionConfig{
		EnableTypeCoercion: c.EnableTypeCoercion,
		DateFormat:         c.DateFormat,
		TimestampFormat:    c.TimestampFormat,
		DecimalPrecision:   c.DecimalPrecision,
		TrimStrings:        c.TrimStrings,
		NullifyEmpty:       c.NullifyEmptyStrings,
		Location:           loc,
	}
}

// RetryConfig controls retry behavior for transient failures.
type RetryConfig struct {
	MaxRetries   int     `yaml:"max_retries" env:"HIE_MAX_RETRIES"`
	RetryDelayMS int64   `yaml:"retry_delay_ms"`
	MaxBackoffMS int64   `yaml:"max_backoff_ms"`
	Multiplier   float64 `yaml:"multiplier"`
}

// Backoff returns the wait before retry number attempt (0-based):
// delay * multiplier^attempt, capped at the configured maximum.
func (r RetryConfig) Backoff(attempt int) time.Duration {
	delay := float64(r.RetryDelayMS)
	for i := 0; i < attempt; i++ {
		delay *= r.Multiplier
	}
	max := float64(r.MaxBackoffMS)
	if max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay) * time.Millisecond
}

// DefaultConfig returns the engine defaults; Load starts from these and
// lets the file, environment, and flags override.
func DefaultConfig() Config {
	return Config{
		Version:  ConfigVersion,
		Timezone: "Pacific/Auckland",
		ObjectStore: ObjectStoreConfig{
			Prefix:         "incoming/",
			MaxConcurrency: 5,
			RetryAttempts:  3,
			TimeoutMS:      30_000,
		},
		Database: DatabaseConfig{
			MaxOpenConns:      10,
			MaxIdleConns:      5,
			ConnMaxLifetimeMS: 30 * 60 * 1000,
		},
		Discovery: DiscoveryConfig{
			BatchSize:          500,
			MaxFilesPerBatch:   64,
			ValidateHashes:     false,
			FullLoadWindowDays: 90,
		},
		Processing: ProcessingConfig{
			MaxConcurrentFiles: 5,
			Order:              string(ModeLatest),
		},
		RawLoader: RawLoaderConfig{
			BatchSize:       1000,
			MaxMemoryMB:     256,
			ContinueOnError: true,
			ErrorThreshold:  0.10,
		},
		Staging: StagingConfig{
			BatchSize:               1000,
			MaxConcurrentTransforms: 3,
			EnableTypeCoercion:      true,
			DateFormat:              "2006-01-02",
			TimestampFormat:         "2006-01-02 15:04:05",
			DecimalPrecision:        2,
			TrimStrings:             true,
			NullifyEmptyStrings:     true,
			RejectInvalidRows:       true,
			MaxErrorsPerBatch:       100,
			MaxTotalErrors:          1000,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			RetryDelayMS: 500,
			MaxBackoffMS: 30_000,
			Multiplier:   2.0,
		},
	}
}

// Location resolves the configured timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, E(KindConfiguration, "config.timezone", err)
	}
	return loc, nil
}

// Priority resolves the configured priority extracts, falling back to
// the built-in list.
func (c ProcessingConfig) Priority() ([]ExtractType, error) {
	if len(c.PriorityExtracts) == 0 {
		return DefaultPriorityExtracts, nil
	}
	out := make([]ExtractType, 0, len(c.PriorityExtracts))
	for _, name := range c.PriorityExtracts {
		e, err := ParseExtractType(name)
		if err != nil {
			return nil, E(KindConfiguration, "config.priority_extracts", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Validate checks the whole document. Every failure is a
// Configuration-kind error: the engine refuses to create a run on any
// of them.
func (c Config) Validate() error {
	if c.Version != "" && c.Version != ConfigVersion {
		return E(KindConfiguration, "config.version",
			fmt.Errorf("unsupported config version %q (this build reads %q)", c.Version, ConfigVersion))
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	if c.ObjectStore.Bucket == "" {
		return E(KindConfiguration, "config.object_store",
			fmt.Errorf("object_store.bucket is required"))
	}
	if c.ObjectStore.MaxConcurrency <= 0 {
		return E(KindConfiguration, "config.object_store",
			fmt.Errorf("object_store.max_concurrency must be > 0"))
	}
	if c.ObjectStore.RetryAttempts < 0 {
		return E(KindConfiguration, "config.object_store",
			fmt.Errorf("object_store.retry_attempts must be >= 0"))
	}

	if c.Database.DSN == "" {
		return E(KindConfiguration, "config.database",
			fmt.Errorf("database.dsn is required"))
	}

	if c.Discovery.BatchSize <= 0 {
		return E(KindConfiguration, "config.discovery",
			fmt.Errorf("discovery.batch_size must be > 0"))
	}
	if c.Discovery.FullLoadWindowDays <= 0 {
		return E(KindConfiguration, "config.discovery",
			fmt.Errorf("discovery.full_load_window_days must be > 0"))
	}

	if _, err := c.Processing.Priority(); err != nil {
		return err
	}
	if _, err := ParsePlanMode(c.Processing.Order); err != nil {
		return err
	}
	if c.Processing.MaxConcurrentFiles <= 0 {
		return E(KindConfiguration, "config.processing",
			fmt.Errorf("processing.max_concurrent_files must be > 0"))
	}
	if c.Processing.MaxBatches < 0 {
		return E(KindConfiguration, "config.processing",
			fmt.Errorf("processing.max_batches must be >= 0"))
	}

	if c.RawLoader.BatchSize <= 0 {
		return E(KindConfiguration, "config.raw_loader",
			fmt.Errorf("raw_loader.batch_size must be > 0"))
	}
	if c.RawLoader.MaxMemoryMB <= 0 {
		return E(KindConfiguration, "config.raw_loader",
			fmt.Errorf("raw_loader.max_memory_mb must be > 0"))
	}
	if c.RawLoader.ErrorThreshold < 0 || c.RawLoader.ErrorThreshold > 1 {
		return E(KindConfiguration, "config.raw_loader",
			fmt.Errorf("raw_loader.error_threshold must be within [0, 1]"))
	}

	if c.Staging.BatchSize <= 0 {
		return E(KindConfiguration, "config.staging",
			fmt.Errorf("staging.batch_size must be > 0"))
	}
	if c.Staging.MaxConcurrentTransforms <= 0 {
		return E(KindConfiguration, "config.staging",
			fmt.Errorf("staging.max_concurrent_transforms must be > 0"))
	}
	if c.Staging.DecimalPrecision < 0 || c.Staging.DecimalPrecision > 12 {
		return E(KindConfiguration, "config.staging",
			fmt.Errorf("staging.decimal_precision must be within [0, 12]"))
	}
	if c.Staging.MaxErrorsPerBatch <= 0 || c.Staging.MaxTotalErrors <= 0 {
		return E(KindConfiguration, "config.staging",
			fmt.Errorf("staging error caps must be > 0"))
	}
	if c.Staging.MaxErrorsPerBatch > c.Staging.MaxTotalErrors {
		return E(KindConfiguration, "config.staging",
			fmt.Errorf("staging.max_errors_per_batch exceeds max_total_errors"))
	}

	if c.Retry.MaxRetries < 0 {
		return E(KindConfiguration, "config.retry",
			fmt.Errorf("retry.max_retries must be >= 0"))
	}
	if c.Retry.RetryDelayMS < 0 {
		return E(KindConfiguration, "config.retry",
			fmt.Errorf("retry.retry_delay_ms must be >= 0"))
	}
	if c.Retry.Multiplier < 1 {
		return E(KindConfiguration, "config.retry",
			fmt.Errorf("retry.multiplier must be >= 1"))
	}

	// The pool services both worker pools plus the registry; anything
	// smaller can deadlock under full fan-out.
	floor := c.Processing.MaxConcurrentFiles + c.Staging.MaxConcurrentTransforms + 1
	if c.Database.MaxOpenConns <= floor {
		return E(KindConfiguration, "config.database",
			fmt.Errorf("database.max_open_conns must exceed raw workers + staging workers + 1 (need > %d, got %d)",
				floor, c.Database.MaxOpenConns))
	}

	return nil
}
