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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hie/internal/errors"
	"github.com/kraklabs/hie/internal/ui"
	"github.com/kraklabs/hie/pkg/ingestion"
	"github.com/kraklabs/hie/pkg/objstore"
)

// DiscoverResult is the plan preview shaped for JSON output.
type DiscoverResult struct {
	Bucket     string        `json:"bucket"`
	Prefix     string        `json:"prefix"`
	Order      string        `json:"order"`
	TotalFiles int           `json:"total_files"`
	Batches    []BatchOutput `json:"batches"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// BatchOutput is one delivery batch in the plan preview.
type BatchOutput struct {
	ID            string       `json:"id"`
	DateExtracted time.Time    `json:"date_extracted"`
	Complete      bool         `json:"complete"`
	TotalBytes    int64        `json:"total_bytes"`
	Extracts      []string     `json:"extracts"`
	Files         []FileOutput `json:"files"`
}

// FileOutput is one candidate object in the plan preview.
type FileOutput struct {
	Key           string    `json:"key"`
	Extract       string    `json:"extract"`
	PerOrgID      string    `json:"per_org_id"`
	PracticeID    string    `json:"practice_id"`
	DateExtracted time.Time `json:"date_extracted"`
	FullLoad      bool      `json:"full_load"`
	SizeBytes     int64     `json:"size_bytes"`
	VersionID     string    `json:"version_id,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
}

// runDiscover executes the 'discover' CLI command: list the candidate
// objects under the configured prefix and show the plan a run would
// process them in.
//
// Discovery is read-only. It never touches the run registry, so it is
// always safe to point at a live bucket.
func runDiscover(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	prefix := fs.String("prefix", "", "Object key prefix (default object_store.prefix)")
	extractsCSV := fs.String("extracts", "", "Comma-separated extract types to include")
	fromStr := fs.String("from", "", "Earliest extraction date (YYYY-MM-DD or RFC 3339)")
	toStr := fs.String("to", "", "Latest extraction date, inclusive")
	maxFiles := fs.Int("max-files", 0, "Cap on discovered files (default discovery.batch_size)")
	order := fs.String("order", "", "Batch order: latest or backfill (default processing.order)")
	maxBatches := fs.Int("max-batches", 0, "Keep only this many batches, 0 = all (default processing.max_batches)")
	validateHashes := fs.Bool("validate-hashes", false, "Stream content hashes instead of trusting ETags")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hie discover [options]

Description:
  List the extract files waiting in the object store and the order a
  run would process them in: grouped into delivery batches by their
  extraction stamp, priority extracts first within each batch.

  Discovery is read-only. Nothing is claimed, loaded or recorded, so
  discover is safe to run against a live bucket at any time. Note that
  already-processed files still appear here; the idempotency gate
  skips them at run time, not at discovery time.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Preview what the next run would process
  hie discover

  # Only patients and appointments extracted in August
  hie discover --extracts patients,appointments --from 2025-08-01 --to 2025-08-31

  # Oldest deliveries first, two batches at a time
  hie discover --order backfill --max-batches 2

  # JSON for scripting
  hie discover --json | jq -r '.batches[].id'

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if cfg.ObjectStore.Bucket == "" {
		errors.FatalError(errors.NewConfigError(
			"Object store bucket is not configured",
			"discover needs a bucket to list",
			"Set object_store.bucket in hie.yaml or export HIE_BUCKET",
			nil,
		), globals.JSON)
	}

	loc, err := cfg.Location()
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Invalid timezone",
			err.Error(),
			"Set timezone in hie.yaml to an IANA zone name such as Pacific/Auckland",
			err,
		), globals.JSON)
	}

	from, err := parseDateFlag(*fromStr, loc, false)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Invalid --from value",
			err.Error(),
			"Use YYYY-MM-DD or an RFC 3339 timestamp",
			err,
		), globals.JSON)
	}
	to, err := parseDateFlag(*toStr, loc, true)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Invalid --to value",
			err.Error(),
			"Use YYYY-MM-DD or an RFC 3339 timestamp",
			err,
		), globals.JSON)
	}

	extracts, err := parseExtractsFlag(*extractsCSV)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Unknown extract type",
			err.Error(),
			fmt.Sprintf("Valid extracts: %s", strings.Join(extractNames(), ", ")),
			err,
		), globals.JSON)
	}

	// Flags fall back to the config when not given explicitly.
	if *prefix == "" {
		*prefix = cfg.ObjectStore.Prefix
	}
	if *order == "" {
		*order = cfg.Processing.Order
	}
	if !fs.Changed("max-files") {
		*maxFiles = cfg.Discovery.BatchSize
	}
	if !fs.Changed("max-batches") {
		*maxBatches = cfg.Processing.MaxBatches
	}
	if !fs.Changed("validate-hashes") {
		*validateHashes = cfg.Discovery.ValidateHashes
	}

	priority, err := cfg.Processing.Priority()
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Invalid priority_extracts",
			err.Error(),
			"Fix processing.priority_extracts in hie.yaml",
			err,
		), globals.JSON)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(globals)
	store, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Cannot connect to object store",
			err.Error(),
			"Check object_store settings in hie.yaml and your AWS credentials",
			err,
		), globals.JSON)
	}

	parser, err := newFilenameParser(cfg)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	disc := ingestion.NewDiscoverer(store, cfg.ObjectStore.Bucket, parser, logger)

	files, err := disc.Discover(ctx, ingestion.DiscoverOptions{
		Prefix:         *prefix,
		Extracts:       extracts,
		From:           from,
		To:             to,
		MaxFiles:       *maxFiles,
		ExcludeGlobs:   cfg.Discovery.ExcludeGlobs,
		ValidateHashes: *validateHashes,
	})
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Object store listing failed",
			err.Error(),
			"Check the bucket name, region and credentials; re-run with --verbose for detail",
			err,
		), globals.JSON)
	}

	plan, err := ingestion.Plan(files, ingestion.PlanOptions{
		Mode:       ingestion.PlanMode(*order),
		MaxBatches: *maxBatches,
		Priority:   priority,
	})
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Cannot build processing plan",
			err.Error(),
			"Check --order and --max-batches",
			err,
		), globals.JSON)
	}

	result := buildDiscoverResult(cfg.ObjectStore.Bucket, *prefix, *order, plan)

	if globals.JSON {
		encodeJSON(result, globals)
		return
	}
	printDiscoverHuman(result)
}

// buildDiscoverResult converts the engine plan to its display form.
func buildDiscoverResult(bucket, prefix, order string, plan *ingestion.ProcessingPlan) *DiscoverResult {
	result := &DiscoverResult{
		Bucket:     bucket,
		Prefix:     prefix,
		Order:      order,
		TotalFiles: plan.TotalFiles,
		Batches:    make([]BatchOutput, 0, len(plan.Batches)),
		Warnings:   plan.Warnings,
	}
	for _, b := range plan.Batches {
		batch := BatchOutput{
			ID:            b.ID,
			DateExtracted: b.DateExtracted,
			Complete:      b.Complete,
			TotalBytes:    b.TotalBytes,
			Extracts:      make([]string, 0, len(b.Extracts)),
			Files:         make([]FileOutput, 0, len(b.Files)),
		}
		for _, e := range b.Extracts {
			batch.Extracts = append(batch.Extracts, string(e))
		}
		for _, f := range b.Files {
			batch.Files = append(batch.Files, FileOutput{
				Key:           f.Key(),
				Extract:       string(f.Parsed.Extract),
				PerOrgID:      f.Parsed.PerOrgID,
				PracticeID:    f.Parsed.PracticeID,
				DateExtracted: f.Parsed.DateExtracted,
				FullLoad:      f.Parsed.FullLoad,
				SizeBytes:     f.Meta.Size,
				VersionID:     f.Meta.VersionID,
				ContentHash:   f.ContentHash,
			})
		}
		result.Batches = append(result.Batches, batch)
	}
	return result
}

// printDiscoverHuman prints the plan preview in human-readable format.
func printDiscoverHuman(result *DiscoverResult) {
	ui.Header("Discovery Plan")
	fmt.Printf("%s  %s\n", ui.Label("Bucket:"), result.Bucket)
	fmt.Printf("%s  %s\n", ui.Label("Prefix:"), result.Prefix)
	fmt.Printf("%s   %s\n", ui.Label("Order:"), result.Order)
	fmt.Printf("%s   %s in %s\n", ui.Label("Found:"),
		ui.CountText(result.TotalFiles),
		fmt.Sprintf("%d batches", len(result.Batches)))

	if result.TotalFiles == 0 {
		fmt.Println()
		ui.Info("Nothing to process")
		return
	}

	for _, b := range result.Batches {
		marker := ""
		if !b.Complete {
			marker = " " + ui.Yellow("(incomplete)")
		}
		ui.SubHeader(fmt.Sprintf("Batch %s  %s  %s%s:",
			b.ID,
			b.DateExtracted.Format("2006-01-02 15:04"),
			formatBytes(b.TotalBytes),
			marker))
		for _, f := range b.Files {
			kind := "delta"
			if f.FullLoad {
				kind = "full"
			}
			fmt.Printf("  %-14s %-6s %10s  %s\n",
				f.Extract, kind, formatBytes(f.SizeBytes), ui.DimText(f.Key))
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Println()
		for _, w := range result.Warnings {
			ui.Warning(w)
		}
	}
}

// newObjectStore wires the S3 store from the resolved configuration.
// Credentials come from the AWS default chain; the config never carries
// them.
func newObjectStore(ctx context.Context, cfg *ingestion.Config, logger *slog.Logger) (*objstore.S3Store, error) {
	return objstore.NewS3Store(ctx, objstore.S3Config{
		Bucket:      cfg.ObjectStore.Bucket,
		Region:      cfg.ObjectStore.Region,
		Endpoint:    cfg.ObjectStore.Endpoint,
		MaxAttempts: cfg.ObjectStore.RetryAttempts,
		Timeout:     cfg.ObjectStore.Timeout(),
	}, logger)
}

// newFilenameParser wires the naming-convention parser from the
// resolved configuration.
func newFilenameParser(cfg *ingestion.Config) (*ingestion.FilenameParser, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, errors.NewConfigError(
			"Invalid timezone",
			err.Error(),
			"Set timezone in hie.yaml to an IANA zone name such as Pacific/Auckland",
			err,
		)
	}
	window := ingestion.DefaultFullLoadWindow
	if cfg.Discovery.FullLoadWindowDays > 0 {
		window = time.Duration(cfg.Discovery.FullLoadWindowDays) * 24 * time.Hour
	}
	return ingestion.NewFilenameParser(loc, ingestion.WindowFullLoad(window)), nil
}

// parseExtractsFlag splits a comma-separated extract list and resolves
// each name against the registry.
func parseExtractsFlag(csv string) ([]ingestion.ExtractType, error) {
	if csv == "" {
		return nil, nil
	}
	var out []ingestion.ExtractType
	for _, name := range strings.Split(csv, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		e, err := ingestion.ParseExtractType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// extractNames lists every recognized extract type for error messages.
func extractNames() []string {
	types := ingestion.AllExtractTypes()
	names := make([]string, 0, len(types))
	for _, e := range types {
		names = append(names, string(e))
	}
	return names
}

// parseDateFlag accepts YYYY-MM-DD or RFC 3339. Date-only values mark
// midnight in the configured timezone; when end is true they roll to
// the last second of the day, so --to covers the whole day named.
func parseDateFlag(s string, loc *time.Location, end bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		if end {
			t = t.AddDate(0, 0, 1).Add(-time.Second)
		}
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC 3339)", s)
	}
	return t, nil
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
