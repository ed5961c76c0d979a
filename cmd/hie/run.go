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
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hie/internal/errors"
	"github.com/kraklabs/hie/internal/ui"
	"github.com/kraklabs/hie/pkg/ingestion"
	"github.com/kraklabs/hie/pkg/warehouse"
)

// RunOutput is the run summary shaped for JSON output.
type RunOutput struct {
	LoadRunID       string            `json:"load_run_id,omitempty"`
	Status          string            `json:"status"`
	ExitCode        int               `json:"exit_code"`
	DryRun          bool              `json:"dry_run,omitempty"`
	FilesDiscovered int               `json:"files_discovered"`
	FilesPlanned    int               `json:"files_planned"`
	Batches         int               `json:"batches"`
	FilesProcessed  int               `json:"files_processed"`
	FilesFailed     int               `json:"files_failed"`
	FilesSkipped    int               `json:"files_skipped"`
	FilesCancelled  int               `json:"files_cancelled,omitempty"`
	RowsRead        int64             `json:"rows_read"`
	RowsIngested    int64             `json:"rows_ingested"`
	RowsRejected    int64             `json:"rows_rejected"`
	RowsUpserted    int64             `json:"rows_upserted"`
	Extracts        []ExtractOutput   `json:"extracts,omitempty"`
	TopRejections   []RejectionOutput `json:"top_rejections,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	DQResults       []DQOutput        `json:"dq_results,omitempty"`
	DiscoveryMS     int64             `json:"discovery_ms"`
	LoadMS          int64             `json:"load_ms"`
	StagingMS       int64             `json:"staging_ms"`
	TotalMS         int64             `json:"total_ms"`
}

// ExtractOutput aggregates one extract type for JSON output.
type ExtractOutput struct {
	Extract           string `json:"extract"`
	Files             int    `json:"files"`
	FilesFailed       int    `json:"files_failed"`
	FilesSkipped      int    `json:"files_skipped"`
	FilesCancelled    int    `json:"files_cancelled,omitempty"`
	RowsRead          int64  `json:"rows_read"`
	RowsIngested      int64  `json:"rows_ingested"`
	RowsRejectedRaw   int64  `json:"rows_rejected_raw"`
	RowsTransformed   int64  `json:"rows_transformed"`
	RowsRejectedStage int64  `json:"rows_rejected_stage"`
	RowsUpserted      int64  `json:"rows_upserted"`
	StagingStatus     string `json:"staging_status,omitempty"`
}

// RejectionOutput is one rejection reason for JSON output.
type RejectionOutput struct {
	Extract  string `json:"extract"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
	Count    int64  `json:"count"`
}

// DQOutput is one reconciliation outcome for JSON output.
type DQOutput struct {
	Extract  string `json:"extract"`
	Check    string `json:"check"`
	Passed   bool   `json:"passed"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
	Detail   string `json:"detail,omitempty"`
}

// runRun executes the 'run' CLI command: one full pipeline pass from
// discovery through staging.
//
// The process exit code mirrors the run outcome: 0 success, 1 the run
// never started, 2 completed with failures under the threshold, 3
// failed, 130 cancelled.
func runRun(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "Discover and plan but write nothing")
	recoverRun := fs.Bool("recover", false, "Re-drive failed and stale pending files from earlier runs")
	scheduled := fs.Bool("scheduled", false, "Record the run as scheduler-triggered")
	prefix := fs.String("prefix", "", "Object key prefix (default object_store.prefix)")
	extractsCSV := fs.String("extracts", "", "Comma-separated extract types to process")
	fromStr := fs.String("from", "", "Earliest extraction date (YYYY-MM-DD or RFC 3339)")
	toStr := fs.String("to", "", "Latest extraction date, inclusive")
	order := fs.String("order", "", "Batch order: latest or backfill (default processing.order)")
	maxFiles := fs.Int("max-files", 0, "Cap on discovered files (default discovery.batch_size)")
	maxBatches := fs.Int("max-batches", 0, "Process at most this many batches (default processing.max_batches)")
	continueOnError := fs.Bool("continue-on-error", false, "Skip structurally bad rows instead of failing the file")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	timeout := fs.Duration("timeout", 0, "Per-run processing deadline (e.g. 45m); 0 = config")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hie run [options]

Description:
  Run the ingestion pipeline once: discover extract files in the
  object store, group them into delivery batches, load each file into
  the raw landing zone, then transform and upsert each extract into
  staging. Every file and every staging pass is recorded in the run
  registry; files already ingested are skipped.

  Interrupting with Ctrl-C finishes the files in flight and marks the
  rest cancelled. A second Ctrl-C aborts immediately.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Preview what a run would do, writing nothing
  hie run --dry-run

  # Ingest everything new
  hie run

  # Patients only, oldest deliveries first
  hie run --extracts patients --order backfill

  # Re-drive the failures of earlier runs
  hie run --recover

  # Nightly cron: mark the trigger, expose metrics, bound the run
  hie run --scheduled --metrics-addr :9090 --timeout 45m

Exit codes:
  0    Completed, no failures
  1    Configuration error, no run created
  2    Completed with failures under the error threshold
  3    Failed
  130  Cancelled

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *recoverRun && *scheduled {
		errors.FatalError(errors.NewInputError(
			"Conflicting trigger flags",
			"--recover and --scheduled cannot be combined",
			"A recovery pass is always recorded as recovery-triggered",
			nil,
		), globals.JSON)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	// Flags override the resolved configuration for this run only.
	if fs.Changed("max-files") {
		cfg.Discovery.BatchSize = *maxFiles
	}
	if fs.Changed("continue-on-error") {
		cfg.RawLoader.ContinueOnError = *continueOnError
	}
	if fs.Changed("timeout") {
		cfg.Processing.ProcessingTimeoutMS = timeout.Milliseconds()
	}

	if err := cfg.Validate(); err != nil {
		errors.FatalError(errors.NewConfigError(
			"Configuration is invalid",
			err.Error(),
			"Run 'hie config --validate' for detail",
			err,
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

	if *order != "" {
		if _, err := ingestion.ParsePlanMode(*order); err != nil {
			errors.FatalError(errors.NewInputError(
				"Invalid --order value",
				err.Error(),
				"Use 'latest' or 'backfill'",
				err,
			), globals.JSON)
		}
	}

	trigger := ingestion.TriggerManual
	switch {
	case *recoverRun:
		trigger = ingestion.TriggerRecovery
	case *scheduled:
		trigger = ingestion.TriggerScheduled
	}

	logger := newLogger(globals)

	// First interrupt cancels the run context so in-flight files finish
	// and the registry is finalized; a second one aborts immediately.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		ui.Warning("Interrupt received, finishing files in flight (Ctrl-C again to abort)")
		cancel()
		<-sigCh
		os.Exit(ingestion.ExitCancelled)
	}()

	var registerer prometheus.Registerer
	if *metricsAddr != "" {
		registerer = prometheus.DefaultRegisterer
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics.http.start", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics.http.error", "err", err)
			}
		}()
	}
	metrics := ingestion.NewMetrics(registerer)

	store, err := newObjectStore(ctx, cfg, logger)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Cannot connect to object store",
			err.Error(),
			"Check object_store settings in hie.yaml and your AWS credentials",
			err,
		), globals.JSON)
	}

	db, err := warehouse.Open(cfg.Database, logger)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot open warehouse connection",
			err.Error(),
			"Check database.dsn in hie.yaml",
			err,
		), globals.JSON)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Warehouse is unreachable",
			err.Error(),
			"Check the host and credentials in database.dsn; run 'hie migrate' if the schema is missing",
			err,
		), globals.JSON)
	}

	pipe, err := ingestion.NewPipeline(*cfg, store,
		warehouse.NewRegistry(db), warehouse.NewLanding(db), warehouse.NewStaging(db),
		metrics, logger)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Cannot build pipeline",
			err.Error(),
			"Run 'hie config --validate' for detail",
			err,
		), globals.JSON)
	}

	progressCfg := NewProgressConfig(globals)
	if progressCfg.Enabled {
		// Loading and staging overlap, so callbacks arrive from
		// multiple workers.
		var mu sync.Mutex
		var bar *progressbar.ProgressBar
		var phase string
		pipe.SetProgressCallback(func(current, total int64, p string) {
			mu.Lock()
			defer mu.Unlock()
			if p != phase {
				if bar != nil {
					_ = bar.Finish()
				}
				phase = p
				bar = NewProgressBar(progressCfg, total, phaseDescription(p))
			}
			if bar != nil {
				_ = bar.Set64(current)
			}
		})
	}

	result, runErr := pipe.Run(ctx, ingestion.RunOptions{
		TriggeredBy: trigger,
		Prefix:      *prefix,
		Extracts:    extracts,
		From:        from,
		To:          to,
		Mode:        ingestion.PlanMode(*order),
		MaxBatches:  *maxBatches,
		DryRun:      *dryRun,
	})
	if result == nil {
		if ingestion.KindOf(runErr) == ingestion.KindCancelled {
			ui.Warning("Cancelled before any work started")
			os.Exit(ingestion.ExitCancelled)
		}
		errors.FatalError(userErrorForRun(runErr), globals.JSON)
	}
	if runErr != nil {
		ui.Errorf("%v", runErr)
	}

	// Post-run bookkeeping survives the interrupt that may have ended
	// the run.
	var dq []warehouse.DQResult
	if !result.DryRun && result.LoadRunID != "" {
		opsCtx := context.WithoutCancel(ctx)
		ops := warehouse.NewOps(db)
		detail := fmt.Sprintf("run %s: %d/%d files processed",
			result.LoadRunID, result.FilesProcessed, result.FilesPlanned)
		if err := ops.RecordHealth(opsCtx, "pipeline", healthStatus(result), detail); err != nil {
			logger.Warn("run.health.write", "error", err)
		}
		dq, err = ops.ReconcileRun(opsCtx, result.LoadRunID)
		if err != nil {
			logger.Warn("run.reconcile", "error", err)
		}
	}

	if globals.JSON {
		encodeJSON(buildRunOutput(result, dq), globals)
	} else if !globals.Quiet {
		printRunResult(result, dq)
	}

	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
}

// userErrorForRun maps an engine error kind onto the user-facing error
// taxonomy for runs that never created a registry row.
func userErrorForRun(err error) *errors.UserError {
	switch ingestion.KindOf(err) {
	case ingestion.KindConfiguration:
		return errors.NewConfigError(
			"Run rejected",
			err.Error(),
			"Check hie.yaml and the run flags",
			err,
		)
	case ingestion.KindObjectStoreTransient, ingestion.KindObjectStoreTerminal:
		return errors.NewNetworkError(
			"Object store failure",
			err.Error(),
			"Check the bucket name, region and credentials",
			err,
		)
	case ingestion.KindDBTransient, ingestion.KindDBConstraint:
		return errors.NewDatabaseError(
			"Warehouse failure",
			err.Error(),
			"Check database.dsn and warehouse health; run 'hie migrate' if the schema is missing",
			err,
		)
	default:
		return errors.NewInternalError(
			"Run failed",
			err.Error(),
			"Re-run with --verbose for detail",
			err,
		)
	}
}

// healthStatus maps a run outcome onto the heartbeat vocabulary shared
// with downstream jobs.
func healthStatus(result *ingestion.RunResult) string {
	switch {
	case result.Status == ingestion.RunCompleted && result.ExitCode == ingestion.ExitOK:
		return "ok"
	case result.Status == ingestion.RunCompleted:
		return "degraded"
	case result.Status == ingestion.RunCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// phaseDescription labels a pipeline phase for the progress bar.
func phaseDescription(phase string) string {
	switch phase {
	case "loading":
		return "Loading raw files"
	case "staging":
		return "Staging extracts"
	default:
		return phase
	}
}

// buildRunOutput converts the engine result to its JSON form.
func buildRunOutput(result *ingestion.RunResult, dq []warehouse.DQResult) *RunOutput {
	out := &RunOutput{
		LoadRunID:       result.LoadRunID,
		Status:          string(result.Status),
		ExitCode:        result.ExitCode,
		DryRun:          result.DryRun,
		FilesDiscovered: result.FilesDiscovered,
		FilesPlanned:    result.FilesPlanned,
		Batches:         result.Batches,
		FilesProcessed:  result.FilesProcessed,
		FilesFailed:     result.FilesFailed,
		FilesSkipped:    result.FilesSkipped,
		FilesCancelled:  result.FilesCancelled,
		RowsRead:        result.RowsRead,
		RowsIngested:    result.RowsIngested,
		RowsRejected:    result.RowsRejected,
		RowsUpserted:    result.RowsUpserted,
		Warnings:        result.Warnings,
		DiscoveryMS:     result.DiscoveryDuration.Milliseconds(),
		LoadMS:          result.LoadDuration.Milliseconds(),
		StagingMS:       result.StagingDuration.Milliseconds(),
		TotalMS:         result.TotalDuration.Milliseconds(),
	}
	for _, ex := range result.Extracts {
		out.Extracts = append(out.Extracts, ExtractOutput{
			Extract:           string(ex.Extract),
			Files:             ex.Files,
			FilesFailed:       ex.FilesFailed,
			FilesSkipped:      ex.FilesSkipped,
			FilesCancelled:    ex.FilesCancelled,
			RowsRead:          ex.RowsRead,
			RowsIngested:      ex.RowsIngested,
			RowsRejectedRaw:   ex.RowsRejectedRaw,
			RowsTransformed:   ex.RowsTransformed,
			RowsRejectedStage: ex.RowsRejectedStage,
			RowsUpserted:      ex.RowsUpserted,
			StagingStatus:     string(ex.StagingStatus),
		})
	}
	for _, r := range result.TopRejections {
		out.TopRejections = append(out.TopRejections, RejectionOutput{
			Extract:  string(r.Extract),
			Category: string(r.Category),
			Reason:   r.Reason,
			Count:    r.Count,
		})
	}
	for _, d := range dq {
		out.DQResults = append(out.DQResults, DQOutput{
			Extract:  string(d.Extract),
			Check:    d.Check,
			Passed:   d.Passed,
			Expected: d.Expected,
			Actual:   d.Actual,
			Detail:   d.Detail,
		})
	}
	return out
}

// statusText colors a run status for terminal output.
func statusText(s ingestion.RunStatus) string {
	switch s {
	case ingestion.RunCompleted:
		return ui.Green(string(s))
	case ingestion.RunFailed:
		return ui.Red(string(s))
	case ingestion.RunCancelled:
		return ui.Yellow(string(s))
	default:
		return string(s)
	}
}

// printRunResult prints the run summary in human-readable format.
func printRunResult(result *ingestion.RunResult, dq []warehouse.DQResult) {
	if result.DryRun {
		ui.Header("Dry Run Plan")
	} else {
		ui.Header("Run Summary")
	}
	if result.LoadRunID != "" {
		fmt.Printf("%s   %s\n", ui.Label("Run ID:"), result.LoadRunID)
	}
	fmt.Printf("%s   %s\n", ui.Label("Status:"), statusText(result.Status))
	fmt.Printf("%s %s\n", ui.Label("Duration:"), ui.DimText(result.TotalDuration.Round(time.Millisecond).String()))

	ui.SubHeader("Files:")
	fmt.Printf("  Discovered:  %s\n", ui.CountText(result.FilesDiscovered))
	fmt.Printf("  Planned:     %s in %d batches\n", ui.CountText(result.FilesPlanned), result.Batches)
	if !result.DryRun {
		fmt.Printf("  Processed:   %s\n", ui.CountText(result.FilesProcessed))
		if result.FilesSkipped > 0 {
			fmt.Printf("  Skipped:     %s %s\n", ui.CountText(result.FilesSkipped), ui.DimText("(already ingested)"))
		}
		if result.FilesFailed > 0 {
			fmt.Printf("  Failed:      %s\n", ui.Red(fmt.Sprintf("%d", result.FilesFailed)))
		}
		if result.FilesCancelled > 0 {
			fmt.Printf("  Cancelled:   %s\n", ui.Yellow(fmt.Sprintf("%d", result.FilesCancelled)))
		}
	}

	if !result.DryRun && result.FilesProcessed+result.FilesFailed > 0 {
		ui.SubHeader("Rows:")
		fmt.Printf("  Read:        %d\n", result.RowsRead)
		fmt.Printf("  Ingested:    %d\n", result.RowsIngested)
		fmt.Printf("  Rejected:    %d\n", result.RowsRejected)
		fmt.Printf("  Upserted:    %d\n", result.RowsUpserted)
	}

	if len(result.Extracts) > 0 {
		ui.SubHeader("Extracts:")
		for _, ex := range result.Extracts {
			if result.DryRun {
				fmt.Printf("  %-14s %d files\n", ex.Extract, ex.Files)
				continue
			}
			line := fmt.Sprintf("  %-14s %d files, %d read, %d ingested, %d upserted",
				ex.Extract, ex.Files, ex.RowsRead, ex.RowsIngested, ex.RowsUpserted)
			if ex.FilesFailed > 0 {
				line += ", " + ui.Red(fmt.Sprintf("%d failed", ex.FilesFailed))
			}
			if ex.StagingStatus == ingestion.RunFailed {
				line += ", staging " + ui.Red("failed")
			}
			fmt.Println(line)
		}
	}

	if !result.DryRun {
		ui.SubHeader("Timing:")
		fmt.Printf("  Discovery:   %s\n", ui.DimText(result.DiscoveryDuration.Round(time.Millisecond).String()))
		fmt.Printf("  Loading:     %s\n", ui.DimText(result.LoadDuration.Round(time.Millisecond).String()))
		fmt.Printf("  Staging:     %s\n", ui.DimText(result.StagingDuration.Round(time.Millisecond).String()))
	}

	if len(result.TopRejections) > 0 {
		ui.SubHeader("Top rejection reasons:")
		for _, r := range result.TopRejections {
			fmt.Printf("  %6d  %-14s %s %s\n",
				r.Count, r.Extract, r.Reason, ui.DimText("("+string(r.Category)+")"))
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Println()
		for _, w := range result.Warnings {
			ui.Warning(w)
		}
	}

	dqFailures := 0
	for _, d := range dq {
		if !d.Passed {
			dqFailures++
			ui.Warningf("Reconciliation %s/%s: expected %d rows, found %d. %s",
				d.Extract, d.Check, d.Expected, d.Actual, d.Detail)
		}
	}
	if len(dq) > 0 && dqFailures == 0 {
		fmt.Println()
		ui.Success("Reconciliation checks passed")
	}
}
