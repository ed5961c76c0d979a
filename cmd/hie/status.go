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
	stderrors "errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hie/internal/errors"
	"github.com/kraklabs/hie/internal/ui"
	"github.com/kraklabs/hie/pkg/ingestion"
	"github.com/kraklabs/hie/pkg/warehouse"
)

// StatusResult lists recent runs and component health for JSON output.
type StatusResult struct {
	Runs   []RunRow       `json:"runs"`
	Health []HealthOutput `json:"health,omitempty"`
}

// RunRow is one registry run for JSON output.
type RunRow struct {
	ID           string     `json:"id"`
	TriggeredBy  string     `json:"triggered_by"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
	RowsIngested int64      `json:"rows_ingested"`
	RowsRejected int64      `json:"rows_rejected"`
	Notes        string     `json:"notes,omitempty"`
}

// HealthOutput is one component heartbeat for JSON output.
type HealthOutput struct {
	Component  string    `json:"component"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RunDetail is the full view of one run for JSON output.
type RunDetail struct {
	Run           RunRow            `json:"run"`
	Extracts      []ExtractOutput   `json:"extracts,omitempty"`
	Files         []FileRow         `json:"files,omitempty"`
	StagingRuns   []StagingRow      `json:"staging_runs,omitempty"`
	TopRejections []RejectionOutput `json:"top_rejections,omitempty"`
}

// FileRow is one file attempt for JSON output.
type FileRow struct {
	ObjectKey    string     `json:"object_key"`
	Extract      string     `json:"extract"`
	PracticeID   string     `json:"practice_id"`
	Status       string     `json:"status"`
	RowsRead     int64      `json:"rows_read"`
	RowsIngested int64      `json:"rows_ingested"`
	RowsRejected int64      `json:"rows_rejected"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StagingRow is one staging pass for JSON output.
type StagingRow struct {
	Extract         string `json:"extract"`
	Status          string `json:"status"`
	RowsRead        int64  `json:"rows_read"`
	RowsTransformed int64  `json:"rows_transformed"`
	RowsRejected    int64  `json:"rows_rejected"`
	RowsUpserted    int64  `json:"rows_upserted"`
	ErrorDetail     string `json:"error_detail,omitempty"`
}

// runStatus executes the 'status' CLI command: recent load runs from
// the registry, or the full record of one run with --run.
func runStatus(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runID := fs.String("run", "", "Show the full record of one load run")
	limit := fs.Int("limit", 10, "How many recent runs to list")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hie status [options]

Description:
  Read the run registry: the most recent load runs with their status
  and row counts, plus the latest heartbeat of each pipeline
  component. With --run, the complete record of one run: every file
  attempt, every staging pass, and the top rejection reasons.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # The last ten runs
  hie status

  # More history
  hie status --limit 50

  # Everything the registry knows about one run
  hie status --run 6b4e9d0a-8f2c-4f0e-9e2a-1c7d1b3f5a90

  # The id of the newest run, for scripting
  hie status --json | jq -r '.runs[0].id'

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if cfg.Database.DSN == "" {
		errors.FatalError(errors.NewConfigError(
			"Warehouse DSN is not configured",
			"status reads the run registry from the warehouse",
			"Set database.dsn in hie.yaml or export HIE_DB_DSN",
			nil,
		), globals.JSON)
	}

	logger := newLogger(globals)
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

	ctx := context.Background()
	registry := warehouse.NewRegistry(db)

	if *runID != "" {
		showRunDetail(ctx, registry, *runID, globals)
		return
	}

	runs, err := registry.RecentLoadRuns(ctx, *limit)
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot read the run registry",
			err.Error(),
			"Run 'hie migrate' if the schema is missing",
			err,
		), globals.JSON)
	}

	// Heartbeats are advisory; a missing etl.health table must not
	// break status on an older schema.
	health, err := warehouse.NewOps(db).LatestHealth(ctx)
	if err != nil {
		logger.Warn("status.health.read", "error", err)
		health = nil
	}

	result := &StatusResult{Runs: make([]RunRow, 0, len(runs))}
	for _, run := range runs {
		result.Runs = append(result.Runs, runRow(run))
	}
	for _, h := range health {
		result.Health = append(result.Health, HealthOutput{
			Component:  h.Component,
			Status:     h.Status,
			Detail:     h.Detail,
			RecordedAt: h.RecordedAt,
		})
	}

	if globals.JSON {
		encodeJSON(result, globals)
		return
	}
	printStatusList(result)
}

// showRunDetail renders the complete record of one load run.
func showRunDetail(ctx context.Context, registry *warehouse.Registry, runID string, globals GlobalFlags) {
	summary, err := registry.RunSummary(ctx, runID)
	if err != nil {
		if stderrors.Is(err, ingestion.ErrNotFound) {
			errors.FatalError(errors.NewInputError(
				"Run not found",
				fmt.Sprintf("no load run with id %s", runID),
				"List known runs with 'hie status'",
				err,
			), globals.JSON)
		}
		errors.FatalError(errors.NewDatabaseError(
			"Cannot read the run registry",
			err.Error(),
			"Run 'hie migrate' if the schema is missing",
			err,
		), globals.JSON)
	}

	detail := buildRunDetail(summary)
	if globals.JSON {
		encodeJSON(detail, globals)
		return
	}
	printRunDetail(detail)
}

// buildRunDetail converts the registry read model to its display form.
func buildRunDetail(summary *ingestion.RunSummary) *RunDetail {
	detail := &RunDetail{Run: runRow(summary.Run)}

	for _, ex := range aggregateExtracts(summary.Files, summary.StagingRuns) {
		detail.Extracts = append(detail.Extracts, ExtractOutput{
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
	for _, f := range summary.Files {
		detail.Files = append(detail.Files, FileRow{
			ObjectKey:    f.ObjectKey,
			Extract:      string(f.Extract),
			PracticeID:   f.PracticeID,
			Status:       string(f.Status),
			RowsRead:     f.RowsRead,
			RowsIngested: f.RowsIngested,
			RowsRejected: f.RowsRejected,
			ErrorDetail:  f.ErrorDetail,
			CompletedAt:  f.CompletedAt,
		})
	}
	for _, s := range summary.StagingRuns {
		detail.StagingRuns = append(detail.StagingRuns, StagingRow{
			Extract:         string(s.Extract),
			Status:          string(s.Status),
			RowsRead:        s.RowsRead,
			RowsTransformed: s.RowsTransformed,
			RowsRejected:    s.RowsRejected,
			RowsUpserted:    s.RowsUpserted,
			ErrorDetail:     s.ErrorDetail,
		})
	}
	for _, r := range summary.TopRejections {
		detail.TopRejections = append(detail.TopRejections, RejectionOutput{
			Extract:  string(r.Extract),
			Category: string(r.Category),
			Reason:   r.Reason,
			Count:    r.Count,
		})
	}
	return detail
}

// runRow converts one registry run to its display form.
func runRow(run *ingestion.LoadRun) RunRow {
	row := RunRow{
		ID:           run.ID,
		TriggeredBy:  string(run.TriggeredBy),
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		RowsIngested: run.RowsIngested,
		RowsRejected: run.RowsRejected,
		Notes:        run.Notes,
	}
	if run.CompletedAt != nil {
		row.DurationMS = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	}
	return row
}

// aggregateExtracts folds registry rows into per-extract summaries the
// same way a live run reports them: every attempt counts toward Files,
// outcome counters on top, staging counters from the extract's staging
// pass.
func aggregateExtracts(files []*ingestion.LoadRunFile, stagingRuns []*ingestion.StagingRun) []ingestion.ExtractSummary {
	byExtract := make(map[ingestion.ExtractType]*ingestion.ExtractSummary)
	var order []ingestion.ExtractType
	get := func(e ingestion.ExtractType) *ingestion.ExtractSummary {
		if s, ok := byExtract[e]; ok {
			return s
		}
		s := &ingestion.ExtractSummary{Extract: e}
		byExtract[e] = s
		order = append(order, e)
		return s
	}

	for _, f := range files {
		s := get(f.Extract)
		s.Files++
		s.RowsRead += f.RowsRead
		s.RowsIngested += f.RowsIngested
		s.RowsRejectedRaw += f.RowsRejected
		switch f.Status {
		case ingestion.FileFailed:
			s.FilesFailed++
		case ingestion.FileSkippedDuplicate:
			s.FilesSkipped++
		case ingestion.FileCancelled:
			s.FilesCancelled++
		}
	}

	// Later staging passes overwrite earlier ones, so a re-staged
	// extract reports its newest pass.
	for _, sr := range stagingRuns {
		s := get(sr.Extract)
		s.RowsTransformed = sr.RowsTransformed
		s.RowsRejectedStage = sr.RowsRejected
		s.RowsUpserted = sr.RowsUpserted
		s.StagingStatus = sr.Status
	}

	out := make([]ingestion.ExtractSummary, 0, len(order))
	for _, e := range order {
		out = append(out, *byExtract[e])
	}
	return out
}

// paddedStatus left-pads before coloring so ANSI codes do not break
// column alignment.
func paddedStatus(status string, width int) string {
	text := fmt.Sprintf("%-*s", width, status)
	switch status {
	case string(ingestion.RunCompleted), "ok", string(ingestion.FileProcessed):
		return ui.Green(text)
	case string(ingestion.RunFailed):
		return ui.Red(text)
	case string(ingestion.RunCancelled), "degraded", string(ingestion.FileSkippedDuplicate):
		return ui.Yellow(text)
	default:
		return text
	}
}

// printStatusList prints recent runs and component health.
func printStatusList(result *StatusResult) {
	ui.Header("Recent Load Runs")
	if len(result.Runs) == 0 {
		ui.Info("No runs recorded. Start one with 'hie run'")
	}
	for _, run := range result.Runs {
		dur := "running"
		if run.CompletedAt != nil {
			dur = time.Duration(run.DurationMS * int64(time.Millisecond)).Round(time.Second).String()
		}
		line := fmt.Sprintf("  %s  %s  %s  %-9s  %8d ingested  %6d rejected  %s",
			run.ID,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			paddedStatus(run.Status, 9),
			run.TriggeredBy,
			run.RowsIngested,
			run.RowsRejected,
			ui.DimText(dur))
		fmt.Println(line)
		if run.Notes != "" {
			fmt.Printf("      %s\n", ui.DimText(run.Notes))
		}
	}

	if len(result.Health) > 0 {
		ui.SubHeader("Component health:")
		for _, h := range result.Health {
			fmt.Printf("  %-10s %s  %s  %s\n",
				h.Component,
				paddedStatus(h.Status, 9),
				ui.DimText(h.RecordedAt.Format("2006-01-02 15:04:05")),
				h.Detail)
		}
	}
}

// printRunDetail prints the complete record of one run.
func printRunDetail(detail *RunDetail) {
	ui.Header("Load Run " + detail.Run.ID)
	fmt.Printf("%s    %s\n", ui.Label("Status:"), paddedStatus(detail.Run.Status, 0))
	fmt.Printf("%s   %s\n", ui.Label("Trigger:"), detail.Run.TriggeredBy)
	fmt.Printf("%s   %s\n", ui.Label("Started:"), detail.Run.StartedAt.Format("2006-01-02 15:04:05"))
	if detail.Run.CompletedAt != nil {
		fmt.Printf("%s %s %s\n", ui.Label("Completed:"),
			detail.Run.CompletedAt.Format("2006-01-02 15:04:05"),
			ui.DimText("("+time.Duration(detail.Run.DurationMS*int64(time.Millisecond)).Round(time.Second).String()+")"))
	}
	fmt.Printf("%s      %d ingested, %d rejected\n", ui.Label("Rows:"),
		detail.Run.RowsIngested, detail.Run.RowsRejected)
	if detail.Run.Notes != "" {
		fmt.Printf("%s     %s\n", ui.Label("Notes:"), detail.Run.Notes)
	}

	if len(detail.Extracts) > 0 {
		ui.SubHeader("Extracts:")
		for _, ex := range detail.Extracts {
			line := fmt.Sprintf("  %-14s %d files, %d read, %d ingested, %d upserted",
				ex.Extract, ex.Files, ex.RowsRead, ex.RowsIngested, ex.RowsUpserted)
			if ex.FilesFailed > 0 {
				line += ", " + ui.Red(fmt.Sprintf("%d failed", ex.FilesFailed))
			}
			if ex.FilesSkipped > 0 {
				line += fmt.Sprintf(", %d skipped", ex.FilesSkipped)
			}
			fmt.Println(line)
		}
	}

	if len(detail.Files) > 0 {
		ui.SubHeader("Files:")
		for _, f := range detail.Files {
			fmt.Printf("  %s %-14s %8d rows  %s\n",
				paddedStatus(f.Status, 17), f.Extract, f.RowsIngested, ui.DimText(f.ObjectKey))
			if f.ErrorDetail != "" {
				fmt.Printf("      %s\n", ui.Red(f.ErrorDetail))
			}
		}
	}

	if len(detail.StagingRuns) > 0 {
		ui.SubHeader("Staging:")
		for _, s := range detail.StagingRuns {
			fmt.Printf("  %s %-14s %d transformed, %d upserted, %d rejected\n",
				paddedStatus(s.Status, 10), s.Extract, s.RowsTransformed, s.RowsUpserted, s.RowsRejected)
			if s.ErrorDetail != "" {
				fmt.Printf("      %s\n", ui.Red(s.ErrorDetail))
			}
		}
	}

	if len(detail.TopRejections) > 0 {
		ui.SubHeader("Top rejection reasons:")
		for _, r := range detail.TopRejections {
			fmt.Printf("  %6d  %-14s %s %s\n",
				r.Count, r.Extract, r.Reason, ui.DimText("("+r.Category+")"))
		}
	}
}
