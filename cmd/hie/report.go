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
	"github.com/xuri/excelize/v2"

	"github.com/kraklabs/hie/internal/errors"
	"github.com/kraklabs/hie/internal/ui"
	"github.com/kraklabs/hie/pkg/ingestion"
	"github.com/kraklabs/hie/pkg/warehouse"
)

const reportTimeLayout = "2006-01-02 15:04:05"

// ReportResult summarizes a written report for JSON output.
type ReportResult struct {
	Path       string `json:"path"`
	Run        string `json:"run"`
	Extracts   int    `json:"extracts"`
	Files      int    `json:"files"`
	Rejections int    `json:"rejections"`
}

// runReport executes the 'report' CLI command: export one load run as
// an Excel workbook for the people who audit feeds without psql.
//
// The workbook carries four sheets: the run header, per-extract
// aggregates, every file attempt, and the top rejection reasons.
func runReport(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	runID := fs.String("run", "", "Load run to export (required)")
	output := fs.StringP("output", "o", "", "Output path (default hie-run-<id>.xlsx)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hie report --run <id> [options]

Description:
  Export the complete record of one load run as an .xlsx workbook:

    Run         run id, status, trigger, timings, totals
    Extracts    per-extract file and row aggregates
    Files       every file attempt with counts and errors
    Rejections  the most frequent rejection reasons

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Export a run next to the current directory
  hie report --run 6b4e9d0a-8f2c-4f0e-9e2a-1c7d1b3f5a90

  # Pick the output path
  hie report --run 6b4e9d0a-8f2c-4f0e-9e2a-1c7d1b3f5a90 -o /srv/reports/nightly.xlsx

  # Export the newest run
  hie report --run "$(hie status --json | jq -r '.runs[0].id')"

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *runID == "" {
		errors.FatalError(errors.NewInputError(
			"Missing --run",
			"report needs the id of the load run to export",
			"List known runs with 'hie status'",
			nil,
		), globals.JSON)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if cfg.Database.DSN == "" {
		errors.FatalError(errors.NewConfigError(
			"Warehouse DSN is not configured",
			"report reads the run registry from the warehouse",
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

	summary, err := warehouse.NewRegistry(db).RunSummary(context.Background(), *runID)
	if err != nil {
		if stderrors.Is(err, ingestion.ErrNotFound) {
			errors.FatalError(errors.NewInputError(
				"Run not found",
				fmt.Sprintf("no load run with id %s", *runID),
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

	path := *output
	if path == "" {
		path = fmt.Sprintf("hie-run-%s.xlsx", summary.Run.ID)
	}

	wb, err := buildWorkbook(summary)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot build report workbook",
			err.Error(),
			"This is a bug. Please report it",
			err,
		), globals.JSON)
	}
	defer wb.Close()

	if err := wb.SaveAs(path); err != nil {
		errors.FatalError(errors.NewPermissionError(
			"Cannot write report",
			err.Error(),
			fmt.Sprintf("Check that %s is writable", path),
			err,
		), globals.JSON)
	}

	if globals.JSON {
		encodeJSON(ReportResult{
			Path:       path,
			Run:        summary.Run.ID,
			Extracts:   len(aggregateExtracts(summary.Files, summary.StagingRuns)),
			Files:      len(summary.Files),
			Rejections: len(summary.TopRejections),
		}, globals)
		return
	}

	ui.Successf("Report written to %s", path)
}

// buildWorkbook lays the run summary out across four sheets.
func buildWorkbook(summary *ingestion.RunSummary) (*excelize.File, error) {
	f := excelize.NewFile()
	const runSheet = "Run"
	if err := f.SetSheetName("Sheet1", runSheet); err != nil {
		return nil, err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	run := summary.Run
	completed, duration := "", ""
	if run.CompletedAt != nil {
		completed = run.CompletedAt.Format(reportTimeLayout)
		duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()
	}
	header := [][2]any{
		{"Run ID", run.ID},
		{"Status", string(run.Status)},
		{"Triggered By", string(run.TriggeredBy)},
		{"Started", run.StartedAt.Format(reportTimeLayout)},
		{"Completed", completed},
		{"Duration", duration},
		{"Rows Ingested", run.RowsIngested},
		{"Rows Rejected", run.RowsRejected},
		{"Notes", run.Notes},
	}
	for i, pair := range header {
		label, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		value, err := excelize.CoordinatesToCellName(2, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(runSheet, label, pair[0]); err != nil {
			return nil, err
		}
		if err := f.SetCellValue(runSheet, value, pair[1]); err != nil {
			return nil, err
		}
	}
	if err := f.SetCellStyle(runSheet, "A1", fmt.Sprintf("A%d", len(header)), bold); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(runSheet, "A", "A", 16); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(runSheet, "B", "B", 44); err != nil {
		return nil, err
	}

	if err := addSheet(f, "Extracts", bold, extractSheetRows(summary)); err != nil {
		return nil, err
	}
	if err := addSheet(f, "Files", bold, fileSheetRows(summary)); err != nil {
		return nil, err
	}
	if err := f.SetColWidth("Files", "A", "A", 64); err != nil {
		return nil, err
	}
	if err := addSheet(f, "Rejections", bold, rejectionSheetRows(summary)); err != nil {
		return nil, err
	}
	return f, nil
}

// addSheet writes one sheet whose first row is a bold header.
func addSheet(f *excelize.File, name string, headerStyle int, rows [][]any) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(name, cell, v); err != nil {
				return err
			}
		}
	}
	if len(rows) > 0 {
		last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(name, "A1", last, headerStyle); err != nil {
			return err
		}
	}
	return nil
}

func extractSheetRows(summary *ingestion.RunSummary) [][]any {
	rows := [][]any{{
		"Extract", "Files", "Failed", "Skipped", "Rows Read", "Rows Ingested",
		"Rejected (raw)", "Transformed", "Rejected (staging)", "Upserted", "Staging Status",
	}}
	for _, ex := range aggregateExtracts(summary.Files, summary.StagingRuns) {
		rows = append(rows, []any{
			string(ex.Extract), ex.Files, ex.FilesFailed, ex.FilesSkipped,
			ex.RowsRead, ex.RowsIngested, ex.RowsRejectedRaw,
			ex.RowsTransformed, ex.RowsRejectedStage, ex.RowsUpserted,
			string(ex.StagingStatus),
		})
	}
	return rows
}

func fileSheetRows(summary *ingestion.RunSummary) [][]any {
	rows := [][]any{{
		"Object Key", "Extract", "Practice", "Per Org", "Status",
		"Rows Read", "Rows Ingested", "Rows Rejected", "Completed", "Error",
	}}
	for _, f := range summary.Files {
		completed := ""
		if f.CompletedAt != nil {
			completed = f.CompletedAt.Format(reportTimeLayout)
		}
		rows = append(rows, []any{
			f.ObjectKey, string(f.Extract), f.PracticeID, f.PerOrgID, string(f.Status),
			f.RowsRead, f.RowsIngested, f.RowsRejected, completed, f.ErrorDetail,
		})
	}
	return rows
}

func rejectionSheetRows(summary *ingestion.RunSummary) [][]any {
	rows := [][]any{{"Extract", "Category", "Reason", "Count"}}
	for _, r := range summary.TopRejections {
		rows = append(rows, []any{string(r.Extract), string(r.Category), r.Reason, r.Count})
	}
	return rows
}
