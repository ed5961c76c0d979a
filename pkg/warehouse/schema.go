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

package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/kraklabs/hie/pkg/ingestion"
)

// =============================================================================
// SCHEMA DDL
// =============================================================================
//
// The per-extract tables are generated from the extract registry so
// the physical layout can never drift from the declared handlers.
// Every statement is idempotent; `hie migrate` applies them in order.

var schemaDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS raw`,
	`CREATE SCHEMA IF NOT EXISTS stg`,
	`CREATE SCHEMA IF NOT EXISTS etl`,
}

var loadRunsDDL = `CREATE TABLE IF NOT EXISTS etl.load_runs (
	load_run_id TEXT PRIMARY KEY,
	triggered_by TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	rows_ingested BIGINT NOT NULL DEFAULT 0,
	rows_rejected BIGINT NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT ''
)`

var loadRunFilesDDL = `CREATE TABLE IF NOT EXISTS etl.load_run_files (
	load_run_file_id TEXT PRIMARY KEY,
	load_run_id TEXT NOT NULL,
	object_key TEXT NOT NULL,
	object_version_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	extract_type TEXT NOT NULL,
	date_extracted TIMESTAMPTZ NOT NULL,
	per_org_id TEXT NOT NULL,
	practice_id TEXT NOT NULL,
	status TEXT NOT NULL,
	rows_read BIGINT NOT NULL DEFAULT 0,
	rows_ingested BIGINT NOT NULL DEFAULT 0,
	rows_rejected BIGINT NOT NULL DEFAULT 0,
	error_detail TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
)`

// The identity index is partial: skipped_duplicate rows are the audit
// trail of replays and may repeat an identity without limit.
var loadRunFilesIndexDDL = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS load_run_files_identity_key
	ON etl.load_run_files (object_version_id, content_hash)
	WHERE status <> 'skipped_duplicate'`,
	`CREATE INDEX IF NOT EXISTS load_run_files_status_idx ON etl.load_run_files (status)`,
	`CREATE INDEX IF NOT EXISTS load_run_files_extract_idx ON etl.load_run_files (extract_type)`,
	`CREATE INDEX IF NOT EXISTS load_run_files_run_idx ON etl.load_run_files (load_run_id)`,
}

var stagingRunsDDL = []string{
	`CREATE TABLE IF NOT EXISTS etl.staging_runs (
	staging_run_id TEXT PRIMARY KEY,
	load_run_id TEXT NOT NULL,
	extract_type TEXT NOT NULL,
	status TEXT NOT NULL,
	rows_read BIGINT NOT NULL DEFAULT 0,
	rows_transformed BIGINT NOT NULL DEFAULT 0,
	rows_rejected BIGINT NOT NULL DEFAULT 0,
	rows_upserted BIGINT NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	error_detail TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS staging_runs_run_idx ON etl.staging_runs (load_run_id)`,
}

// Operational tables shared with downstream zones. The engine writes
// health heartbeats, reads and seeds etl.config, and records post-run
// reconciliation checks in etl.dq_results; core-zone jobs own the rest
// of their content.
var opsDDL = []string{
	`CREATE TABLE IF NOT EXISTS etl.health (
	health_id BIGSERIAL PRIMARY KEY,
	component TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS health_component_idx ON etl.health (component, recorded_at DESC)`,
	`CREATE TABLE IF NOT EXISTS etl.config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS etl.dq_results (
	dq_id BIGSERIAL PRIMARY KEY,
	load_run_id TEXT NOT NULL,
	extract_type TEXT NOT NULL,
	check_name TEXT NOT NULL,
	passed BOOLEAN NOT NULL,
	expected BIGINT NOT NULL,
	actual BIGINT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	checked_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS dq_results_run_idx ON etl.dq_results (load_run_id)`,
}

// sqlType maps a staging coercion target to its column type. The Go
// values the coercer produces line up with these: int64 for BIGINT,
// bool for BOOLEAN, time.Time for DATE and TIMESTAMPTZ, and a
// fixed-precision string for NUMERIC.
func sqlType(t ingestion.ColumnType) string {
	switch t {
	case ingestion.TypeInteger:
		return "BIGINT"
	case ingestion.TypeDecimal:
		return "NUMERIC"
	case ingestion.TypeBoolean:
		return "BOOLEAN"
	case ingestion.TypeDate:
		return "DATE"
	case ingestion.TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// landingDDL renders the all-text landing table for one extract. The
// lineage block mirrors LandingLineageColumns in declaration order.
func landingDDL(spec ingestion.ExtractSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS raw.%s (\n", spec.LandingTable)
	b.WriteString("\traw_id BIGSERIAL PRIMARY KEY,\n")
	for _, col := range spec.Columns {
		fmt.Fprintf(&b, "\t%s TEXT,\n", col)
	}
	b.WriteString("\tobject_key TEXT NOT NULL,\n")
	b.WriteString("\tobject_version_id TEXT NOT NULL,\n")
	b.WriteString("\tcontent_hash TEXT NOT NULL,\n")
	b.WriteString("\tdate_extracted TIMESTAMPTZ NOT NULL,\n")
	b.WriteString("\textract_type TEXT NOT NULL,\n")
	b.WriteString("\tfile_per_org_id TEXT NOT NULL,\n")
	b.WriteString("\tfile_practice_id TEXT NOT NULL,\n")
	b.WriteString("\tload_run_id TEXT NOT NULL,\n")
	b.WriteString("\tload_run_file_id TEXT NOT NULL,\n")
	b.WriteString("\tloaded_at TIMESTAMPTZ NOT NULL,\n")
	b.WriteString("\tsuperseded BOOLEAN NOT NULL DEFAULT FALSE,\n")
	b.WriteString("\tsuperseded_at TIMESTAMPTZ,\n")
	b.WriteString("\tsuperseded_by_file_id TEXT\n")
	b.WriteString(")")
	return b.String()
}

func landingIndexDDL(spec ingestion.ExtractSpec) []string {
	return []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS raw_%s_extracted_idx ON raw.%s (date_extracted, extract_type)",
			spec.LandingTable, spec.LandingTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS raw_%s_file_idx ON raw.%s (load_run_file_id)",
			spec.LandingTable, spec.LandingTable),
	}
}

// stagingDDL renders the typed staging table for one extract: one
// column per transformation target plus the staging lineage block.
func stagingDDL(spec ingestion.ExtractSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS stg.%s (\n", spec.StagingTable)
	for _, tr := range spec.Transformations {
		constraint := ""
		if tr.Required {
			constraint = " NOT NULL"
		}
		fmt.Fprintf(&b, "\t%s %s%s,\n", tr.Target, sqlType(tr.Type), constraint)
	}
	b.WriteString("\tload_run_id TEXT NOT NULL,\n")
	b.WriteString("\tload_run_file_id TEXT NOT NULL,\n")
	b.WriteString("\tobject_version_id TEXT NOT NULL,\n")
	b.WriteString("\tcontent_hash TEXT NOT NULL,\n")
	b.WriteString("\tdate_extracted TIMESTAMPTZ NOT NULL,\n")
	b.WriteString("\tstaged_at TIMESTAMPTZ NOT NULL DEFAULT now()\n")
	b.WriteString(")")
	return b.String()
}

// The natural-key index doubles as the upsert conflict target.
func stagingIndexDDL(spec ingestion.ExtractSpec) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS stg_%s_natural_key ON stg.%s (%s)",
		spec.StagingTable, spec.StagingTable, strings.Join(spec.NaturalKeys, ", "))
}

func rejectsDDL(spec ingestion.ExtractSpec) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS etl.%s (
	reject_id BIGSERIAL PRIMARY KEY,
	staging_run_id TEXT NOT NULL,
	load_run_file_id TEXT NOT NULL,
	extract_type TEXT NOT NULL,
	row_number BIGINT NOT NULL,
	raw_row JSONB NOT NULL,
	field_errors JSONB,
	category TEXT NOT NULL,
	reason TEXT NOT NULL,
	rejected_at TIMESTAMPTZ NOT NULL
)`, spec.RejectTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_staging_run_idx ON etl.%s (staging_run_id)",
			spec.RejectTable, spec.RejectTable),
	}
}

// SchemaStatements returns every DDL statement in application order:
// schemas first, then audit tables, then the per-extract tables in
// registry order.
func SchemaStatements() []string {
	stmts := make([]string, 0, 64)
	stmts = append(stmts, schemaDDL...)
	stmts = append(stmts, loadRunsDDL, loadRunFilesDDL)
	stmts = append(stmts, loadRunFilesIndexDDL...)
	stmts = append(stmts, stagingRunsDDL...)
	stmts = append(stmts, opsDDL...)
	for _, spec := range ingestion.AllSpecs() {
		stmts = append(stmts, landingDDL(spec))
		stmts = append(stmts, landingIndexDDL(spec)...)
		stmts = append(stmts, stagingDDL(spec))
		stmts = append(stmts, stagingIndexDDL(spec))
		stmts = append(stmts, rejectsDDL(spec)...)
	}
	return stmts
}

// EnsureSchema applies the full DDL set. Safe to run repeatedly and
// concurrently with a live engine; every statement is IF NOT EXISTS.
func (db *DB) EnsureSchema(ctx context.Context) error {
	stmts := SchemaStatements()
	for _, stmt := range stmts {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			// Concurrent migrates can race CREATE IF NOT EXISTS on the
			// same index; the loser's duplicate error is harmless.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return classify("warehouse.migrate", err)
		}
	}
	db.logger.Info("warehouse.migrate.applied", "statements", len(stmts))
	return nil
}
