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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kraklabs/hie/pkg/ingestion"
)

// Registry is the Postgres run registry. Mutations that must compare
// against current state read the row under FOR UPDATE inside a
// transaction; plain counter accruals ride a single additive UPDATE,
// which takes the same row lock.
type Registry struct {
	db *DB
}

var _ ingestion.Registry = (*Registry)(nil)

// NewRegistry binds a registry to the shared pool.
func NewRegistry(db *DB) *Registry { return &Registry{db: db} }

const loadRunColumns = `load_run_id, triggered_by, status, started_at, completed_at,
	rows_ingested, rows_rejected, notes`

const loadRunFileColumns = `load_run_file_id, load_run_id, object_key, object_version_id,
	content_hash, extract_type, date_extracted, per_org_id, practice_id, status,
	rows_read, rows_ingested, rows_rejected, error_detail, started_at, completed_at, updated_at`

const stagingRunColumns = `staging_run_id, load_run_id, extract_type, status,
	rows_read, rows_transformed, rows_rejected, rows_upserted,
	started_at, completed_at, error_detail`

func (r *Registry) CreateLoadRun(ctx context.Context, run *ingestion.LoadRun) error {
	_, err := r.db.sql.ExecContext(ctx,
		`INSERT INTO etl.load_runs (`+loadRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, string(run.TriggeredBy), string(run.Status), run.StartedAt,
		nullTime(run.CompletedAt), run.RowsIngested, run.RowsRejected, run.Notes)
	if err != nil {
		return classify("registry.create_run", err)
	}
	return nil
}

func (r *Registry) UpdateLoadRun(ctx context.Context, run *ingestion.LoadRun) error {
	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify("registry.update_run", err)
	}
	defer tx.Rollback()

	var (
		status       string
		rowsIngested int64
		rowsRejected int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, rows_ingested, rows_rejected FROM etl.load_runs
		 WHERE load_run_id = $1 FOR UPDATE`, run.ID).
		Scan(&status, &rowsIngested, &rowsRejected)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load run %s: %w", run.ID, ingestion.ErrNotFound)
	}
	if err != nil {
		return classify("registry.update_run", err)
	}
	if cur := ingestion.RunStatus(status); cur.IsTerminal() && run.Status != cur {
		return fmt.Errorf("load run %s is %s: %w", run.ID, cur, ingestion.ErrTerminalState)
	}
	if run.RowsIngested < rowsIngested || run.RowsRejected < rowsRejected {
		return fmt.Errorf("registry: counter regression on run %s", run.ID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE etl.load_runs
		 SET status = $2, completed_at = $3, rows_ingested = $4, rows_rejected = $5, notes = $6
		 WHERE load_run_id = $1`,
		run.ID, string(run.Status), nullTime(run.CompletedAt),
		run.RowsIngested, run.RowsRejected, run.Notes)
	if err != nil {
		return classify("registry.update_run", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("registry.update_run", err)
	}
	return nil
}

func (r *Registry) IncrementLoadRunCounters(ctx context.Context, loadRunID string, rowsIngested, rowsRejected int64) error {
	if rowsIngested < 0 || rowsRejected < 0 {
		return fmt.Errorf("registry: negative increment on run %s", loadRunID)
	}
	res, err := r.db.sql.ExecContext(ctx,
		`UPDATE etl.load_runs
		 SET rows_ingested = rows_ingested + $2, rows_rejected = rows_rejected + $3
		 WHERE load_run_id = $1`,
		loadRunID, rowsIngested, rowsRejected)
	if err != nil {
		return classify("registry.increment_run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("registry.increment_run", err)
	}
	if n == 0 {
		return fmt.Errorf("load run %s: %w", loadRunID, ingestion.ErrNotFound)
	}
	return nil
}

func (r *Registry) GetLoadRun(ctx context.Context, id string) (*ingestion.LoadRun, error) {
	row := r.db.sql.QueryRowContext(ctx,
		`SELECT `+loadRunColumns+` FROM etl.load_runs WHERE load_run_id = $1`, id)
	run, err := scanLoadRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load run %s: %w", id, ingestion.ErrNotFound)
	}
	if err != nil {
		return nil, classify("registry.get_run", err)
	}
	return run, nil
}

func (r *Registry) CreateLoadRunFile(ctx context.Context, file *ingestion.LoadRunFile) error {
	_, err := r.db.sql.ExecContext(ctx,
		`INSERT INTO etl.load_run_files (`+loadRunFileColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		file.ID, file.LoadRunID, file.ObjectKey, file.ObjectVersionID,
		file.ContentHash, string(file.Extract), file.DateExtracted,
		file.PerOrgID, file.PracticeID, string(file.Status),
		file.RowsRead, file.RowsIngested, file.RowsRejected, file.ErrorDetail,
		file.StartedAt, nullTime(file.CompletedAt), file.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Constraint == "load_run_files_identity_key" {
			return fmt.Errorf("identity (%s, %s): %w",
				file.ObjectVersionID, file.ContentHash, ingestion.ErrDuplicateIdentity)
		}
		return classify("registry.create_file", err)
	}
	return nil
}

func (r *Registry) UpdateLoadRunFile(ctx context.Context, file *ingestion.LoadRunFile) error {
	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify("registry.update_file", err)
	}
	defer tx.Rollback()

	var (
		status       string
		rowsRead     int64
		rowsIngested int64
		rowsRejected int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, rows_read, rows_ingested, rows_rejected FROM etl.load_run_files
		 WHERE load_run_file_id = $1 FOR UPDATE`, file.ID).
		Scan(&status, &rowsRead, &rowsIngested, &rowsRejected)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load run file %s: %w", file.ID, ingestion.ErrNotFound)
	}
	if err != nil {
		return classify("registry.update_file", err)
	}
	if cur := ingestion.FileStatus(status); cur.IsTerminal() && file.Status != cur {
		return fmt.Errorf("load run file %s is %s: %w", file.ID, cur, ingestion.ErrTerminalState)
	}
	if file.RowsRead < rowsRead || file.RowsIngested < rowsIngested || file.RowsRejected < rowsRejected {
		return fmt.Errorf("registry: counter regression on file %s", file.ID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE etl.load_run_files
		 SET load_run_id = $2, status = $3, rows_read = $4, rows_ingested = $5,
		     rows_rejected = $6, error_detail = $7, completed_at = $8, updated_at = $9
		 WHERE load_run_file_id = $1`,
		file.ID, file.LoadRunID, string(file.Status),
		file.RowsRead, file.RowsIngested, file.RowsRejected, file.ErrorDetail,
		nullTime(file.CompletedAt), file.UpdatedAt)
	if err != nil {
		return classify("registry.update_file", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("registry.update_file", err)
	}
	return nil
}

func (r *Registry) FindLoadRunFileByIdentity(ctx context.Context, versionID, contentHash string) (*ingestion.LoadRunFile, error) {
	// The partial identity index admits one non-skipped row per pair,
	// so this lookup never needs a tie break.
	row := r.db.sql.QueryRowContext(ctx,
		`SELECT `+loadRunFileColumns+` FROM etl.load_run_files
		 WHERE object_version_id = $1 AND content_hash = $2 AND status <> $3`,
		versionID, contentHash, string(ingestion.FileSkippedDuplicate))
	file, err := scanLoadRunFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity (%s, %s): %w", versionID, contentHash, ingestion.ErrNotFound)
	}
	if err != nil {
		return nil, classify("registry.find_identity", err)
	}
	return file, nil
}

func (r *Registry) ClaimLoadRunFile(ctx context.Context, fileID, loadRunID string, staleAfter time.Duration) (bool, error) {
	res, err := r.db.sql.ExecContext(ctx,
		`UPDATE etl.load_run_files
		 SET status = $3, load_run_id = $2, updated_at = now()
		 WHERE load_run_file_id = $1
		   AND (status IN ($4, $5, $6)
		        OR (status = $3 AND updated_at < now() - $7 * interval '1 second'))`,
		fileID, loadRunID, string(ingestion.FileInProgress),
		string(ingestion.FilePending), string(ingestion.FileFailed), string(ingestion.FileCancelled),
		staleAfter.Seconds())
	if err != nil {
		return false, classify("registry.claim_file", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("registry.claim_file", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	err = r.db.sql.QueryRowContext(ctx,
		`SELECT TRUE FROM etl.load_run_files WHERE load_run_file_id = $1`, fileID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("load run file %s: %w", fileID, ingestion.ErrNotFound)
	}
	if err != nil {
		return false, classify("registry.claim_file", err)
	}
	return false, nil
}

func (r *Registry) ListFilesForLoadRun(ctx context.Context, loadRunID string) ([]*ingestion.LoadRunFile, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT `+loadRunFileColumns+` FROM etl.load_run_files
		 WHERE load_run_id = $1 ORDER BY object_key`, loadRunID)
	if err != nil {
		return nil, classify("registry.list_files", err)
	}
	return collectFiles(rows, "registry.list_files")
}

func (r *Registry) FindFailedOrPendingFiles(ctx context.Context, limit int) ([]*ingestion.LoadRunFile, error) {
	q := `SELECT ` + loadRunFileColumns + ` FROM etl.load_run_files
		 WHERE status IN ($1, $2) ORDER BY started_at`
	args := []any{string(ingestion.FileFailed), string(ingestion.FilePending)}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("registry.find_recoverable", err)
	}
	return collectFiles(rows, "registry.find_recoverable")
}

func (r *Registry) CreateStagingRun(ctx context.Context, run *ingestion.StagingRun) error {
	_, err := r.db.sql.ExecContext(ctx,
		`INSERT INTO etl.staging_runs (`+stagingRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.LoadRunID, string(run.Extract), string(run.Status),
		run.RowsRead, run.RowsTransformed, run.RowsRejected, run.RowsUpserted,
		run.StartedAt, nullTime(run.CompletedAt), run.ErrorDetail)
	if err != nil {
		return classify("registry.create_staging_run", err)
	}
	return nil
}

func (r *Registry) UpdateStagingRun(ctx context.Context, run *ingestion.StagingRun) error {
	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify("registry.update_staging_run", err)
	}
	defer tx.Rollback()

	var (
		status       string
		rowsRead     int64
		rowsUpserted int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, rows_read, rows_upserted FROM etl.staging_runs
		 WHERE staging_run_id = $1 FOR UPDATE`, run.ID).
		Scan(&status, &rowsRead, &rowsUpserted)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("staging run %s: %w", run.ID, ingestion.ErrNotFound)
	}
	if err != nil {
		return classify("registry.update_staging_run", err)
	}
	if cur := ingestion.RunStatus(status); cur.IsTerminal() && run.Status != cur {
		return fmt.Errorf("staging run %s is %s: %w", run.ID, cur, ingestion.ErrTerminalState)
	}
	if run.RowsRead < rowsRead || run.RowsUpserted < rowsUpserted {
		return fmt.Errorf("registry: counter regression on staging run %s", run.ID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE etl.staging_runs
		 SET status = $2, rows_read = $3, rows_transformed = $4, rows_rejected = $5,
		     rows_upserted = $6, completed_at = $7, error_detail = $8
		 WHERE staging_run_id = $1`,
		run.ID, string(run.Status),
		run.RowsRead, run.RowsTransformed, run.RowsRejected, run.RowsUpserted,
		nullTime(run.CompletedAt), run.ErrorDetail)
	if err != nil {
		return classify("registry.update_staging_run", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("registry.update_staging_run", err)
	}
	return nil
}

func (r *Registry) RecordRejection(ctx context.Context, rej *ingestion.Rejection) error {
	if err := insertRejection(ctx, r.db.sql, rej); err != nil {
		return classify("registry.record_rejection", err)
	}
	return nil
}

func (r *Registry) RecentLoadRuns(ctx context.Context, limit int) ([]*ingestion.LoadRun, error) {
	q := `SELECT ` + loadRunColumns + ` FROM etl.load_runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("registry.recent_runs", err)
	}
	defer rows.Close()

	var out []*ingestion.LoadRun
	for rows.Next() {
		run, err := scanLoadRun(rows)
		if err != nil {
			return nil, classify("registry.recent_runs", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("registry.recent_runs", err)
	}
	return out, nil
}

func (r *Registry) RunSummary(ctx context.Context, loadRunID string) (*ingestion.RunSummary, error) {
	run, err := r.GetLoadRun(ctx, loadRunID)
	if err != nil {
		return nil, err
	}
	files, err := r.ListFilesForLoadRun(ctx, loadRunID)
	if err != nil {
		return nil, err
	}
	staging, err := r.stagingRunsFor(ctx, loadRunID)
	if err != nil {
		return nil, err
	}
	top, err := r.topRejections(ctx, loadRunID)
	if err != nil {
		return nil, err
	}
	return &ingestion.RunSummary{Run: run, Files: files, StagingRuns: staging, TopRejections: top}, nil
}

func (r *Registry) stagingRunsFor(ctx context.Context, loadRunID string) ([]*ingestion.StagingRun, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT `+stagingRunColumns+` FROM etl.staging_runs
		 WHERE load_run_id = $1 ORDER BY started_at, staging_run_id`, loadRunID)
	if err != nil {
		return nil, classify("registry.staging_runs", err)
	}
	defer rows.Close()

	var out []*ingestion.StagingRun
	for rows.Next() {
		run, err := scanStagingRun(rows)
		if err != nil {
			return nil, classify("registry.staging_runs", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("registry.staging_runs", err)
	}
	return out, nil
}

func (r *Registry) topRejections(ctx context.Context, loadRunID string) ([]ingestion.RejectionReason, error) {
	rows, err := r.db.sql.QueryContext(ctx, rejectionSummaryQuery(), loadRunID)
	if err != nil {
		return nil, classify("registry.top_rejections", err)
	}
	defer rows.Close()

	var out []ingestion.RejectionReason
	for rows.Next() {
		var (
			rr       ingestion.RejectionReason
			extract  string
			category string
		)
		if err := rows.Scan(&extract, &category, &rr.Reason, &rr.Count); err != nil {
			return nil, classify("registry.top_rejections", err)
		}
		rr.Extract = ingestion.ExtractType(extract)
		rr.Category = ingestion.Kind(category)
		out = append(out, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("registry.top_rejections", err)
	}
	return out, nil
}

// rejectionSummaryQuery aggregates every reject table for one load
// run, grouped by extract and category with a representative reason.
// Group cardinality is bounded by extracts times categories, so the
// result never needs a row cap.
func rejectionSummaryQuery() string {
	specs := ingestion.AllSpecs()
	parts := make([]string, 0, len(specs))
	for _, spec := range specs {
		parts = append(parts, fmt.Sprintf(
			`SELECT extract_type, category, reason FROM etl.%s
	WHERE staging_run_id IN (SELECT staging_run_id FROM etl.staging_runs WHERE load_run_id = $1)`,
			spec.RejectTable))
	}
	return `SELECT extract_type, category, min(reason) AS reason, count(*) AS n
FROM (
` + strings.Join(parts, "\n	UNION ALL\n") + `
) rejections
GROUP BY extract_type, category
ORDER BY n DESC, extract_type`
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertRejection writes one reject row through ex, which is either
// the pool or the staging batch transaction.
func insertRejection(ctx context.Context, ex execer, rej *ingestion.Rejection) error {
	spec, ok := ingestion.SpecFor(rej.Extract)
	if !ok {
		return fmt.Errorf("unknown extract %q", rej.Extract)
	}
	rawRow, err := json.Marshal(rej.RawRow)
	if err != nil {
		return fmt.Errorf("encode raw row: %w", err)
	}
	var fieldErrs []byte
	if len(rej.FieldErrors) > 0 {
		fieldErrs, err = json.Marshal(rej.FieldErrors)
		if err != nil {
			return fmt.Errorf("encode field errors: %w", err)
		}
	}
	_, err = ex.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO etl.%s (staging_run_id, load_run_file_id, extract_type, row_number,
			raw_row, field_errors, category, reason, rejected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, spec.RejectTable),
		rej.StagingRunID, rej.LoadRunFileID, string(rej.Extract), rej.RowNumber,
		rawRow, fieldErrs, string(rej.Category), rej.Reason, rej.RejectedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoadRun(s rowScanner) (*ingestion.LoadRun, error) {
	var (
		run         ingestion.LoadRun
		trigger     string
		status      string
		completedAt sql.NullTime
	)
	err := s.Scan(&run.ID, &trigger, &status, &run.StartedAt, &completedAt,
		&run.RowsIngested, &run.RowsRejected, &run.Notes)
	if err != nil {
		return nil, err
	}
	run.TriggeredBy = ingestion.Trigger(trigger)
	run.Status = ingestion.RunStatus(status)
	run.CompletedAt = timePtr(completedAt)
	return &run, nil
}

func scanLoadRunFile(s rowScanner) (*ingestion.LoadRunFile, error) {
	var (
		file        ingestion.LoadRunFile
		extract     string
		status      string
		completedAt sql.NullTime
	)
	err := s.Scan(&file.ID, &file.LoadRunID, &file.ObjectKey, &file.ObjectVersionID,
		&file.ContentHash, &extract, &file.DateExtracted,
		&file.PerOrgID, &file.PracticeID, &status,
		&file.RowsRead, &file.RowsIngested, &file.RowsRejected, &file.ErrorDetail,
		&file.StartedAt, &completedAt, &file.UpdatedAt)
	if err != nil {
		return nil, err
	}
	file.Extract = ingestion.ExtractType(extract)
	file.Status = ingestion.FileStatus(status)
	file.CompletedAt = timePtr(completedAt)
	return &file, nil
}

func scanStagingRun(s rowScanner) (*ingestion.StagingRun, error) {
	var (
		run         ingestion.StagingRun
		extract     string
		status      string
		completedAt sql.NullTime
	)
	err := s.Scan(&run.ID, &run.LoadRunID, &extract, &status,
		&run.RowsRead, &run.RowsTransformed, &run.RowsRejected, &run.RowsUpserted,
		&run.StartedAt, &completedAt, &run.ErrorDetail)
	if err != nil {
		return nil, err
	}
	run.Extract = ingestion.ExtractType(extract)
	run.Status = ingestion.RunStatus(status)
	run.CompletedAt = timePtr(completedAt)
	return &run, nil
}

func collectFiles(rows *sql.Rows, op string) ([]*ingestion.LoadRunFile, error) {
	defer rows.Close()
	var out []*ingestion.LoadRunFile
	for rows.Next() {
		file, err := scanLoadRunFile(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, file)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}
