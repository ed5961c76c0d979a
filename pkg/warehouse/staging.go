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
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/kraklabs/hie/pkg/ingestion"
)

// Staging reads landed rows back out and upserts typed rows, one batch
// per transaction with the batch's rejections riding along.
type Staging struct {
	db *DB
}

var _ ingestion.StagingStore = (*Staging)(nil)

// NewStaging binds a staging store to the shared pool.
func NewStaging(db *DB) *Staging { return &Staging{db: db} }

// streamQuery renders the landing walk for one extract. Rows come back
// in file order with a 1-based per-file row number assigned over the
// insertion sequence; superseded rows and rows whose source file never
// reached processed status are excluded.
func streamQuery(spec ingestion.ExtractSpec) string {
	return fmt.Sprintf(`SELECT
	row_number() OVER (PARTITION BY r.load_run_file_id ORDER BY r.raw_id) AS row_number,
	r.load_run_file_id, r.object_version_id, r.content_hash, r.date_extracted,
	%s
FROM raw.%s r
JOIN etl.load_run_files f ON f.load_run_file_id = r.load_run_file_id
WHERE r.load_run_id = $1
  AND NOT r.superseded
  AND f.status = $2
ORDER BY r.load_run_file_id, r.raw_id`,
		"r."+strings.Join(spec.Columns, ", r."), spec.LandingTable)
}

// StreamLanding walks raw.<extract> for one load run. Errors from fn
// pass through untouched so the transformer's own classifications and
// caps survive the round trip.
func (s *Staging) StreamLanding(ctx context.Context, spec ingestion.ExtractSpec, loadRunID string, fn func(ingestion.LandingRow) error) error {
	rows, err := s.db.sql.QueryContext(ctx, streamQuery(spec), loadRunID, string(ingestion.FileProcessed))
	if err != nil {
		return classify("staging.stream", err)
	}
	defer rows.Close()

	fieldCount := spec.FieldCount()
	for rows.Next() {
		var (
			row    ingestion.LandingRow
			fields = make([]sql.NullString, fieldCount)
		)
		dests := make([]any, 0, 5+fieldCount)
		dests = append(dests, &row.RowNumber, &row.LoadRunFileID,
			&row.ObjectVersionID, &row.ContentHash, &row.DateExtracted)
		for i := range fields {
			dests = append(dests, &fields[i])
		}
		if err := rows.Scan(dests...); err != nil {
			return classify("staging.stream", err)
		}
		row.Fields = make([]string, fieldCount)
		for i, f := range fields {
			row.Fields[i] = f.String
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classify("staging.stream", err)
	}
	return nil
}

// UpsertBatch commits one batch of staged rows plus its rejections in
// a single transaction. Returns how many rows the statement actually
// wrote; in skip mode conflicting rows are left alone and not counted.
func (s *Staging) UpsertBatch(ctx context.Context, spec ingestion.ExtractSpec, opts ingestion.UpsertOptions, rows []ingestion.StagedRow, rejects []*ingestion.Rejection) (int64, error) {
	if len(rows) == 0 && len(rejects) == 0 {
		return 0, nil
	}

	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("staging.begin", err)
	}
	defer tx.Rollback()

	var written int64
	if len(rows) > 0 {
		res, err := tx.ExecContext(ctx, upsertSQL(spec, opts, len(rows)), upsertArgs(spec, rows)...)
		if err != nil {
			return 0, classify("staging.upsert", err)
		}
		written, err = res.RowsAffected()
		if err != nil {
			return 0, classify("staging.upsert", err)
		}
	}

	for _, rej := range rejects {
		if err := insertRejection(ctx, tx, rej); err != nil {
			return 0, classify("staging.record_rejection", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classify("staging.commit", err)
	}
	return written, nil
}

// upsertSQL renders the multi-row insert for one batch. The staging
// lineage rides along each row; load_run_id resolves through the
// file's registry row, which agrees with the landing rows' owner at
// staging time.
func upsertSQL(spec ingestion.ExtractSpec, opts ingestion.UpsertOptions, batch int) string {
	targets := make([]string, 0, len(spec.Transformations)+len(ingestion.StagingLineageColumns))
	for _, tr := range spec.Transformations {
		targets = append(targets, tr.Target)
	}
	targets = append(targets, ingestion.StagingLineageColumns...)

	// Per row: one placeholder per transformation value, then file id,
	// version id, content hash, date extracted.
	perRow := len(spec.Transformations) + 4

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO stg.%s (%s)\nVALUES ", spec.StagingTable, strings.Join(targets, ", "))
	for i := 0; i < batch; i++ {
		if i > 0 {
			b.WriteString(",\n       ")
		}
		base := i * perRow
		b.WriteString("(")
		for j := 0; j < len(spec.Transformations); j++ {
			fmt.Fprintf(&b, "$%d, ", base+j+1)
		}
		fileArg := base + len(spec.Transformations) + 1
		fmt.Fprintf(&b,
			"(SELECT load_run_id FROM etl.load_run_files WHERE load_run_file_id = $%d), $%d, $%d, $%d, $%d)",
			fileArg, fileArg, fileArg+1, fileArg+2, fileArg+3)
	}
	b.WriteString("\n")
	b.WriteString(conflictClause(spec, opts))
	return b.String()
}

func upsertArgs(spec ingestion.ExtractSpec, rows []ingestion.StagedRow) []any {
	perRow := len(spec.Transformations) + 4
	args := make([]any, 0, len(rows)*perRow)
	for _, row := range rows {
		args = append(args, row.Values...)
		args = append(args, row.Source.LoadRunFileID, row.Source.ObjectVersionID,
			row.Source.ContentHash, row.Source.DateExtracted)
	}
	return args
}

// conflictClause renders the ON CONFLICT arm. Update mode overwrites
// every non-key column and advances lineage; skip mode leaves existing
// rows untouched.
func conflictClause(spec ingestion.ExtractSpec, opts ingestion.UpsertOptions) string {
	conflict := opts.ConflictColumns
	if len(conflict) == 0 {
		conflict = spec.NaturalKeys
	}
	target := strings.Join(conflict, ", ")

	if opts.Mode == ingestion.UpsertSkip {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", target)
	}

	keys := make(map[string]bool, len(conflict))
	for _, k := range conflict {
		keys[k] = true
	}
	sets := make([]string, 0, len(spec.Transformations)+len(ingestion.StagingLineageColumns)+1)
	for _, tr := range spec.Transformations {
		if keys[tr.Target] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", tr.Target, tr.Target))
	}
	for _, col := range ingestion.StagingLineageColumns {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	sets = append(sets, "staged_at = now()")
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", target, strings.Join(sets, ", "))
}

// AcquireLock takes a session advisory lock keyed on the load run and
// extract. The lock rides a dedicated connection; release unlocks and
// returns the connection to the pool, and must be called exactly once.
func (s *Staging) AcquireLock(ctx context.Context, loadRunID string, extract ingestion.ExtractType) (func() error, error) {
	conn, err := s.db.sql.Conn(ctx)
	if err != nil {
		return nil, classify("staging.lock", err)
	}
	key := advisoryKey(loadRunID, extract)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Close()
		return nil, classify("staging.lock", err)
	}

	release := func() error {
		// Unlock must run even when the run context is already dead,
		// or the session would hold the lock until the pool drops it.
		_, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key)
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return classify("staging.unlock", err)
		}
		return nil
	}
	return release, nil
}

// advisoryKey folds the pair into the bigint keyspace advisory locks
// use. Collisions only widen the lock, never narrow it.
func advisoryKey(loadRunID string, extract ingestion.ExtractType) int64 {
	h := fnv.New64a()
	h.Write([]byte(loadRunID))
	h.Write([]byte{0})
	h.Write([]byte(extract))
	return int64(h.Sum64())
}
