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
	"time"

	"github.com/lib/pq"

	"github.com/kraklabs/hie/pkg/ingestion"
)

// Landing writes raw rows via the Postgres COPY protocol, one buffer
// per transaction.
type Landing struct {
	db *DB
}

var _ ingestion.LandingWriter = (*Landing)(nil)

// NewLanding binds a landing writer to the shared pool.
func NewLanding(db *DB) *Landing { return &Landing{db: db} }

// InsertBatch lands one buffer into raw.<extract> with the lineage
// block appended to every row. The buffer commits or rolls back as a
// unit; a partial buffer never becomes visible.
func (l *Landing) InsertBatch(ctx context.Context, spec ingestion.ExtractSpec, lineage ingestion.Lineage, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := l.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify("landing.begin", err)
	}
	defer tx.Rollback()

	columns := make([]string, 0, len(spec.Columns)+len(ingestion.LandingLineageColumns))
	columns = append(columns, spec.Columns...)
	columns = append(columns, ingestion.LandingLineageColumns...)

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("raw", spec.LandingTable, columns...))
	if err != nil {
		return classify("landing.copy", err)
	}

	for _, row := range rows {
		args := make([]any, 0, len(columns))
		for _, field := range row {
			args = append(args, field)
		}
		args = append(args,
			lineage.ObjectKey, lineage.ObjectVersionID, lineage.ContentHash,
			lineage.DateExtracted, string(lineage.Extract),
			lineage.FilePerOrgID, lineage.FilePracticeID,
			lineage.LoadRunID, lineage.LoadRunFileID, lineage.LoadedAt,
			false, nil, nil)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return classify("landing.copy", err)
		}
	}

	// The empty Exec flushes the COPY stream; errors from the server
	// side of the copy surface here.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return classify("landing.copy", err)
	}
	if err := stmt.Close(); err != nil {
		return classify("landing.copy", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("landing.commit", err)
	}
	return nil
}

// PurgeFile removes every landing row a previous attempt left behind,
// so a reclaimed file lands again from a clean slate. Returns the
// number of rows removed.
func (l *Landing) PurgeFile(ctx context.Context, spec ingestion.ExtractSpec, loadRunFileID string) (int64, error) {
	res, err := l.db.sql.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM raw.%s WHERE load_run_file_id = $1`, spec.LandingTable),
		loadRunFileID)
	if err != nil {
		return 0, classify("landing.purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("landing.purge", err)
	}
	return n, nil
}

// MarkSuperseded soft-deletes the landing rows of an earlier file once
// a newer version of the same source has been processed. Superseded
// rows stay queryable for audit but are excluded from staging walks.
// Reprocessing policy decides when to call this; the engine only
// provides the hook.
func (l *Landing) MarkSuperseded(ctx context.Context, spec ingestion.ExtractSpec, oldFileID, newFileID string, at time.Time) (int64, error) {
	res, err := l.db.sql.ExecContext(ctx,
		fmt.Sprintf(`UPDATE raw.%s
		 SET superseded = TRUE, superseded_at = $2, superseded_by_file_id = $3
		 WHERE load_run_file_id = $1 AND NOT superseded`, spec.LandingTable),
		oldFileID, at, newFileID)
	if err != nil {
		return 0, classify("landing.supersede", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("landing.supersede", err)
	}
	return n, nil
}
