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
	"errors"
	"fmt"
	"time"

	"github.com/kraklabs/hie/pkg/ingestion"
)

// Ops covers the operational tables shared with downstream zones:
// health heartbeats, the etl.config key store, and the post-run
// reconciliation results in etl.dq_results.
type Ops struct {
	db *DB
}

// NewOps binds the operational store to the shared pool.
func NewOps(db *DB) *Ops { return &Ops{db: db} }

// HealthRecord is one heartbeat row.
type HealthRecord struct {
	Component  string
	Status     string
	Detail     string
	RecordedAt time.Time
}

// RecordHealth appends one heartbeat. The engine writes one per
// migrate and one per finished run; downstream jobs write their own.
func (o *Ops) RecordHealth(ctx context.Context, component, status, detail string) error {
	_, err := o.db.sql.ExecContext(ctx,
		`INSERT INTO etl.health (component, status, detail, recorded_at)
		 VALUES ($1, $2, $3, $4)`,
		component, status, detail, time.Now().UTC())
	if err != nil {
		return classify("ops.record_health", err)
	}
	return nil
}

// LatestHealth returns the newest heartbeat for each component.
func (o *Ops) LatestHealth(ctx context.Context) ([]HealthRecord, error) {
	rows, err := o.db.sql.QueryContext(ctx,
		`SELECT DISTINCT ON (component) component, status, detail, recorded_at
		 FROM etl.health ORDER BY component, recorded_at DESC`)
	if err != nil {
		return nil, classify("ops.latest_health", err)
	}
	defer rows.Close()

	var out []HealthRecord
	for rows.Next() {
		var h HealthRecord
		if err := rows.Scan(&h.Component, &h.Status, &h.Detail, &h.RecordedAt); err != nil {
			return nil, classify("ops.latest_health", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ops.latest_health", err)
	}
	return out, nil
}

// SetConfig upserts one key in etl.config.
func (o *Ops) SetConfig(ctx context.Context, key, value string) error {
	_, err := o.db.sql.ExecContext(ctx,
		`INSERT INTO etl.config (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return classify("ops.set_config", err)
	}
	return nil
}

// GetConfig reads one key, or ErrNotFound.
func (o *Ops) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := o.db.sql.QueryRowContext(ctx,
		`SELECT value FROM etl.config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config key %s: %w", key, ingestion.ErrNotFound)
	}
	if err != nil {
		return "", classify("ops.get_config", err)
	}
	return value, nil
}

// DQResult is one reconciliation check outcome for one extract of one
// load run.
type DQResult struct {
	LoadRunID string
	Extract   ingestion.ExtractType
	Check     string
	Passed    bool
	Expected  int64
	Actual    int64
	Detail    string
	CheckedAt time.Time
}

// ReconcileRun cross-checks the registry counters of one load run
// against physical row counts, records each outcome in etl.dq_results
// and returns them. Two checks per extract that processed files:
//
//	landing_rows: raw row count for the run equals the sum of the
//	  processed files' rows_ingested.
//	staging_rows: staging rows carrying the run's lineage do not
//	  exceed the staging runs' rows_upserted (upserts that hit the
//	  same natural key twice collapse into one physical row).
func (o *Ops) ReconcileRun(ctx context.Context, loadRunID string) ([]DQResult, error) {
	extracts, err := o.processedExtracts(ctx, loadRunID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var results []DQResult
	for _, extract := range extracts {
		spec, ok := ingestion.SpecFor(extract)
		if !ok {
			continue
		}

		var wantLanded, gotLanded int64
		err := o.db.sql.QueryRowContext(ctx,
			`SELECT COALESCE(sum(rows_ingested), 0) FROM etl.load_run_files
			 WHERE load_run_id = $1 AND extract_type = $2 AND status = $3`,
			loadRunID, string(extract), string(ingestion.FileProcessed)).Scan(&wantLanded)
		if err != nil {
			return nil, classify("ops.reconcile", err)
		}
		err = o.db.sql.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT count(*) FROM raw.%s WHERE load_run_id = $1`, spec.LandingTable),
			loadRunID).Scan(&gotLanded)
		if err != nil {
			return nil, classify("ops.reconcile", err)
		}
		results = append(results, DQResult{
			LoadRunID: loadRunID,
			Extract:   extract,
			Check:     "landing_rows",
			Passed:    gotLanded == wantLanded,
			Expected:  wantLanded,
			Actual:    gotLanded,
			CheckedAt: now,
		})

		var wantStaged, gotStaged int64
		err = o.db.sql.QueryRowContext(ctx,
			`SELECT COALESCE(sum(rows_upserted), 0) FROM etl.staging_runs
			 WHERE load_run_id = $1 AND extract_type = $2`,
			loadRunID, string(extract)).Scan(&wantStaged)
		if err != nil {
			return nil, classify("ops.reconcile", err)
		}
		err = o.db.sql.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT count(*) FROM stg.%s WHERE load_run_id = $1`, spec.StagingTable),
			loadRunID).Scan(&gotStaged)
		if err != nil {
			return nil, classify("ops.reconcile", err)
		}
		staged := DQResult{
			LoadRunID: loadRunID,
			Extract:   extract,
			Check:     "staging_rows",
			Passed:    gotStaged <= wantStaged,
			Expected:  wantStaged,
			Actual:    gotStaged,
			CheckedAt: now,
		}
		if gotStaged < wantStaged {
			staged.Detail = fmt.Sprintf("%d upserts collapsed onto existing natural keys", wantStaged-gotStaged)
		}
		results = append(results, staged)
	}

	for _, res := range results {
		_, err := o.db.sql.ExecContext(ctx,
			`INSERT INTO etl.dq_results (load_run_id, extract_type, check_name, passed,
				expected, actual, detail, checked_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			res.LoadRunID, string(res.Extract), res.Check, res.Passed,
			res.Expected, res.Actual, res.Detail, res.CheckedAt)
		if err != nil {
			return nil, classify("ops.reconcile", err)
		}
	}
	return results, nil
}

func (o *Ops) processedExtracts(ctx context.Context, loadRunID string) ([]ingestion.ExtractType, error) {
	rows, err := o.db.sql.QueryContext(ctx,
		`SELECT DISTINCT extract_type FROM etl.load_run_files
		 WHERE load_run_id = $1 AND status = $2 ORDER BY extract_type`,
		loadRunID, string(ingestion.FileProcessed))
	if err != nil {
		return nil, classify("ops.reconcile", err)
	}
	defer rows.Close()

	var out []ingestion.ExtractType
	for rows.Next() {
		var extract string
		if err := rows.Scan(&extract); err != nil {
			return nil, classify("ops.reconcile", err)
		}
		out = append(out, ingestion.ExtractType(extract))
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ops.reconcile", err)
	}
	return out, nil
}
