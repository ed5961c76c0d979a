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

// Package warehouse is the Postgres side of the engine: one pooled
// connection handle shared by every store, the DDL for the raw, stg
// and etl schemas, and lib/pq implementations of the run registry,
// landing writer and staging store contracts from pkg/ingestion.
package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kraklabs/hie/pkg/ingestion"
)

// DB wraps the shared connection pool. Open it once and hand it to
// every store; the pool bounds come from the database config block.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open connects to the warehouse and applies the pool limits. The DSN
// is not dialed here; call Ping to verify reachability.
func Open(cfg ingestion.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	handle, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, ingestion.E(ingestion.KindConfiguration, "warehouse.open", err)
	}
	handle.SetMaxOpenConns(cfg.MaxOpenConns)
	handle.SetMaxIdleConns(cfg.MaxIdleConns)
	handle.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	return &DB{sql: handle, logger: logger}, nil
}

// Ping verifies the warehouse is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.sql.PingContext(ctx); err != nil {
		return classify("warehouse.ping", err)
	}
	return nil
}

// Handle exposes the pool for callers that need raw SQL.
func (db *DB) Handle() *sql.DB { return db.sql }

// Close releases the pool.
func (db *DB) Close() error { return db.sql.Close() }

// Transient SQLSTATE classes: 08 connection exception, 40 transaction
// rollback (serialization failure, deadlock), 53 insufficient
// resources, 57 operator intervention (shutdown, crash recovery).
var transientSQLClasses = []string{"08", "40", "53", "57"}

// classify maps a database error onto the engine taxonomy. Integrity
// violations (class 23) and multi-row upsert cardinality violations
// (class 21) surface as KindDBConstraint so the staging layer falls
// back to row-by-row salvage; connection loss and resource exhaustion
// surface as KindDBTransient so retry loops re-attempt them. Anything
// else stays unclassified and therefore never retries.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "23"), strings.HasPrefix(code, "21"):
			return ingestion.E(ingestion.KindDBConstraint, op, err)
		}
		for _, class := range transientSQLClasses {
			if strings.HasPrefix(code, class) {
				return ingestion.E(ingestion.KindDBTransient, op, err)
			}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	switch {
	case errors.Is(err, sql.ErrConnDone),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded):
		return ingestion.E(ingestion.KindDBTransient, op, err)
	case errors.Is(err, context.Canceled):
		return ingestion.E(ingestion.KindCancelled, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// nullTime adapts an optional timestamp for a nullable column.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// timePtr is the inverse of nullTime for row scans.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
