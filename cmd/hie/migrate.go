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
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hie/internal/errors"
	"github.com/kraklabs/hie/internal/ui"
	"github.com/kraklabs/hie/pkg/ingestion"
	"github.com/kraklabs/hie/pkg/warehouse"
)

// MigrateResult summarizes an applied migration for JSON output.
type MigrateResult struct {
	Statements    int    `json:"statements"`
	SchemaVersion string `json:"schema_version"`
	DurationMS    int64  `json:"duration_ms"`
}

// runMigrate executes the 'migrate' CLI command, applying the warehouse
// DDL.
//
// Every statement is CREATE IF NOT EXISTS, so migrate is safe to run
// repeatedly and against a warehouse that is mid-run. With --print the
// DDL is written to stdout instead, for DBAs who apply schema changes
// through their own channel.
func runMigrate(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	printOnly := fs.Bool("print", false, "Print the DDL to stdout without applying it")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hie migrate [options]

Description:
  Apply the warehouse schema: the raw, stg and etl schemas, the
  per-extract landing and staging tables, the run registry, and the
  operational tables (health, config, dq_results).

  The DDL is idempotent. Running migrate against an up-to-date
  warehouse is a no-op.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Apply the schema to the configured warehouse
  hie migrate

  # Review the DDL without touching anything
  hie migrate --print

  # Hand the DDL to psql directly
  hie migrate --print | psql "$HIE_DB_DSN"

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	// Printing needs no configuration at all.
	if *printOnly {
		for _, stmt := range warehouse.SchemaStatements() {
			fmt.Println(stmt + ";")
			fmt.Println()
		}
		return
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if cfg.Database.DSN == "" {
		errors.FatalError(errors.NewConfigError(
			"Warehouse DSN is not configured",
			"migrate needs a database connection string",
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
			"Check database.dsn in hie.yaml and that the warehouse accepts connections",
			err,
		), globals.JSON)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Ping(ctx); err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Warehouse is unreachable",
			err.Error(),
			"Check the host and credentials in database.dsn, and any firewall between this machine and the warehouse",
			err,
		), globals.JSON)
	}

	start := time.Now()
	if err := db.EnsureSchema(ctx); err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Schema migration failed",
			err.Error(),
			"The warehouse user needs CREATE privileges on the database",
			err,
		), globals.JSON)
	}
	elapsed := time.Since(start)

	// Bookkeeping after the schema exists. Failures here do not undo
	// the migration, so they warn instead of failing the command.
	ops := warehouse.NewOps(db)
	if err := ops.SetConfig(ctx, "schema_version", ingestion.ConfigVersion); err != nil {
		logger.Warn("migrate.config.write", "error", err)
	}
	stmtCount := len(warehouse.SchemaStatements())
	detail := fmt.Sprintf("%d statements applied", stmtCount)
	if err := ops.RecordHealth(ctx, "migrate", "ok", detail); err != nil {
		logger.Warn("migrate.health.write", "error", err)
	}

	if globals.JSON {
		encodeJSON(MigrateResult{
			Statements:    stmtCount,
			SchemaVersion: ingestion.ConfigVersion,
			DurationMS:    elapsed.Milliseconds(),
		}, globals)
		return
	}

	ui.Successf("Warehouse schema applied (%d statements in %s)", stmtCount, elapsed.Round(time.Millisecond))
}
