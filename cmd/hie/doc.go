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

// Package main implements the HIE (Health Information Exchange) ingestion CLI.
//
// HIE ingests practice-management extract files from an object store into a
// relational warehouse. Files land verbatim in a raw zone, are transformed
// into typed staging tables, and every attempt is recorded in a run registry
// so replays, retries and crashes never double-load a file.
//
// # Quick Start
//
// Create a configuration file:
//
//	hie init
//
// Apply the warehouse schema:
//
//	hie migrate
//
// Preview what a run would do:
//
//	hie run --dry-run
//
// Ingest everything new:
//
//	hie run
//
// Inspect the outcome:
//
//	hie status
//	hie status --run <load_run_id>
//	hie report --run <load_run_id>
//
// # Commands
//
// The CLI provides these commands:
//
//	init      Create an hie.yaml configuration file
//	config    Show the resolved configuration (secrets redacted)
//	migrate   Apply the warehouse schema (idempotent)
//	discover  List candidate extract files and the processing plan
//	run       Execute one load run end to end
//	status    Show recent load runs, or one run in detail
//	report    Export a load-run summary workbook (.xlsx)
//	version   Show version information
//
// Global flags:
//
//	--json         Output in JSON format (for applicable commands)
//	--no-color     Disable color output (respects NO_COLOR env var)
//	-v, --verbose  Increase verbosity (-v for info, -vv for debug)
//	-q, --quiet    Suppress non-essential output
//	-c, --config   Path to hie.yaml
//	-V, --version  Show version and exit
//
// # Configuration
//
// HIE is configured through an hie.yaml file found via --config, the
// HIE_CONFIG environment variable, or by walking up from the current
// directory. Environment variables override file values:
//
//	HIE_BUCKET           Object store bucket
//	HIE_PREFIX           Key prefix extract files are delivered under
//	HIE_S3_ENDPOINT      S3 endpoint override (MinIO, localstack)
//	AWS_REGION           Bucket region
//	HIE_DB_DSN           Warehouse connection string
//	HIE_TIMEZONE         IANA timezone for filename date stamps
//	HIE_ORDER            Batch order: latest or backfill
//	HIE_VALIDATE_HASHES  Stream-hash candidates instead of trusting ETags
//
// AWS credentials resolve through the standard SDK chain (environment,
// shared config, instance role).
//
// # Exit Codes
//
// hie run maps the run outcome onto its exit code:
//
//	0    run completed, nothing failed
//	1    configuration error, no run was created
//	2    run completed with failures under the error threshold
//	3    run failed: threshold exceeded, deadline hit, or aborted
//	130  run cancelled by SIGINT/SIGTERM
//
// See hie --help for complete usage information.
package main
