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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hie/internal/errors"
	"github.com/kraklabs/hie/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON    bool // Output in JSON format (for applicable commands)
	NoColor bool // Disable color output
	Verbose int  // Verbosity level: 0=normal, 1=-v (info), 2=-vv (debug)
	Quiet   bool // Suppress non-essential output (progress, info messages)
}

// newLogger builds the structured logger commands hand to the engine.
// Verbosity maps onto slog levels: default warn, -v info, -vv debug.
// Quiet mode raises the floor to error so only real problems surface.
func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case globals.Quiet:
		level = slog.LevelError
	case globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Verbose >= 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// main is the entry point for the HIE CLI.
//
// It parses global flags and dispatches to command handlers.
//
// Commands:
//   - init: Create an hie.yaml configuration file
//   - config: Show the resolved configuration
//   - migrate: Apply the warehouse schema
//   - discover: List candidate files and the processing plan
//   - run: Execute one load run
//   - status: Show recent load runs
//   - report: Export a load-run workbook
func main() {
	// Global flags with short forms
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to hie.yaml (default: search upward from the current directory)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop parsing at the first non-flag argument (the command name).
	// This allows subcommand-specific flags like "run --dry-run" to be
	// passed through to subcommand handlers instead of being rejected
	// by the global flag parser.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `HIE - Health Information Exchange ingestion engine

HIE moves practice-management extract files from an object store into
a relational warehouse: raw landing zone, typed staging tables, and a
run registry that guarantees each file version is processed exactly
once no matter how often it is replayed.

Usage:
  hie <command> [options]

Commands:
  init      Create an hie.yaml configuration file
  config    Show the resolved configuration (secrets redacted)
  migrate   Apply the warehouse schema (idempotent)
  discover  List candidate extract files and the processing plan
  run       Execute one load run end to end
  status    Show recent load runs, or one run in detail
  report    Export a load-run summary workbook (.xlsx)
  version   Show version information

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output (progress, info messages)
  -c, --config      Path to hie.yaml
  -V, --version     Show version and exit

Examples:
  hie init                           Create configuration interactively
  hie migrate                        Apply warehouse DDL
  hie discover                       Preview candidate files and batches
  hie run --dry-run                  Plan a run without writing data
  hie run                            Ingest everything new
  hie run --extracts patients        Restrict the run to one extract
  hie run --recover                  Re-resolve failed and pending files
  hie status                         List recent load runs
  hie status --run <id>              Show one run in detail
  hie report --run <id>              Export the run as a workbook

Getting Started:
  1. Create the configuration:  hie init
  2. Apply the schema:          hie migrate
  3. Preview the work:          hie run --dry-run
  4. Ingest:                    hie run
  5. Verify:                    hie status

Exit Codes (hie run):
  0    completed, nothing failed
  1    configuration error, no run created
  2    completed with failures under the error threshold
  3    failed beyond the threshold or aborted
  130  cancelled by SIGINT/SIGTERM

Environment Variables:
  HIE_CONFIG      Explicit path to hie.yaml
  HIE_BUCKET      Object store bucket
  HIE_DB_DSN      Warehouse connection string
  AWS_REGION      Bucket region

For detailed command help: hie <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// Check NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}

	// Validate conflicting flags
	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}

	// JSON mode auto-enables quiet to prevent progress bars corrupting JSON output
	if *jsonOutput {
		*quiet = true
	}

	// Build GlobalFlags struct
	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}

	// Initialize color output based on flags
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "config":
		runConfigCmd(cmdArgs, *configPath, globals)
	case "migrate":
		runMigrate(cmdArgs, *configPath, globals)
	case "discover":
		runDiscover(cmdArgs, *configPath, globals)
	case "run":
		runRun(cmdArgs, *configPath, globals)
	case "status":
		runStatus(cmdArgs, *configPath, globals)
	case "report":
		runReport(cmdArgs, *configPath, globals)
	case "version":
		printVersion()
	case "help":
		flag.Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

// printVersion prints build information for both `hie version` and -V.
func printVersion() {
	fmt.Printf("hie version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", date)
}

// encodeJSON writes a command result to stdout as indented JSON.
func encodeJSON(v any, globals GlobalFlags) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot encode result as JSON",
			"JSON encoding failed unexpectedly",
			"This is a bug. Please report it",
			err,
		), globals.JSON)
	}
}
