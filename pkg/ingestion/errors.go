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

package ingestion

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates engine errors without an exception hierarchy.
// Handling decisions (retry, reject, skip, halt) dispatch on the kind,
// never on concrete error types.
type Kind string

const (
	// KindConfiguration marks invalid options or missing credentials.
	// Fatal before a run is created.
	KindConfiguration Kind = "configuration"

	// KindObjectStoreTransient marks network or throttling failures.
	// Retried with exponential backoff.
	KindObjectStoreTransient Kind = "object_store_transient"

	// KindObjectStoreTerminal marks missing objects or access denial.
	// The file fails; the run continues subject to the error threshold.
	KindObjectStoreTerminal Kind = "object_store_terminal"

	// KindParseStructural marks field-count mismatches and framing
	// corruption. Never retried.
	KindParseStructural Kind = "parse_structural"

	// KindIdempotency marks a duplicate (version id, content hash).
	// The file is skipped, counted separately, never an error.
	KindIdempotency Kind = "idempotency"

	// KindDBTransient marks connection drops and deadlocks. The batch
	// is retried; persistent failure fails the file.
	KindDBTransient Kind = "db_transient"

	// KindDBConstraint marks a unique violation outside the declared
	// conflict rule. Surfaced as a rejection row.
	KindDBConstraint Kind = "db_constraint"

	// Per-row kinds routed to the reject store and counted against
	// max_total_errors.
	KindValidation      Kind = "validation"
	KindTypeCoercion    Kind = "type_coercion"
	KindMissingRequired Kind = "missing_required"

	// KindResourceExhaustion marks memory or connection-cap pressure.
	// The orchestrator halts new work, drains in-flight, fails the run.
	KindResourceExhaustion Kind = "resource_exhaustion"

	// KindCancelled marks work stopped by the run's cancellation signal.
	KindCancelled Kind = "cancelled"
)

// retryableKinds are the only kinds the engine ever retries.
var retryableKinds = map[Kind]bool{
	KindObjectStoreTransient: true,
	KindDBTransient:          true,
}

// ErrContext is the record every engine error carries for structured
// logging and audit. Zero-valued fields are omitted from output.
type ErrContext struct {
	LoadRunID string    `json:"load_run_id,omitempty"`
	ObjectKey string    `json:"object_key,omitempty"`
	RowNumber int64     `json:"row_number,omitempty"`
	Column    string    `json:"column,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
}

// Error is the single engine error value. Kind carries the handling
// decision, Op names the failing operation, Context carries audit fields.
type Error struct {
	Kind    Kind
	Op      string
	Context ErrContext
	Err     error
}

// E builds an engine error, stamping the context timestamp and the
// retryable flag from the kind.
func E(kind Kind, op string, err error) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Err:  err,
		Context: ErrContext{
			Operation: op,
			Timestamp: time.Now().UTC(),
			Retryable: retryableKinds[kind],
		},
	}
}

// WithRun attaches the load-run id and returns the same error.
func (e *Error) WithRun(loadRunID string) *Error {
	e.Context.LoadRunID = loadRunID
	return e
}

// WithObject attaches the object key and returns the same error.
func (e *Error) WithObject(key string) *Error {
	e.Context.ObjectKey = key
	return e
}

// WithRow attaches the source row number and returns the same error.
func (e *Error) WithRow(n int64) *Error {
	e.Context.RowNumber = n
	return e
}

// WithColumn attaches the failing column and returns the same error.
func (e *Error) WithColumn(col string) *Error {
	e.Context.Column = col
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// LogArgs renders the context as alternating slog key-value pairs.
func (e *Error) LogArgs() []any {
	args := []any{"kind", string(e.Kind), "op", e.Op, "retryable", e.Context.Retryable}
	if e.Context.LoadRunID != "" {
		args = append(args, "load_run_id", e.Context.LoadRunID)
	}
	if e.Context.ObjectKey != "" {
		args = append(args, "object_key", e.Context.ObjectKey)
	}
	if e.Context.RowNumber > 0 {
		args = append(args, "row", e.Context.RowNumber)
	}
	if e.Context.Column != "" {
		args = append(args, "column", e.Context.Column)
	}
	if e.Err != nil {
		args = append(args, "err", e.Err)
	}
	return args
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report an empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the error chain carries a retryable kind.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return retryableKinds[e.Kind]
	}
	return false
}
