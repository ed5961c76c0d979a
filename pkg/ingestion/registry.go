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
	"context"
	"errors"
	"time"
)

// =============================================================================
// RUN REGISTRY ENTITIES
// =============================================================================
//
// The registry is the audit store for everything the engine does: one
// LoadRun per pipeline execution, one LoadRunFile per object attempt,
// one StagingRun per (load run, extract) transformation, and one
// Rejection per row diverted to the reject store. These rows survive
// process exit and drive recovery, idempotency, and reporting.

// Trigger identifies what started a load run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerRecovery  Trigger = "recovery"
)

// RunStatus is the lifecycle state of a LoadRun or StagingRun.
// Created running; transitions terminal exactly once.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// FileStatus is the lifecycle state of one LoadRunFile attempt.
type FileStatus string

const (
	FilePending          FileStatus = "pending"
	FileInProgress       FileStatus = "in_progress"
	FileProcessed        FileStatus = "processed"
	FileFailed           FileStatus = "failed"
	FileSkippedDuplicate FileStatus = "skipped_duplicate"
	FileCancelled        FileStatus = "cancelled"
)

// IsTerminal reports whether the file attempt is finished. Failed and
// cancelled files are terminal for their attempt but remain claimable
// by a later run; processed and skipped files are never reclaimed.
func (s FileStatus) IsTerminal() bool {
	switch s {
	case FileProcessed, FileFailed, FileSkippedDuplicate, FileCancelled:
		return true
	}
	return false
}

// Claimable reports whether a new run may take over the file. An
// in-progress row is claimable only past the staleness threshold,
// which the registry enforces; here it counts as not claimable.
func (s FileStatus) Claimable() bool {
	return s == FilePending || s == FileFailed || s == FileCancelled
}

// DefaultStaleClaimThreshold is how long an in_progress LoadRunFile may
// go untouched before another run may claim it as abandoned.
const DefaultStaleClaimThreshold = 30 * time.Minute

// LoadRun is one execution of the pipeline over one processing plan.
type LoadRun struct {
	ID          string
	TriggeredBy Trigger
	Status      RunStatus
	StartedAt   time.Time

	// CompletedAt is set exactly once, when Status turns terminal.
	// Nil while running. Never earlier than StartedAt.
	CompletedAt *time.Time

	// Aggregate counters rolled up from the run's files and staging
	// runs. Monotonic non-decreasing.
	RowsIngested int64
	RowsRejected int64

	Notes string
}

// Finish stamps the run terminal. No-op guard against regressing an
// already-terminal run belongs to the registry, not here.
func (r *LoadRun) Finish(status RunStatus, at time.Time) {
	r.Status = status
	r.CompletedAt = &at
}

// LoadRunFile is one attempt to load one object within a load run.
// The pair (ObjectVersionID, ContentHash) is the engine's idempotency
// key: at most one non-skipped row may exist per pair, and therefore
// at most one processed one. Replayed identities add extra rows in
// status skipped_duplicate as an audit trail of the skip.
type LoadRunFile struct {
	ID        string
	LoadRunID string

	ObjectKey       string
	ObjectVersionID string
	ContentHash     string

	// Identity fields decoded from the filename at discovery time.
	Extract       ExtractType
	DateExtracted time.Time
	PerOrgID      string
	PracticeID    string

	Status       FileStatus
	RowsRead     int64
	RowsIngested int64
	RowsRejected int64
	ErrorDetail  string

	StartedAt   time.Time
	CompletedAt *time.Time

	// UpdatedAt is touched on every write and anchors the staleness
	// check for claiming abandoned in-progress rows.
	UpdatedAt time.Time
}

// Finish stamps the attempt's completion time.
func (f *LoadRunFile) Finish(at time.Time) {
	f.CompletedAt = &at
	f.UpdatedAt = at
}

// StagingRun is one execution of the staging transformer over one
// extract of a load run. Counters checkpoint cross-batch progress so
// an aborted run reports exactly how far it got.
type StagingRun struct {
	ID        string
	LoadRunID string
	Extract   ExtractType
	Status    RunStatus

	RowsRead        int64
	RowsTransformed int64
	RowsRejected    int64
	RowsUpserted    int64

	StartedAt   time.Time
	CompletedAt *time.Time
	ErrorDetail string
}

// Rejection is one landing row that failed transformation, preserved
// whole for investigation. Category reuses the per-row error kinds
// (missing_required, type_coercion, validation, db_constraint).
type Rejection struct {
	StagingRunID  string
	LoadRunFileID string
	Extract       ExtractType

	// RowNumber is the 1-based position within the source file.
	RowNumber int64

	// RawRow is the untransformed field snapshot exactly as landed.
	RawRow []string

	FieldErrors []FieldError
	Category    Kind
	Reason      string
	RejectedAt  time.Time
}

// RejectionReason aggregates rejections sharing an extract, category
// and reason for the run summary's "top reasons" view.
type RejectionReason struct {
	Extract  ExtractType
	Category Kind
	Reason   string
	Count    int64
}

// RunSummary is the read model behind `hie status --run` and
// `hie report`: one load run with its files, staging runs, and the
// most frequent rejection reasons.
type RunSummary struct {
	Run           *LoadRun
	Files         []*LoadRunFile
	StagingRuns   []*StagingRun
	TopRejections []RejectionReason
}

// =============================================================================
// REGISTRY INTERFACE
// =============================================================================

// Registry sentinel errors. Implementations wrap these so callers can
// branch with errors.Is.
var (
	// ErrNotFound means the requested run or file does not exist.
	ErrNotFound = errors.New("registry: not found")

	// ErrDuplicateIdentity means a LoadRunFile with the same
	// (object_version_id, content_hash) already exists. The caller
	// re-reads the existing row and applies the idempotency gate.
	ErrDuplicateIdentity = errors.New("registry: duplicate identity")

	// ErrTerminalState means an update tried to mutate a run or file
	// whose status is already terminal.
	ErrTerminalState = errors.New("registry: terminal state is immutable")
)

// Registry persists run bookkeeping. It is the only cross-component
// shared state in the engine; every mutation locks the row it touches
// so concurrent workers never clobber each other's counters.
//
// Counter fields never decrease: updates apply max(stored, submitted).
// Terminal statuses never regress: updates against a terminal row
// return ErrTerminalState.
type Registry interface {
	// CreateLoadRun inserts a new run in status running.
	CreateLoadRun(ctx context.Context, run *LoadRun) error

	// UpdateLoadRun persists status, counters, completion time and
	// notes for an existing run.
	UpdateLoadRun(ctx context.Context, run *LoadRun) error

	// IncrementLoadRunCounters adds per-file row counts onto the run
	// row. Concurrent workers accrue through this so their increments
	// serialize on the run row instead of overwriting each other.
	IncrementLoadRunCounters(ctx context.Context, loadRunID string, rowsIngested, rowsRejected int64) error

	// GetLoadRun fetches one run by id.
	GetLoadRun(ctx context.Context, id string) (*LoadRun, error)

	// CreateLoadRunFile inserts a new file attempt. Returns
	// ErrDuplicateIdentity when a non-skipped row already holds the
	// (ObjectVersionID, ContentHash) pair; audit rows in status
	// skipped_duplicate never conflict.
	CreateLoadRunFile(ctx context.Context, file *LoadRunFile) error

	// UpdateLoadRunFile persists status, counters and error detail.
	UpdateLoadRunFile(ctx context.Context, file *LoadRunFile) error

	// FindLoadRunFileByIdentity resolves the idempotency key to its
	// single owning (non-skipped) row, or ErrNotFound.
	FindLoadRunFileByIdentity(ctx context.Context, versionID, contentHash string) (*LoadRunFile, error)

	// ClaimLoadRunFile re-assigns an abandoned file to loadRunID and
	// flips it in_progress, in one conditional write. The claim
	// succeeds only when the row is failed, cancelled, or in_progress
	// untouched for longer than staleAfter. Returns false when the
	// row was not claimable (someone else owns it).
	ClaimLoadRunFile(ctx context.Context, fileID, loadRunID string, staleAfter time.Duration) (bool, error)

	// ListFilesForLoadRun returns every file attempt of one run.
	ListFilesForLoadRun(ctx context.Context, loadRunID string) ([]*LoadRunFile, error)

	// FindFailedOrPendingFiles returns files eligible for a recovery
	// run, oldest first, capped at limit.
	FindFailedOrPendingFiles(ctx context.Context, limit int) ([]*LoadRunFile, error)

	// CreateStagingRun inserts a new staging run in status running.
	CreateStagingRun(ctx context.Context, run *StagingRun) error

	// UpdateStagingRun persists status, counters and error detail.
	UpdateStagingRun(ctx context.Context, run *StagingRun) error

	// RecordRejection appends one rejected row to the reject store.
	RecordRejection(ctx context.Context, rej *Rejection) error

	// RecentLoadRuns returns the newest runs first, capped at limit.
	RecentLoadRuns(ctx context.Context, limit int) ([]*LoadRun, error)

	// RunSummary assembles the full read model for one run.
	RunSummary(ctx context.Context, loadRunID string) (*RunSummary, error)
}
