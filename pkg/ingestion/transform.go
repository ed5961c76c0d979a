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
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LandingRow is one raw-zone row as the transformer reads it back:
// positional source fields plus the lineage needed to stage it.
type LandingRow struct {
	// RowNumber is the 1-based position within the source file.
	RowNumber       int64
	LoadRunFileID   string
	ObjectVersionID string
	ContentHash     string
	DateExtracted   time.Time

	// Fields are positional, matching the extract's declared columns.
	Fields []string
}

// StagedRow is one typed row ready for upsert, with its source row
// kept alongside for lineage and audit.
type StagedRow struct {
	Source LandingRow

	// Values are the coerced targets, ordered per the extract's
	// transformation list.
	Values []any
}

// UpsertMode selects conflict behavior on the staging table.
type UpsertMode string

const (
	// UpsertUpdate overwrites all non-key columns on conflict and
	// advances lineage. The default.
	UpsertUpdate UpsertMode = "update"

	// UpsertSkip leaves existing rows untouched on conflict.
	UpsertSkip UpsertMode = "skip"
)

// UpsertOptions shape one staging write.
type UpsertOptions struct {
	Mode UpsertMode

	// ConflictColumns override the extract's natural keys. Rarely
	// needed; empty uses the handler declaration.
	ConflictColumns []string
}

// StagingStore is what the transformer needs from the warehouse: a
// cursor over landed rows, a batch-atomic upsert channel, and the
// per-extract serialization lock.
type StagingStore interface {
	// StreamLanding walks raw.<extract> rows belonging to loadRunID in
	// file order, skipping superseded rows and rows whose source file
	// never reached processed status. fn returning an error stops the
	// walk and surfaces that error.
	StreamLanding(ctx context.Context, spec ExtractSpec, loadRunID string, fn func(LandingRow) error) error

	// UpsertBatch commits one batch of staged rows plus that batch's
	// rejections in a single transaction, returning how many rows were
	// actually written (skip mode writes fewer than it is given).
	UpsertBatch(ctx context.Context, spec ExtractSpec, opts UpsertOptions, rows []StagedRow, rejects []*Rejection) (int64, error)

	// AcquireLock serializes transformers per (load run, extract).
	// The returned release must be called exactly once.
	AcquireLock(ctx context.Context, loadRunID string, extract ExtractType) (release func() error, err error)
}

// TransformOptions scope one transformer invocation.
type TransformOptions struct {
	LoadRunID       string
	UpsertMode      UpsertMode
	ConflictColumns []string
}

// StagingResult reports one extract transformation.
type StagingResult struct {
	StagingRunID string
	Extract      ExtractType

	RowsRead        int64
	RowsTransformed int64
	RowsRejected    int64
	RowsUpserted    int64

	Batches       int
	FailedBatches int
	Duration      time.Duration

	Errors   []error
	Warnings []string
}

// StagingTransformer turns landed text rows into typed staging rows,
// diverting violations to the reject store. Rows move READ → COERCED →
// VALIDATED → UPSERTED, any step diverting to REJECTED; both terminal
// states are visible in audit.
type StagingTransformer struct {
	store    StagingStore
	registry Registry
	metrics  *Metrics
	logger   *slog.Logger

	cfg   StagingConfig
	retry RetryConfig
	loc   *time.Location
}

// NewStagingTransformer wires a transformer. Metrics may be nil; a nil
// logger uses slog.Default; a nil location means UTC.
func NewStagingTransformer(store StagingStore, registry Registry, cfg StagingConfig, retry RetryConfig, loc *time.Location, metrics *Metrics, logger *slog.Logger) *StagingTransformer {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &StagingTransformer{
		store:    store,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		retry:    retry,
		loc:      loc,
	}
}

// Transform stages every non-superseded landed row of one extract for
// one load run. It is idempotent: re-running with the same options
// re-derives the same staging rows and rejections, upserts writing the
// same values they wrote before.
func (t *StagingTransformer) Transform(ctx context.Context, spec ExtractSpec, opts TransformOptions) (*StagingResult, error) {
	start := time.Now()
	if opts.LoadRunID == "" {
		return nil, E(KindConfiguration, "staging.options", errors.New("load run id is required"))
	}
	if opts.UpsertMode == "" {
		opts.UpsertMode = UpsertUpdate
	}

	release, err := t.store.AcquireLock(ctx, opts.LoadRunID, spec.Extract)
	if err != nil {
		if ctx.Err() != nil {
			return nil, E(KindCancelled, "staging.lock", ctx.Err()).WithRun(opts.LoadRunID)
		}
		return nil, E(KindDBTransient, "staging.lock", err).WithRun(opts.LoadRunID)
	}
	defer func() {
		if err := release(); err != nil {
			t.logger.Warn("ingest.staging.unlock.error", "extract", string(spec.Extract), "err", err)
		}
	}()

	run := &StagingRun{
		ID:        NewRunID(),
		LoadRunID: opts.LoadRunID,
		Extract:   spec.Extract,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := t.registry.CreateStagingRun(ctx, run); err != nil {
		return nil, E(KindDBTransient, "staging.create_run", err).WithRun(opts.LoadRunID)
	}

	result := &StagingResult{StagingRunID: run.ID, Extract: spec.Extract}
	t.logger.Info("ingest.staging.start",
		"load_run_id", opts.LoadRunID,
		"staging_run_id", run.ID,
		"extract", string(spec.Extract),
		"mode", string(opts.UpsertMode))

	err = t.stream(ctx, spec, opts, run, result)
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		t.finishRun(ctx, run, result, RunCompleted, "")
		t.logger.Info("ingest.staging.complete",
			"load_run_id", opts.LoadRunID,
			"staging_run_id", run.ID,
			"extract", string(spec.Extract),
			"rows_read", result.RowsRead,
			"rows_transformed", result.RowsTransformed,
			"rows_rejected", result.RowsRejected,
			"rows_upserted", result.RowsUpserted,
			"batches", result.Batches,
			"duration_ms", result.Duration.Milliseconds())
		return result, nil

	case KindOf(err) == KindCancelled:
		result.Errors = appendOnce(result.Errors, err)
		t.finishRun(ctx, run, result, RunCancelled, "cancelled: "+err.Error())
		t.logger.Warn("ingest.staging.cancelled",
			"load_run_id", opts.LoadRunID,
			"staging_run_id", run.ID,
			"extract", string(spec.Extract),
			"rows_read", result.RowsRead)
		return result, err

	default:
		result.Errors = appendOnce(result.Errors, err)
		t.finishRun(ctx, run, result, RunFailed, err.Error())
		t.logger.Error("ingest.staging.failed",
			"load_run_id", opts.LoadRunID,
			"staging_run_id", run.ID,
			"extract", string(spec.Extract),
			"err", err)
		return result, err
	}
}

// stream walks the landing cursor, coercing and buffering rows, and
// flushes full batches as it goes.
func (t *StagingTransformer) stream(ctx context.Context, spec ExtractSpec, opts TransformOptions, run *StagingRun, result *StagingResult) error {
	coercer := NewRowCoercer(spec, t.cfg.Coercion(t.loc))

	var (
		accepted []StagedRow
		rejects  []*Rejection
	)

	flush := func() error {
		if len(accepted) == 0 && len(rejects) == 0 {
			return nil
		}
		if err := t.flushBatch(ctx, spec, opts, run, result, accepted, rejects); err != nil {
			return err
		}
		accepted = accepted[:0]
		rejects = rejects[:0]
		return t.checkpoint(ctx, run, result)
	}

	walkErr := t.store.StreamLanding(ctx, spec, opts.LoadRunID, func(row LandingRow) error {
		if err := ctx.Err(); err != nil {
			return E(KindCancelled, "staging.stream", err).WithRun(opts.LoadRunID)
		}

		result.RowsRead++
		values, fieldErrs := coercer.Coerce(row.Fields)

		if len(fieldErrs) > 0 {
			if !t.cfg.RejectInvalidRows {
				lead := fieldErrs[0]
				return E(lead.Category, "staging.coerce", lead).
					WithRun(opts.LoadRunID).WithRow(row.RowNumber).WithColumn(lead.Column)
			}
			rej := t.buildRejection(run, row, fieldErrs)
			rejects = append(rejects, rej)
			result.RowsRejected++
			t.metrics.ObserveRejects(spec.Extract, rej.Category, 1)

			if len(rejects) > t.cfg.MaxErrorsPerBatch {
				return E(KindValidation, "staging.batch_errors",
					fmt.Errorf("batch collected %d rejections (cap %d)", len(rejects), t.cfg.MaxErrorsPerBatch)).
					WithRun(opts.LoadRunID).WithRow(row.RowNumber)
			}
			if result.RowsRejected > int64(t.cfg.MaxTotalErrors) {
				return E(KindValidation, "staging.total_errors",
					fmt.Errorf("extract accumulated %d rejections (cap %d)", result.RowsRejected, t.cfg.MaxTotalErrors)).
					WithRun(opts.LoadRunID).WithRow(row.RowNumber)
			}
		} else {
			result.RowsTransformed++
			accepted = append(accepted, StagedRow{Source: row, Values: values})
		}

		if len(accepted) >= t.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if walkErr != nil {
		if KindOf(walkErr) != "" {
			return walkErr
		}
		if ctx.Err() != nil {
			return E(KindCancelled, "staging.stream", ctx.Err()).WithRun(opts.LoadRunID)
		}
		return E(KindDBTransient, "staging.stream", walkErr).WithRun(opts.LoadRunID)
	}

	return flush()
}

// flushBatch commits one batch (upserts + its rejections) atomically,
// retrying transient failures. A constraint violation falls back to
// row-by-row salvage so one bad row costs one rejection, not a batch.
func (t *StagingTransformer) flushBatch(ctx context.Context, spec ExtractSpec, opts TransformOptions, run *StagingRun, result *StagingResult, rows []StagedRow, rejects []*Rejection) error {
	upsertOpts := UpsertOptions{Mode: opts.UpsertMode, ConflictColumns: opts.ConflictColumns}

	var lastErr error
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, t.retry.Backoff(attempt-1)); err != nil {
				return E(KindCancelled, "staging.flush", err).WithRun(opts.LoadRunID)
			}
			t.logger.Warn("ingest.staging.flush.retry",
				"staging_run_id", run.ID, "extract", string(spec.Extract),
				"attempt", attempt, "err", lastErr)
		}

		flushCtx, cancel := context.WithTimeout(detached(ctx), 2*time.Minute)
		n, err := t.store.UpsertBatch(flushCtx, spec, upsertOpts, rows, rejects)
		cancel()
		if err == nil {
			result.Batches++
			result.RowsUpserted += n
			t.metrics.ObserveFlush("stg."+spec.StagingTable, "ok")
			return nil
		}
		lastErr = err
		if KindOf(err) == KindDBConstraint {
			return t.salvageBatch(ctx, spec, upsertOpts, run, result, rows, rejects)
		}
		if !IsRetryable(err) {
			break
		}
	}

	result.FailedBatches++
	t.metrics.ObserveFlush("stg."+spec.StagingTable, "failed")
	kind := KindOf(lastErr)
	if kind == "" {
		kind = KindDBTransient
	}
	return E(kind, "staging.flush", lastErr).WithRun(opts.LoadRunID)
}

// salvageBatch replays a constraint-violating batch row by row: clean
// rows commit individually, offenders become db_constraint rejections.
func (t *StagingTransformer) salvageBatch(ctx context.Context, spec ExtractSpec, opts UpsertOptions, run *StagingRun, result *StagingResult, rows []StagedRow, rejects []*Rejection) error {
	t.logger.Warn("ingest.staging.salvage",
		"staging_run_id", run.ID, "extract", string(spec.Extract), "rows", len(rows))
	t.metrics.ObserveFlush("stg."+spec.StagingTable, "salvaged")

	// The batch's rejections commit first, alone, so they are not
	// re-attempted per row.
	if len(rejects) > 0 {
		flushCtx, cancel := context.WithTimeout(detached(ctx), 2*time.Minute)
		_, err := t.store.UpsertBatch(flushCtx, spec, opts, nil, rejects)
		cancel()
		if err != nil {
			return E(KindDBTransient, "staging.salvage.rejects", err)
		}
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return E(KindCancelled, "staging.salvage", err)
		}
		flushCtx, cancel := context.WithTimeout(detached(ctx), 30*time.Second)
		n, err := t.store.UpsertBatch(flushCtx, spec, opts, []StagedRow{row}, nil)
		cancel()
		if err == nil {
			result.RowsUpserted += n
			continue
		}
		if KindOf(err) != KindDBConstraint {
			return E(KindDBTransient, "staging.salvage", err)
		}

		rej := &Rejection{
			StagingRunID:  run.ID,
			LoadRunFileID: row.Source.LoadRunFileID,
			Extract:       spec.Extract,
			RowNumber:     row.Source.RowNumber,
			RawRow:        row.Source.Fields,
			Category:      KindDBConstraint,
			Reason:        trimReason(err.Error()),
			RejectedAt:    time.Now().UTC(),
		}
		if recErr := t.registry.RecordRejection(detached(ctx), rej); recErr != nil {
			return E(KindDBTransient, "staging.salvage.record", recErr)
		}
		result.RowsRejected++
		result.RowsTransformed--
		t.metrics.ObserveRejects(spec.Extract, KindDBConstraint, 1)
	}

	result.Batches++
	return nil
}

func (t *StagingTransformer) buildRejection(run *StagingRun, row LandingRow, fieldErrs []FieldError) *Rejection {
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fe.Error())
	}
	return &Rejection{
		StagingRunID:  run.ID,
		LoadRunFileID: row.LoadRunFileID,
		Extract:       run.Extract,
		RowNumber:     row.RowNumber,
		RawRow:        row.Fields,
		FieldErrors:   fieldErrs,
		Category:      fieldErrs[0].Category,
		Reason:        trimReason(strings.Join(parts, "; ")),
		RejectedAt:    time.Now().UTC(),
	}
}

// checkpoint persists cross-batch progress on the staging run row.
func (t *StagingTransformer) checkpoint(ctx context.Context, run *StagingRun, result *StagingResult) error {
	run.RowsRead = result.RowsRead
	run.RowsTransformed = result.RowsTransformed
	run.RowsRejected = result.RowsRejected
	run.RowsUpserted = result.RowsUpserted
	if err := t.registry.UpdateStagingRun(ctx, run); err != nil {
		return E(KindDBTransient, "staging.checkpoint", err).WithRun(run.LoadRunID)
	}
	return nil
}

// finishRun stamps the staging run terminal on a detached context so
// the outcome lands even during teardown.
func (t *StagingTransformer) finishRun(ctx context.Context, run *StagingRun, result *StagingResult, status RunStatus, detail string) {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.ErrorDetail = detail
	run.RowsRead = result.RowsRead
	run.RowsTransformed = result.RowsTransformed
	run.RowsRejected = result.RowsRejected
	run.RowsUpserted = result.RowsUpserted
	if err := t.registry.UpdateStagingRun(detached(ctx), run); err != nil {
		t.logger.Error("ingest.staging.finalize.error",
			"staging_run_id", run.ID, "status", string(status), "err", err)
	}
}

// trimReason caps reject reasons so a pathological value cannot bloat
// the audit table.
func trimReason(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
