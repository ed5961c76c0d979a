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
	"io"
	"log/slog"
	"time"

	"github.com/kraklabs/hie/pkg/objstore"
)

// Lineage is the per-file identity appended to every landed row so
// each raw record resolves back to exactly one LoadRunFile.
type Lineage struct {
	ObjectKey       string
	ObjectVersionID string
	ContentHash     string
	DateExtracted   time.Time
	Extract         ExtractType
	FilePerOrgID    string
	FilePracticeID  string
	LoadRunID       string
	LoadRunFileID   string
	LoadedAt        time.Time
}

// LandingWriter lands buffers of raw rows. One InsertBatch call is one
// transaction: it either commits whole or leaves no trace.
type LandingWriter interface {
	InsertBatch(ctx context.Context, spec ExtractSpec, lineage Lineage, rows [][]string) error

	// PurgeFile removes rows previously landed under one file attempt
	// so a reclaimed file re-lands from a clean slate instead of
	// duplicating its earlier partial batches.
	PurgeFile(ctx context.Context, spec ExtractSpec, loadRunFileID string) (int64, error)
}

// LoadResult reports one file-load attempt.
type LoadResult struct {
	FileID  string
	Extract ExtractType

	RowsRead     int64
	RowsIngested int64

	// RowsRejected counts framed rows that never landed: structural
	// field-count skips plus rows in buffers that failed terminally.
	// For a processed file RowsIngested + RowsRejected == RowsRead.
	RowsRejected int64

	SuccessfulBatches int
	FailedBatches     int
	Duration          time.Duration

	// Skipped marks an idempotency-gate skip; counts are zero.
	Skipped bool

	Errors   []error
	Warnings []string
}

// RawLoader streams extract files into the landing zone. Each Load is
// self-contained: the idempotency gate, framing, buffered inserts and
// registry finalization all happen inside the one call, so the
// orchestrator can fan files out to a worker pool freely.
type RawLoader struct {
	store    objstore.Store
	registry Registry
	landing  LandingWriter
	metrics  *Metrics
	logger   *slog.Logger

	cfg        RawLoaderConfig
	retry      RetryConfig
	staleClaim time.Duration
}

// NewRawLoader wires a loader. Metrics may be nil; a nil logger uses
// slog.Default.
func NewRawLoader(store objstore.Store, registry Registry, landing LandingWriter, cfg RawLoaderConfig, retry RetryConfig, metrics *Metrics, logger *slog.Logger) *RawLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RawLoader{
		store:      store,
		registry:   registry,
		landing:    landing,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		retry:      retry,
		staleClaim: DefaultStaleClaimThreshold,
	}
}

// maxRowBytes derives the per-row size cap from the memory budget: one
// buffer of BatchSize rows must fit in MaxMemoryMB.
func (l *RawLoader) maxRowBytes() int {
	batch := l.cfg.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	cap := l.cfg.MaxMemoryMB * 1024 * 1024 / batch
	if cap < 64*1024 {
		cap = 64 * 1024
	}
	return cap
}

// Load runs the full per-file algorithm: idempotency gate, stream and
// frame, buffered landing inserts, registry finalization. The returned
// error is non-nil only when the file failed; the orchestrator counts
// it against the run threshold. A gate skip is a nil-error result with
// Skipped set.
func (l *RawLoader) Load(ctx context.Context, file DiscoveredFile, loadRunID string) (*LoadResult, error) {
	start := time.Now()
	spec, ok := SpecFor(file.Parsed.Extract)
	if !ok {
		// Discovery only emits recognized extracts; reaching here
		// means the registry and parser disagree.
		return nil, E(KindConfiguration, "load.spec", fmt.Errorf("no spec for extract %q", file.Parsed.Extract)).
			WithRun(loadRunID).WithObject(file.Key())
	}

	result := &LoadResult{Extract: file.Parsed.Extract}

	fileRow, reclaimed, err := l.gate(ctx, file, loadRunID)
	if err != nil {
		return nil, err
	}
	if fileRow == nil {
		result.Skipped = true
		result.Duration = time.Since(start)
		l.metrics.ObserveFile(file.Parsed.Extract, FileSkippedDuplicate, 0, 0, result.Duration)
		return result, nil
	}
	result.FileID = fileRow.ID

	l.logger.Info("ingest.load.start",
		"load_run_id", loadRunID,
		"file_id", fileRow.ID,
		"key", file.Key(),
		"extract", string(file.Parsed.Extract),
		"size", file.Meta.Size,
		"reclaimed", reclaimed)

	if reclaimed {
		purged, err := l.landing.PurgeFile(ctx, spec, fileRow.ID)
		if err != nil {
			return result, l.finishFailed(ctx, fileRow, result, start,
				E(KindDBTransient, "load.purge", err).WithRun(loadRunID).WithObject(file.Key()))
		}
		if purged > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("purged %d rows from earlier attempt", purged))
		}
	}

	lineage := Lineage{
		ObjectKey:       file.Key(),
		ObjectVersionID: file.Meta.VersionID,
		ContentHash:     file.ContentHash,
		DateExtracted:   file.Parsed.DateExtracted,
		Extract:         file.Parsed.Extract,
		FilePerOrgID:    file.Parsed.PerOrgID,
		FilePracticeID:  file.Parsed.PracticeID,
		LoadRunID:       loadRunID,
		LoadRunFileID:   fileRow.ID,
		LoadedAt:        time.Now().UTC(),
	}

	if err := l.streamAndLand(ctx, file, spec, lineage, result); err != nil {
		if KindOf(err) == KindCancelled {
			return result, l.finishCancelled(ctx, fileRow, result, start, err)
		}
		return result, l.finishFailed(ctx, fileRow, result, start, err)
	}

	result.Duration = time.Since(start)
	fileRow.Status = FileProcessed
	fileRow.RowsRead = result.RowsRead
	fileRow.RowsIngested = result.RowsIngested
	fileRow.RowsRejected = result.RowsRejected
	fileRow.Finish(time.Now().UTC())
	if err := l.registry.UpdateLoadRunFile(detached(ctx), fileRow); err != nil {
		return result, E(KindDBTransient, "load.finalize", err).WithRun(loadRunID).WithObject(file.Key())
	}

	l.metrics.ObserveFile(file.Parsed.Extract, FileProcessed, result.RowsRead, result.RowsIngested, result.Duration)
	l.logger.Info("ingest.load.complete",
		"load_run_id", loadRunID,
		"file_id", fileRow.ID,
		"key", file.Key(),
		"rows_read", result.RowsRead,
		"rows_ingested", result.RowsIngested,
		"rows_rejected", result.RowsRejected,
		"batches_ok", result.SuccessfulBatches,
		"batches_failed", result.FailedBatches,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// gate applies the idempotency rules. It returns the registry row to
// load under, or (nil, false, nil) when the file must be skipped. The
// reclaimed flag tells the caller to purge the earlier attempt's rows.
func (l *RawLoader) gate(ctx context.Context, file DiscoveredFile, loadRunID string) (*LoadRunFile, bool, error) {
	versionID, hash := file.Meta.VersionID, file.ContentHash

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := l.registry.FindLoadRunFileByIdentity(ctx, versionID, hash)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return nil, false, E(KindDBTransient, "load.gate.find", err).WithRun(loadRunID).WithObject(file.Key())
			}
			row := l.newFileRow(file, loadRunID)
			createErr := l.registry.CreateLoadRunFile(ctx, row)
			if createErr == nil {
				return row, false, nil
			}
			if errors.Is(createErr, ErrDuplicateIdentity) {
				// Lost the insert race; re-read and decide again.
				continue
			}
			return nil, false, E(KindDBTransient, "load.gate.create", createErr).WithRun(loadRunID).WithObject(file.Key())
		}

		switch existing.Status {
		case FileProcessed:
			if err := l.recordSkip(ctx, file, loadRunID); err != nil {
				return nil, false, err
			}
			l.logger.Info("ingest.load.skip.duplicate",
				"load_run_id", loadRunID,
				"key", file.Key(),
				"processed_by_run", existing.LoadRunID,
				"version_id", versionID,
				"content_hash", ShortHash(hash))
			return nil, false, nil

		case FileInProgress, FilePending, FileFailed, FileCancelled:
			claimed, claimErr := l.registry.ClaimLoadRunFile(ctx, existing.ID, loadRunID, l.staleClaim)
			if claimErr != nil {
				return nil, false, E(KindDBTransient, "load.gate.claim", claimErr).WithRun(loadRunID).WithObject(file.Key())
			}
			if !claimed {
				l.logger.Warn("ingest.load.skip.in_progress",
					"load_run_id", loadRunID,
					"key", file.Key(),
					"owner_run", existing.LoadRunID)
				return nil, false, nil
			}
			existing.LoadRunID = loadRunID
			existing.Status = FileInProgress
			return existing, true, nil

		default:
			return nil, false, E(KindIdempotency, "load.gate",
				fmt.Errorf("unexpected file status %q", existing.Status)).WithRun(loadRunID).WithObject(file.Key())
		}
	}
	return nil, false, E(KindIdempotency, "load.gate",
		fmt.Errorf("could not settle claim for %s", file.Key())).WithRun(loadRunID)
}

func (l *RawLoader) newFileRow(file DiscoveredFile, loadRunID string) *LoadRunFile {
	now := time.Now().UTC()
	return &LoadRunFile{
		ID:              NewRunID(),
		LoadRunID:       loadRunID,
		ObjectKey:       file.Key(),
		ObjectVersionID: file.Meta.VersionID,
		ContentHash:     file.ContentHash,
		Extract:         file.Parsed.Extract,
		DateExtracted:   file.Parsed.DateExtracted,
		PerOrgID:        file.Parsed.PerOrgID,
		PracticeID:      file.Parsed.PracticeID,
		Status:          FileInProgress,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// recordSkip appends the audit row scenario replays leave behind.
func (l *RawLoader) recordSkip(ctx context.Context, file DiscoveredFile, loadRunID string) error {
	now := time.Now().UTC()
	row := l.newFileRow(file, loadRunID)
	row.Status = FileSkippedDuplicate
	row.CompletedAt = &now
	if err := l.registry.CreateLoadRunFile(ctx, row); err != nil {
		return E(KindDBTransient, "load.gate.record_skip", err).WithRun(loadRunID).WithObject(file.Key())
	}
	return nil
}

// streamAndLand frames the object and lands it buffer by buffer.
func (l *RawLoader) streamAndLand(ctx context.Context, file DiscoveredFile, spec ExtractSpec, lineage Lineage, result *LoadResult) error {
	rc, err := l.store.OpenStream(ctx, file.Key())
	if err != nil {
		if ctx.Err() != nil {
			return E(KindCancelled, "load.open", ctx.Err()).WithRun(lineage.LoadRunID).WithObject(file.Key())
		}
		kind := KindObjectStoreTerminal
		if objstore.IsTransient(err) {
			kind = KindObjectStoreTransient
		}
		return E(kind, "load.open", err).WithRun(lineage.LoadRunID).WithObject(file.Key())
	}
	defer rc.Close()

	framer := NewFramer(rc, FramerConfig{MaxRowBytes: l.maxRowBytes()})
	want := spec.FieldCount()
	buf := make([][]string, 0, l.cfg.BatchSize)
	rowNum := int64(0)

	for {
		if err := ctx.Err(); err != nil {
			return E(KindCancelled, "load.stream", err).WithRun(lineage.LoadRunID).WithObject(file.Key())
		}

		row, err := framer.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return E(KindCancelled, "load.stream", ctx.Err()).WithRun(lineage.LoadRunID).WithObject(file.Key())
			}
			// Framing is unrecoverable mid-stream: resuming after a
			// corrupt separator would misalign every later field.
			return E(KindParseStructural, "load.frame", err).
				WithRun(lineage.LoadRunID).WithObject(file.Key()).WithRow(rowNum + 1)
		}

		rowNum++
		result.RowsRead++

		if len(row) != want {
			structural := E(KindParseStructural, "load.frame",
				fmt.Errorf("field count %d, want %d", len(row), want)).
				WithRun(lineage.LoadRunID).WithObject(file.Key()).WithRow(rowNum)
			result.Errors = append(result.Errors, structural)
			result.RowsRejected++
			if !l.cfg.ContinueOnError {
				return structural
			}
			l.logger.Warn("ingest.load.row.structural",
				"load_run_id", lineage.LoadRunID, "key", file.Key(),
				"row", rowNum, "fields", len(row), "want", want)
			continue
		}

		buf = append(buf, row)
		if len(buf) >= l.cfg.BatchSize {
			if err := l.flush(ctx, spec, lineage, buf, result); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}

	if len(buf) > 0 {
		if err := l.flush(ctx, spec, lineage, buf, result); err != nil {
			return err
		}
	}
	return nil
}

// flush lands one buffer, retrying transient failures with backoff. A
// terminal failure counts the whole buffer rejected under
// continue-on-error, or fails the file otherwise. The write itself
// runs detached from the run's cancellation so an in-flight round-trip
// always finishes cleanly.
func (l *RawLoader) flush(ctx context.Context, spec ExtractSpec, lineage Lineage, rows [][]string, result *LoadResult) error {
	var lastErr error
	for attempt := 0; attempt <= l.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, l.retry.Backoff(attempt-1)); err != nil {
				return E(KindCancelled, "load.flush", err).WithRun(lineage.LoadRunID).WithObject(lineage.ObjectKey)
			}
			l.logger.Warn("ingest.load.flush.retry",
				"load_run_id", lineage.LoadRunID, "key", lineage.ObjectKey,
				"attempt", attempt, "err", lastErr)
		}

		flushCtx, cancel := context.WithTimeout(detached(ctx), 2*time.Minute)
		err := l.landing.InsertBatch(flushCtx, spec, lineage, rows)
		cancel()
		if err == nil {
			result.SuccessfulBatches++
			result.RowsIngested += int64(len(rows))
			l.metrics.ObserveFlush("raw."+spec.LandingTable, "ok")
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}

	result.FailedBatches++
	l.metrics.ObserveFlush("raw."+spec.LandingTable, "failed")
	kind := KindOf(lastErr)
	if kind == "" {
		kind = KindDBTransient
	}
	failure := E(kind, "load.flush", lastErr).
		WithRun(lineage.LoadRunID).WithObject(lineage.ObjectKey)
	result.Errors = append(result.Errors, failure)

	if l.cfg.ContinueOnError {
		result.RowsRejected += int64(len(rows))
		l.logger.Error("ingest.load.flush.failed",
			"load_run_id", lineage.LoadRunID, "key", lineage.ObjectKey,
			"rows_lost", len(rows), "err", lastErr)
		return nil
	}
	return failure
}

// finishFailed stamps the registry row failed. Detached context: the
// failure note must land even when the run is being torn down.
func (l *RawLoader) finishFailed(ctx context.Context, fileRow *LoadRunFile, result *LoadResult, start time.Time, cause error) error {
	result.Duration = time.Since(start)
	result.Errors = appendOnce(result.Errors, cause)

	fileRow.Status = FileFailed
	fileRow.RowsRead = result.RowsRead
	fileRow.RowsIngested = result.RowsIngested
	fileRow.RowsRejected = result.RowsRejected
	fileRow.ErrorDetail = cause.Error()
	fileRow.Finish(time.Now().UTC())
	if err := l.registry.UpdateLoadRunFile(detached(ctx), fileRow); err != nil {
		l.logger.Error("ingest.load.finalize.error",
			"file_id", fileRow.ID, "status", "failed", "err", err)
	}

	l.metrics.ObserveFile(fileRow.Extract, FileFailed, result.RowsRead, result.RowsIngested, result.Duration)
	l.logger.Error("ingest.load.failed",
		"load_run_id", fileRow.LoadRunID,
		"file_id", fileRow.ID,
		"key", fileRow.ObjectKey,
		"err", cause)
	return cause
}

// finishCancelled stamps the registry row cancelled with a note.
func (l *RawLoader) finishCancelled(ctx context.Context, fileRow *LoadRunFile, result *LoadResult, start time.Time, cause error) error {
	result.Duration = time.Since(start)
	result.Errors = appendOnce(result.Errors, cause)

	fileRow.Status = FileCancelled
	fileRow.RowsRead = result.RowsRead
	fileRow.RowsIngested = result.RowsIngested
	fileRow.RowsRejected = result.RowsRejected
	fileRow.ErrorDetail = "cancelled: " + cause.Error()
	fileRow.Finish(time.Now().UTC())
	if err := l.registry.UpdateLoadRunFile(detached(ctx), fileRow); err != nil {
		l.logger.Error("ingest.load.finalize.error",
			"file_id", fileRow.ID, "status", "cancelled", "err", err)
	}

	l.metrics.ObserveFile(fileRow.Extract, FileCancelled, result.RowsRead, result.RowsIngested, result.Duration)
	l.logger.Warn("ingest.load.cancelled",
		"load_run_id", fileRow.LoadRunID,
		"file_id", fileRow.ID,
		"key", fileRow.ObjectKey,
		"rows_read", result.RowsRead)
	return cause
}

// detached strips cancellation but keeps values, for writes that must
// complete during teardown.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func appendOnce(errs []error, err error) []error {
	for _, e := range errs {
		if e == err {
			return errs
		}
	}
	return append(errs, err)
}
