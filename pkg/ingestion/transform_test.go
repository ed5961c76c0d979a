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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStagingCfg() StagingConfig {
	return StagingConfig{
		BatchSize:               2,
		MaxConcurrentTransforms: 2,
		EnableTypeCoercion:      true,
		DateFormat:              "2006-01-02",
		TimestampFormat:         "2006-01-02 15:04:05",
		DecimalPrecision:        2,
		TrimStrings:             true,
		NullifyEmptyStrings:     true,
		RejectInvalidRows:       true,
		MaxErrorsPerBatch:       10,
		MaxTotalErrors:          100,
	}
}

type stagingFixture struct {
	registry *memRegistry
	landing  *memLanding
	staging  *memStaging
	spec     ExtractSpec
}

func newStagingFixture(t *testing.T) *stagingFixture {
	t.Helper()
	spec, ok := SpecFor(ExtractPatients)
	require.True(t, ok)
	reg := newMemRegistry()
	landing := newMemLanding()
	return &stagingFixture{
		registry: reg,
		landing:  landing,
		staging:  newMemStaging(landing, reg),
		spec:     spec,
	}
}

func (f *stagingFixture) transformer(cfg StagingConfig) *StagingTransformer {
	return NewStagingTransformer(f.staging, f.registry, cfg, testRetryCfg(), time.UTC, nil, testLogger())
}

// seedProcessedFile registers a processed file and lands its rows, the
// state the raw phase leaves behind for staging to pick up.
func (f *stagingFixture) seedProcessedFile(t *testing.T, fileID, loadRunID string, rows ...[]string) {
	t.Helper()
	f.seedFile(t, fileID, loadRunID, FileProcessed, rows...)
}

func (f *stagingFixture) seedFile(t *testing.T, fileID, loadRunID string, status FileStatus, rows ...[]string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.registry.CreateLoadRunFile(context.Background(), &LoadRunFile{
		ID:              fileID,
		LoadRunID:       loadRunID,
		ObjectKey:       "incoming/" + fileID + ".csv",
		ObjectVersionID: "v-" + fileID,
		ContentHash:     "h-" + fileID,
		Extract:         ExtractPatients,
		Status:          status,
		StartedAt:       now,
		UpdatedAt:       now,
	}))
	lineage := Lineage{
		ObjectKey:       "incoming/" + fileID + ".csv",
		ObjectVersionID: "v-" + fileID,
		ContentHash:     "h-" + fileID,
		DateExtracted:   now,
		Extract:         ExtractPatients,
		LoadRunID:       loadRunID,
		LoadRunFileID:   fileID,
		LoadedAt:        now,
	}
	for _, fields := range rows {
		f.landing.addLanded(ExtractPatients, lineage, fields...)
	}
}

func (f *stagingFixture) stagingRun(t *testing.T, id string) *StagingRun {
	t.Helper()
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	run, ok := f.registry.stagingRuns[id]
	require.True(t, ok, "staging run %s not recorded", id)
	cp := *run
	return &cp
}

func TestStagingTransformer_CleanRows(t *testing.T) {
	f := newStagingFixture(t)
	f.seedProcessedFile(t, "file-1", "run-1",
		patientFields("1001", "46545"),
		patientFields("1002", "46545"),
		patientFields("1003", "46545"),
	)

	res, err := f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.RowsRead)
	assert.Equal(t, int64(3), res.RowsTransformed)
	assert.Equal(t, int64(0), res.RowsRejected)
	assert.Equal(t, int64(3), res.RowsUpserted)
	assert.Equal(t, 2, res.Batches, "3 rows at batch size 2")
	assert.Equal(t, 3, f.staging.stagedCount(ExtractPatients))

	// Values arrive typed, not as text.
	staged := f.staging.stagedRow(ExtractPatients, "1001|46545|6851")
	require.NotNil(t, staged)
	assert.Equal(t, int64(1001), staged[0])
	assert.Equal(t, "ABC1234", staged[1])
	assert.Equal(t, true, staged[16])
	_, isTime := staged[6].(time.Time)
	assert.True(t, isTime, "date_of_birth should coerce to time.Time")

	run := f.stagingRun(t, res.StagingRunID)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, int64(3), run.RowsRead)
	assert.Equal(t, int64(3), run.RowsUpserted)
	require.NotNil(t, run.CompletedAt)
}

func TestStagingTransformer_DivertsInvalidRows(t *testing.T) {
	f := newStagingFixture(t)
	badNHI := patientFields("2001", "46545")
	badNHI[1] = "12INVALID"
	noID := patientFields("", "46545")

	f.seedProcessedFile(t, "file-1", "run-1",
		patientFields("1001", "46545"),
		badNHI,
		patientFields("1002", "46545"),
		noID,
		patientFields("1003", "46545"),
	)

	res, err := f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.NoError(t, err, "rejecting mode absorbs bad rows")

	assert.Equal(t, int64(5), res.RowsRead)
	assert.Equal(t, int64(3), res.RowsTransformed)
	assert.Equal(t, int64(2), res.RowsRejected)
	assert.Equal(t, int64(3), res.RowsUpserted)
	assert.Equal(t, 3, f.staging.stagedCount(ExtractPatients))

	cats := f.staging.rejectCategories()
	assert.ElementsMatch(t, []Kind{KindValidation, KindMissingRequired}, cats)

	// Every rejection points back at its source file and row.
	f.staging.mu.Lock()
	rejects := append([]*Rejection(nil), f.staging.rejects...)
	f.staging.mu.Unlock()
	require.Len(t, rejects, 2)
	for _, rej := range rejects {
		assert.Equal(t, "file-1", rej.LoadRunFileID)
		assert.Equal(t, res.StagingRunID, rej.StagingRunID)
		assert.NotZero(t, rej.RowNumber)
		assert.NotEmpty(t, rej.RawRow)
		assert.NotEmpty(t, rej.Reason)
	}
}

func TestStagingTransformer_StrictModeFailsOnFirstBadRow(t *testing.T) {
	f := newStagingFixture(t)
	bad := patientFields("1002", "46545")
	bad[1] = "12INVALID"
	f.seedProcessedFile(t, "file-1", "run-1",
		patientFields("1001", "46545"),
		bad,
	)

	cfg := testStagingCfg()
	cfg.RejectInvalidRows = false
	res, err := f.transformer(cfg).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	run := f.stagingRun(t, res.StagingRunID)
	assert.Equal(t, RunFailed, run.Status)
	assert.NotEmpty(t, run.ErrorDetail)
	assert.Empty(t, f.staging.rejectCategories(), "strict mode writes no rejections")
}

func TestStagingTransformer_RetriesTransientFlush(t *testing.T) {
	f := newStagingFixture(t)
	f.seedProcessedFile(t, "file-1", "run-1",
		patientFields("1001", "46545"),
		patientFields("1002", "46545"),
	)
	f.staging.failWith = E(KindDBTransient, "staging.upsert", errors.New("serialization failure"))
	f.staging.failTimes = 1

	res, err := f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.RowsUpserted)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 2, f.staging.upserts, "one failed attempt, one retry")
}

func TestStagingTransformer_FlushExhaustsRetries(t *testing.T) {
	f := newStagingFixture(t)
	f.seedProcessedFile(t, "file-1", "run-1",
		patientFields("1001", "46545"),
		patientFields("1002", "46545"),
	)
	f.staging.failWith = E(KindDBTransient, "staging.upsert", errors.New("deadlock detected"))
	f.staging.failTimes = 10

	res, err := f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.Error(t, err)
	assert.Equal(t, KindDBTransient, KindOf(err))
	assert.Equal(t, 3, f.staging.upserts, "initial attempt plus two retries")
	assert.Equal(t, 1, res.FailedBatches)
	assert.Equal(t, RunFailed, f.stagingRun(t, res.StagingRunID).Status)
}

func TestStagingTransformer_ConstraintSalvage(t *testing.T) {
	f := newStagingFixture(t)
	cfg := testStagingCfg()
	cfg.BatchSize = 3
	f.seedProcessedFile(t, "file-1", "run-1",
		patientFields("1001", "46545"),
		patientFields("1002", "46545"),
		patientFields("1003", "46545"),
	)
	f.staging.constraintKeys["1002|46545|6851"] = true

	res, err := f.transformer(cfg).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.NoError(t, err, "salvage turns one bad row into one rejection")

	assert.Equal(t, int64(3), res.RowsRead)
	assert.Equal(t, int64(2), res.RowsTransformed)
	assert.Equal(t, int64(1), res.RowsRejected)
	assert.Equal(t, int64(2), res.RowsUpserted)
	assert.Equal(t, 2, f.staging.stagedCount(ExtractPatients))

	f.registry.mu.Lock()
	rejects := append([]*Rejection(nil), f.registry.rejects...)
	f.registry.mu.Unlock()
	require.Len(t, rejects, 1)
	assert.Equal(t, KindDBConstraint, rejects[0].Category)
	assert.Equal(t, int64(2), rejects[0].RowNumber)
	assert.Equal(t, RunCompleted, f.stagingRun(t, res.StagingRunID).Status)
}

func TestStagingTransformer_SalvageKeepsBatchRejections(t *testing.T) {
	f := newStagingFixture(t)
	cfg := testStagingCfg()
	cfg.BatchSize = 3
	bad := patientFields("9001", "46545")
	bad[1] = "12INVALID"
	f.seedProcessedFile(t, "file-1", "run-1",
		patientFields("1001", "46545"),
		bad,
		patientFields("1002", "46545"),
		patientFields("1003", "46545"),
	)
	f.staging.constraintKeys["1002|46545|6851"] = true

	res, err := f.transformer(cfg).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.RowsRead)
	assert.Equal(t, int64(2), res.RowsTransformed)
	assert.Equal(t, int64(2), res.RowsRejected)
	assert.Equal(t, int64(2), res.RowsUpserted)

	// Both the validation reject and the constraint offender survive.
	cats := f.staging.rejectCategories()
	assert.Contains(t, cats, KindValidation)
	f.registry.mu.Lock()
	var constraint int
	for _, rej := range f.registry.rejects {
		if rej.Category == KindDBConstraint {
			constraint++
		}
	}
	f.registry.mu.Unlock()
	assert.Equal(t, 1, constraint)
}

func TestStagingTransformer_BatchErrorCapAbortsExtract(t *testing.T) {
	f := newStagingFixture(t)
	cfg := testStagingCfg()
	cfg.BatchSize = 50
	cfg.MaxErrorsPerBatch = 2

	rows := make([][]string, 4)
	for i := range rows {
		rows[i] = patientFields("300"+string(rune('1'+i)), "46545")
		rows[i][1] = "12INVALID"
	}
	f.seedProcessedFile(t, "file-1", "run-1", rows...)

	res, err := f.transformer(cfg).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "cap 2")
	assert.Equal(t, int64(3), res.RowsRead, "aborts on the reject that breaches the cap")
	assert.Equal(t, RunFailed, f.stagingRun(t, res.StagingRunID).Status)
}

func TestStagingTransformer_TotalErrorCapAbortsExtract(t *testing.T) {
	f := newStagingFixture(t)
	cfg := testStagingCfg()
	cfg.BatchSize = 50
	cfg.MaxErrorsPerBatch = 50
	cfg.MaxTotalErrors = 2

	rows := make([][]string, 4)
	for i := range rows {
		rows[i] = patientFields("300"+string(rune('1'+i)), "46545")
		rows[i][1] = "12INVALID"
	}
	f.seedProcessedFile(t, "file-1", "run-1", rows...)

	res, err := f.transformer(cfg).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Contains(t, err.Error(), "accumulated")
	assert.Equal(t, RunFailed, f.stagingRun(t, res.StagingRunID).Status)
}

func TestStagingTransformer_SkipsFilesThatNeverProcessed(t *testing.T) {
	f := newStagingFixture(t)
	f.seedProcessedFile(t, "file-ok", "run-1",
		patientFields("1001", "46545"),
		patientFields("1002", "46545"),
	)
	f.seedFile(t, "file-bad", "run-1", FileFailed,
		patientFields("6001", "46545"),
		patientFields("6002", "46545"),
	)

	res, err := f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.RowsRead, "failed files' rows stay out of staging")
	assert.Nil(t, f.staging.stagedRow(ExtractPatients, "6001|46545|6851"))
}

func TestStagingTransformer_UpsertModes(t *testing.T) {
	first := patientFields("1001", "46545")
	second := patientFields("1001", "46545")
	second[4] = "Mere"

	t.Run("update overwrites on conflict", func(t *testing.T) {
		f := newStagingFixture(t)
		f.seedProcessedFile(t, "file-1", "run-1", first, second)

		res, err := f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
		require.NoError(t, err)

		assert.Equal(t, int64(2), res.RowsUpserted)
		staged := f.staging.stagedRow(ExtractPatients, "1001|46545|6851")
		require.NotNil(t, staged)
		assert.Equal(t, "Mere", staged[4], "later row wins in update mode")
	})

	t.Run("skip keeps the existing row", func(t *testing.T) {
		f := newStagingFixture(t)
		f.seedProcessedFile(t, "file-1", "run-1", first, second)

		res, err := f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{
			LoadRunID:  "run-1",
			UpsertMode: UpsertSkip,
		})
		require.NoError(t, err)

		assert.Equal(t, int64(1), res.RowsUpserted, "conflicting row is not written")
		staged := f.staging.stagedRow(ExtractPatients, "1001|46545|6851")
		require.NotNil(t, staged)
		assert.Equal(t, "Aroha", staged[4])
	})
}

func TestStagingTransformer_LockLifecycle(t *testing.T) {
	f := newStagingFixture(t)
	f.seedProcessedFile(t, "file-1", "run-1", patientFields("1001", "46545"))

	release, err := f.staging.AcquireLock(context.Background(), "run-1", ExtractPatients)
	require.NoError(t, err)

	_, err = f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.Error(t, err, "a held lock blocks the transformer")
	assert.Equal(t, KindDBTransient, KindOf(err))

	require.NoError(t, release())

	_, err = f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{LoadRunID: "run-1"})
	require.NoError(t, err)

	// The transformer released its own lock on the way out.
	release, err = f.staging.AcquireLock(context.Background(), "run-1", ExtractPatients)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestStagingTransformer_Cancelled(t *testing.T) {
	f := newStagingFixture(t)
	f.seedProcessedFile(t, "file-1", "run-1",
		patientFields("1001", "46545"),
		patientFields("1002", "46545"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.transformer(testStagingCfg()).Transform(ctx, f.spec, TransformOptions{LoadRunID: "run-1"})
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))

	run := f.stagingRun(t, res.StagingRunID)
	assert.Equal(t, RunCancelled, run.Status)
	assert.Contains(t, run.ErrorDetail, "cancelled")
}

func TestStagingTransformer_RequiresLoadRunID(t *testing.T) {
	f := newStagingFixture(t)

	_, err := f.transformer(testStagingCfg()).Transform(context.Background(), f.spec, TransformOptions{})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))

	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	assert.Empty(t, f.registry.stagingRuns, "no staging run is opened for a bad call")
}
