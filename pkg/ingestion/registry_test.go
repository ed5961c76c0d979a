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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_Terminality(t *testing.T) {
	assert.False(t, RunRunning.IsTerminal())
	assert.True(t, RunCompleted.IsTerminal())
	assert.True(t, RunFailed.IsTerminal())
	assert.True(t, RunCancelled.IsTerminal())
}

func TestFileStatus_TerminalityAndClaims(t *testing.T) {
	assert.False(t, FilePending.IsTerminal())
	assert.False(t, FileInProgress.IsTerminal())
	assert.True(t, FileProcessed.IsTerminal())
	assert.True(t, FileFailed.IsTerminal())
	assert.True(t, FileSkippedDuplicate.IsTerminal())
	assert.True(t, FileCancelled.IsTerminal())

	// Failed and cancelled attempts are over but the object is not:
	// a later run may claim and retry it.
	assert.True(t, FilePending.Claimable())
	assert.True(t, FileFailed.Claimable())
	assert.True(t, FileCancelled.Claimable())
	assert.False(t, FileInProgress.Claimable())
	assert.False(t, FileProcessed.Claimable())
	assert.False(t, FileSkippedDuplicate.Claimable())
}

func TestLoadRunFinish(t *testing.T) {
	run := &LoadRun{ID: "run-1", Status: RunRunning, StartedAt: time.Now().UTC()}
	at := run.StartedAt.Add(time.Minute)
	run.Finish(RunCompleted, at)

	assert.Equal(t, RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, at, *run.CompletedAt)
}

func TestLoadRunFileFinish(t *testing.T) {
	started := time.Now().UTC()
	file := &LoadRunFile{ID: "file-1", Status: FileProcessed, StartedAt: started}
	at := started.Add(time.Second)
	file.Finish(at)

	require.NotNil(t, file.CompletedAt)
	assert.Equal(t, at, *file.CompletedAt)
	assert.Equal(t, at, file.UpdatedAt)
}

func registryFile(id, runID, key, versionID, hash string, status FileStatus, startedAt time.Time) *LoadRunFile {
	return &LoadRunFile{
		ID:              id,
		LoadRunID:       runID,
		ObjectKey:       key,
		ObjectVersionID: versionID,
		ContentHash:     hash,
		Extract:         ExtractPatients,
		Status:          status,
		StartedAt:       startedAt,
		UpdatedAt:       startedAt,
	}
}

func TestRegistry_IdentityUniqueAcrossNonSkippedRows(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()
	now := time.Now().UTC()

	owner := registryFile("file-1", "run-1", patientsKeyA, "v1", "hash-a", FileProcessed, now)
	require.NoError(t, reg.CreateLoadRunFile(ctx, owner))

	// A second non-skipped row for the same identity must be refused,
	// whatever its status.
	dup := registryFile("file-2", "run-2", patientsKeyA, "v1", "hash-a", FileInProgress, now)
	err := reg.CreateLoadRunFile(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateIdentity)

	// Skip audit rows share the identity freely.
	skip := registryFile("file-3", "run-2", patientsKeyA, "v1", "hash-a", FileSkippedDuplicate, now)
	require.NoError(t, reg.CreateLoadRunFile(ctx, skip))

	found, err := reg.FindLoadRunFileByIdentity(ctx, "v1", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, "file-1", found.ID, "lookup resolves to the owning row, never the audit rows")

	_, err = reg.FindLoadRunFileByIdentity(ctx, "v9", "hash-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_TerminalRunsAreImmutable(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()

	run := &LoadRun{ID: "run-1", TriggeredBy: TriggerManual, Status: RunRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, reg.CreateLoadRun(ctx, run))

	run.Finish(RunCompleted, time.Now().UTC())
	require.NoError(t, reg.UpdateLoadRun(ctx, run))

	// Flipping a terminal run to another status must fail.
	regressed := *run
	regressed.Status = RunFailed
	err := reg.UpdateLoadRun(ctx, &regressed)
	require.ErrorIs(t, err, ErrTerminalState)

	// Same-status touch-ups (notes) stay legal.
	annotated := *run
	annotated.Notes = "2 of 2 files processed"
	require.NoError(t, reg.UpdateLoadRun(ctx, &annotated))

	got, err := reg.GetLoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, "2 of 2 files processed", got.Notes)
}

func TestRegistry_CountersNeverDecrease(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()
	now := time.Now().UTC()

	run := &LoadRun{ID: "run-1", Status: RunRunning, StartedAt: now}
	require.NoError(t, reg.CreateLoadRun(ctx, run))

	require.NoError(t, reg.IncrementLoadRunCounters(ctx, "run-1", 100, 3))
	require.NoError(t, reg.IncrementLoadRunCounters(ctx, "run-1", 50, 0))
	got, err := reg.GetLoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.RowsIngested)
	assert.Equal(t, int64(3), got.RowsRejected)

	require.Error(t, reg.IncrementLoadRunCounters(ctx, "run-1", -1, 0))
	require.ErrorIs(t, reg.IncrementLoadRunCounters(ctx, "run-9", 1, 0), ErrNotFound)

	file := registryFile("file-1", "run-1", patientsKeyA, "v1", "hash-a", FileInProgress, now)
	file.RowsRead = 10
	require.NoError(t, reg.CreateLoadRunFile(ctx, file))

	shrunk := *file
	shrunk.RowsRead = 5
	require.Error(t, reg.UpdateLoadRunFile(ctx, &shrunk), "row counters only grow")
}

func TestRegistry_ClaimLoadRunFile(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()
	now := time.Now().UTC()

	cases := []struct {
		name      string
		status    FileStatus
		updatedAt time.Time
		want      bool
	}{
		{"failed attempt", FileFailed, now, true},
		{"cancelled attempt", FileCancelled, now, true},
		{"pending attempt", FilePending, now, true},
		{"live in-progress", FileInProgress, now, false},
		{"stale in-progress", FileInProgress, now.Add(-2 * time.Hour), true},
		{"processed", FileProcessed, now, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := "file-" + tc.name
			f := registryFile(id, "run-old", patientsKeyA, "v1", "hash-"+tc.name, tc.status, now.Add(-3*time.Hour))
			f.UpdatedAt = tc.updatedAt
			require.NoError(t, reg.CreateLoadRunFile(ctx, f))

			claimed, err := reg.ClaimLoadRunFile(ctx, id, "run-new", DefaultStaleClaimThreshold)
			require.NoError(t, err)
			assert.Equal(t, tc.want, claimed)

			if tc.want {
				after, ferr := reg.FindLoadRunFileByIdentity(ctx, "v1", "hash-"+tc.name)
				require.NoError(t, ferr)
				assert.Equal(t, FileInProgress, after.Status)
				assert.Equal(t, "run-new", after.LoadRunID)
			}
		})
	}

	_, err := reg.ClaimLoadRunFile(ctx, "no-such-file", "run-new", DefaultStaleClaimThreshold)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_FindFailedOrPendingFiles(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()
	base := time.Date(2025, 8, 19, 9, 0, 0, 0, time.UTC)

	require.NoError(t, reg.CreateLoadRunFile(ctx, registryFile("f-new", "run-1", "k1", "v1", "h1", FileFailed, base.Add(2*time.Hour))))
	require.NoError(t, reg.CreateLoadRunFile(ctx, registryFile("f-old", "run-1", "k2", "v1", "h2", FileFailed, base)))
	require.NoError(t, reg.CreateLoadRunFile(ctx, registryFile("f-pending", "run-1", "k3", "v1", "h3", FilePending, base.Add(time.Hour))))
	require.NoError(t, reg.CreateLoadRunFile(ctx, registryFile("f-done", "run-1", "k4", "v1", "h4", FileProcessed, base)))
	require.NoError(t, reg.CreateLoadRunFile(ctx, registryFile("f-skip", "run-1", "k5", "v1", "h5", FileSkippedDuplicate, base)))

	files, err := reg.FindFailedOrPendingFiles(ctx, 0)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "f-old", files[0].ID)
	assert.Equal(t, "f-pending", files[1].ID)
	assert.Equal(t, "f-new", files[2].ID)

	capped, err := reg.FindFailedOrPendingFiles(ctx, 2)
	require.NoError(t, err)
	require.Len(t, capped, 2)
	assert.Equal(t, "f-old", capped[0].ID)
}

func TestRegistry_RecentLoadRuns(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()
	base := time.Date(2025, 8, 19, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, reg.CreateLoadRun(ctx, &LoadRun{
			ID:        id,
			Status:    RunCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := reg.RecentLoadRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
}

func TestRegistry_RunSummary(t *testing.T) {
	reg := newMemRegistry()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, reg.CreateLoadRun(ctx, &LoadRun{ID: "run-1", Status: RunRunning, StartedAt: now}))
	require.NoError(t, reg.CreateLoadRunFile(ctx, registryFile("file-b", "run-1", "key-b", "v1", "h1", FileProcessed, now)))
	require.NoError(t, reg.CreateLoadRunFile(ctx, registryFile("file-a", "run-1", "key-a", "v1", "h2", FileProcessed, now)))
	require.NoError(t, reg.CreateStagingRun(ctx, &StagingRun{ID: "stg-1", LoadRunID: "run-1", Extract: ExtractPatients, Status: RunCompleted, StartedAt: now}))
	require.NoError(t, reg.CreateStagingRun(ctx, &StagingRun{ID: "stg-other", LoadRunID: "run-2", Extract: ExtractPatients, Status: RunCompleted, StartedAt: now}))

	for i := 0; i < 3; i++ {
		require.NoError(t, reg.RecordRejection(ctx, &Rejection{
			StagingRunID: "stg-1", LoadRunFileID: "file-a", Extract: ExtractPatients,
			RowNumber: int64(i + 1), Category: KindValidation, Reason: "nhi_number: validation: bad check digit",
			RejectedAt: now,
		}))
	}
	require.NoError(t, reg.RecordRejection(ctx, &Rejection{
		StagingRunID: "stg-1", LoadRunFileID: "file-b", Extract: ExtractPatients,
		RowNumber: 4, Category: KindMissingRequired, Reason: "patient_id: missing_required: empty",
		RejectedAt: now,
	}))

	sum, err := reg.RunSummary(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", sum.Run.ID)

	require.Len(t, sum.Files, 2)
	assert.Equal(t, "key-a", sum.Files[0].ObjectKey, "files come back key-sorted")

	require.Len(t, sum.StagingRuns, 1)
	assert.Equal(t, "stg-1", sum.StagingRuns[0].ID)

	require.Len(t, sum.TopRejections, 2)
	assert.Equal(t, KindValidation, sum.TopRejections[0].Category)
	assert.Equal(t, int64(3), sum.TopRejections[0].Count)
	assert.Equal(t, int64(1), sum.TopRejections[1].Count)

	_, err = reg.RunSummary(ctx, "run-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
