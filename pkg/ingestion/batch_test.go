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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/hie/pkg/objstore"
)

// planKey assembles a drop-zone key for per-org 6851 with fixed
// from/to stamps; only practice, extract token and extracted stamp vary.
func planKey(practice, token, stamp string) string {
	return "incoming/6851" + practice + token + "202508180544202508190544" + stamp + ".csv"
}

func planFile(t *testing.T, key, versionID, hash string) DiscoveredFile {
	t.Helper()
	parsed, err := NewFilenameParser(time.UTC, nil).Parse(key)
	require.NoError(t, err)
	return DiscoveredFile{
		Bucket:       "extracts",
		Meta:         objstore.ObjectMeta{Key: key, Size: int64(len(key)), ETag: hash, VersionID: versionID},
		Parsed:       parsed,
		ContentHash:  hash,
		IdentityHash: IdentityHash(key, int64(len(key)), hash, time.Time{}),
	}
}

func planKeys(plan *ProcessingPlan) []string {
	keys := make([]string, 0, len(plan.ProcessingOrder))
	for _, f := range plan.ProcessingOrder {
		keys = append(keys, f.Key())
	}
	return keys
}

func TestPlan_GroupsByExtractedStamp(t *testing.T) {
	files := []DiscoveredFile{
		planFile(t, planKey("46545", "Patients", "2508190850"), "v1", "h1"),
		planFile(t, planKey("46546", "Patients", "2508190850"), "v1", "h2"),
		planFile(t, planKey("46545", "Patients", "2508200850"), "v1", "h3"),
	}

	plan, err := Plan(files, PlanOptions{Mode: ModeLatest})
	require.NoError(t, err)
	require.Len(t, plan.Batches, 2)
	assert.Equal(t, 3, plan.TotalFiles)
	assert.False(t, plan.Empty())

	newest, oldest := plan.Batches[0], plan.Batches[1]
	assert.Equal(t, "2508200850", newest.ID)
	assert.Len(t, newest.Files, 1)
	assert.Equal(t, "2508190850", oldest.ID)
	assert.Len(t, oldest.Files, 2)
	assert.Equal(t, time.Date(2025, 8, 19, 8, 50, 0, 0, time.UTC), oldest.DateExtracted)
}

func TestPlan_BatchOrderFollowsMode(t *testing.T) {
	files := []DiscoveredFile{
		planFile(t, planKey("46545", "Patients", "2508200850"), "v1", "h-mid"),
		planFile(t, planKey("46545", "Patients", "2508190850"), "v1", "h-old"),
		planFile(t, planKey("46545", "Patients", "2508210850"), "v1", "h-new"),
	}

	latest, err := Plan(files, PlanOptions{Mode: ModeLatest})
	require.NoError(t, err)
	assert.Equal(t, []string{"2508210850", "2508200850", "2508190850"},
		[]string{latest.Batches[0].ID, latest.Batches[1].ID, latest.Batches[2].ID})

	backfill, err := Plan(files, PlanOptions{Mode: ModeBackfill})
	require.NoError(t, err)
	assert.Equal(t, []string{"2508190850", "2508200850", "2508210850"},
		[]string{backfill.Batches[0].ID, backfill.Batches[1].ID, backfill.Batches[2].ID})
}

func TestPlan_PriorityOrdersFilesWithinBatch(t *testing.T) {
	// Deliberately shuffled input; the plan must come out priority
	// first and key-sorted inside each extract.
	files := []DiscoveredFile{
		planFile(t, planKey("46546", "Appointments", "2508190850"), "v1", "h1"),
		planFile(t, planKey("46545", "Immunisations", "2508190850"), "v1", "h2"),
		planFile(t, planKey("46545", "Providers", "2508190850"), "v1", "h3"),
		planFile(t, planKey("46545", "Appointments", "2508190850"), "v1", "h4"),
		planFile(t, planKey("46545", "Patients", "2508190850"), "v1", "h5"),
	}

	plan, err := Plan(files, PlanOptions{})
	require.NoError(t, err)
	require.Len(t, plan.Batches, 1)

	batch := plan.Batches[0]
	assert.Equal(t, []string{
		planKey("46545", "Patients", "2508190850"),
		planKey("46545", "Providers", "2508190850"),
		planKey("46545", "Appointments", "2508190850"),
		planKey("46546", "Appointments", "2508190850"),
		planKey("46545", "Immunisations", "2508190850"),
	}, planKeys(plan))
	assert.Equal(t, []ExtractType{ExtractPatients, ExtractProviders, ExtractAppointments, ExtractImmunisations}, batch.Extracts)
	assert.True(t, batch.Complete)

	var wantBytes int64
	for _, f := range files {
		wantBytes += f.Meta.Size
	}
	assert.Equal(t, wantBytes, batch.TotalBytes)
}

func TestPlan_CustomPriorityOverridesDefault(t *testing.T) {
	files := []DiscoveredFile{
		planFile(t, planKey("46545", "Patients", "2508190850"), "v1", "h1"),
		planFile(t, planKey("46545", "Appointments", "2508190850"), "v1", "h2"),
	}

	plan, err := Plan(files, PlanOptions{
		Priority: []ExtractType{ExtractAppointments, ExtractPatients},
	})
	require.NoError(t, err)
	require.Len(t, plan.Batches, 1)

	assert.Equal(t, []string{
		planKey("46545", "Appointments", "2508190850"),
		planKey("46545", "Patients", "2508190850"),
	}, planKeys(plan))
	assert.True(t, plan.Batches[0].Complete, "custom priority defines completeness")
	assert.Equal(t, []ExtractType{ExtractAppointments}, plan.Dependencies[ExtractPatients])
	assert.Empty(t, plan.Dependencies[ExtractAppointments])
}

func TestPlan_MaxBatchesKeepsModeEnd(t *testing.T) {
	files := []DiscoveredFile{
		planFile(t, planKey("46545", "Patients", "2508190850"), "v1", "h1"),
		planFile(t, planKey("46545", "Patients", "2508200850"), "v1", "h2"),
		planFile(t, planKey("46545", "Patients", "2508210850"), "v1", "h3"),
	}

	latest, err := Plan(files, PlanOptions{Mode: ModeLatest, MaxBatches: 2})
	require.NoError(t, err)
	require.Len(t, latest.Batches, 2)
	assert.Equal(t, "2508210850", latest.Batches[0].ID)
	assert.Equal(t, "2508200850", latest.Batches[1].ID)
	assert.Equal(t, 2, latest.TotalFiles)
	assert.Contains(t, latest.Warnings, "plan truncated to 2 of 3 batches")

	backfill, err := Plan(files, PlanOptions{Mode: ModeBackfill, MaxBatches: 2})
	require.NoError(t, err)
	require.Len(t, backfill.Batches, 2)
	assert.Equal(t, "2508190850", backfill.Batches[0].ID)
	assert.Equal(t, "2508200850", backfill.Batches[1].ID)
}

func TestPlan_DuplicateIdentityKeptButFlagged(t *testing.T) {
	// Same object published under two keys: the plan keeps both and
	// leaves the skip to the idempotency gate.
	files := []DiscoveredFile{
		planFile(t, planKey("46545", "Patients", "2508190850"), "v7", "same-hash"),
		planFile(t, planKey("46546", "Patients", "2508190850"), "v7", "same-hash"),
	}

	plan, err := Plan(files, PlanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.TotalFiles)

	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[0], "duplicate identity")
	assert.Contains(t, plan.Warnings[0], planKey("46545", "Patients", "2508190850"))
	assert.Contains(t, plan.Warnings[0], planKey("46546", "Patients", "2508190850"))
}

func TestPlan_IncompleteBatchWarnsAndStillRuns(t *testing.T) {
	files := []DiscoveredFile{
		planFile(t, planKey("46545", "Appointments", "2508190850"), "v1", "h1"),
	}

	plan, err := Plan(files, PlanOptions{})
	require.NoError(t, err)
	require.Len(t, plan.Batches, 1)
	assert.False(t, plan.Batches[0].Complete)
	assert.Equal(t, 1, plan.TotalFiles)

	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "batch 2508190850 missing priority extracts")
	assert.Contains(t, plan.Warnings[0], "patients")
	assert.Contains(t, plan.Warnings[0], "providers")

	assert.Empty(t, plan.Dependencies[ExtractAppointments], "absent extracts impose no ordering")
}

func TestPlan_DependenciesFollowPriorityRank(t *testing.T) {
	files := []DiscoveredFile{
		planFile(t, planKey("46545", "Patients", "2508190850"), "v1", "h1"),
		planFile(t, planKey("46545", "Providers", "2508190850"), "v1", "h2"),
		planFile(t, planKey("46545", "Appointments", "2508190850"), "v1", "h3"),
		planFile(t, planKey("46545", "Diagnoses", "2508190850"), "v1", "h4"),
	}

	plan, err := Plan(files, PlanOptions{})
	require.NoError(t, err)

	assert.Empty(t, plan.Dependencies[ExtractPatients])
	assert.Equal(t, []ExtractType{ExtractPatients}, plan.Dependencies[ExtractProviders])
	assert.Equal(t, []ExtractType{ExtractPatients, ExtractProviders}, plan.Dependencies[ExtractAppointments])
	assert.Equal(t, []ExtractType{ExtractPatients, ExtractProviders, ExtractAppointments}, plan.Dependencies[ExtractDiagnoses])
}

func TestPlan_EmptyInput(t *testing.T) {
	plan, err := Plan(nil, PlanOptions{})
	require.NoError(t, err)
	assert.True(t, plan.Empty())
	assert.Contains(t, plan.Warnings, "plan is empty: no files to process")
}

func TestPlan_RejectsNegativeMaxBatches(t *testing.T) {
	_, err := Plan(nil, PlanOptions{MaxBatches: -1})
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestParsePlanMode(t *testing.T) {
	mode, err := ParsePlanMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLatest, mode)

	mode, err = ParsePlanMode("latest")
	require.NoError(t, err)
	assert.Equal(t, ModeLatest, mode)

	mode, err = ParsePlanMode("backfill")
	require.NoError(t, err)
	assert.Equal(t, ModeBackfill, mode)

	_, err = ParsePlanMode("newest")
	require.Error(t, err)
	assert.Equal(t, KindConfiguration, KindOf(err))
}
