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

package warehouse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/hie/pkg/ingestion"
)

func patientsSpec(t *testing.T) ingestion.ExtractSpec {
	t.Helper()
	spec, ok := ingestion.SpecFor(ingestion.ExtractPatients)
	require.True(t, ok)
	return spec
}

func TestSchemaStatementsCoverEveryExtract(t *testing.T) {
	all := strings.Join(SchemaStatements(), "\n---\n")

	for _, schema := range []string{"raw", "stg", "etl"} {
		assert.Contains(t, all, "CREATE SCHEMA IF NOT EXISTS "+schema)
	}
	for _, spec := range ingestion.AllSpecs() {
		assert.Contains(t, all, "CREATE TABLE IF NOT EXISTS raw."+spec.LandingTable)
		assert.Contains(t, all, "CREATE TABLE IF NOT EXISTS stg."+spec.StagingTable)
		assert.Contains(t, all, "CREATE TABLE IF NOT EXISTS etl."+spec.RejectTable)
		assert.Contains(t, all, fmt.Sprintf("ON stg.%s (%s)",
			spec.StagingTable, strings.Join(spec.NaturalKeys, ", ")))
	}
	for _, table := range []string{
		"etl.load_runs", "etl.load_run_files", "etl.staging_runs",
		"etl.health", "etl.config", "etl.dq_results",
	} {
		assert.Contains(t, all, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestLandingDDLCarriesLineage(t *testing.T) {
	ddl := landingDDL(patientsSpec(t))

	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS raw.patients")
	assert.Contains(t, ddl, "raw_id BIGSERIAL PRIMARY KEY")
	for _, col := range patientsSpec(t).Columns {
		assert.Contains(t, ddl, "\t"+col+" TEXT", "source column %s", col)
	}
	for _, col := range ingestion.LandingLineageColumns {
		assert.Contains(t, ddl, "\t"+col+" ", "lineage column %s", col)
	}
	assert.Contains(t, ddl, "superseded BOOLEAN NOT NULL DEFAULT FALSE")
}

func TestStagingDDLTypesFollowTransformations(t *testing.T) {
	ddl := stagingDDL(patientsSpec(t))

	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS stg.patients")
	assert.Contains(t, ddl, "patient_id BIGINT NOT NULL")
	assert.Contains(t, ddl, "date_of_birth DATE")
	assert.Contains(t, ddl, "is_active BOOLEAN")
	assert.Contains(t, ddl, "loaded_date_time TIMESTAMPTZ NOT NULL")
	assert.Contains(t, ddl, "first_name TEXT")
	for _, col := range ingestion.StagingLineageColumns {
		assert.Contains(t, ddl, "\t"+col+" ", "lineage column %s", col)
	}
	assert.Contains(t, ddl, "staged_at TIMESTAMPTZ NOT NULL DEFAULT now()")
}

func TestIdentityIndexIsPartial(t *testing.T) {
	idx := loadRunFilesIndexDDL[0]
	assert.Contains(t, idx, "UNIQUE INDEX")
	assert.Contains(t, idx, "(object_version_id, content_hash)")
	assert.Contains(t, idx, "WHERE status <> 'skipped_duplicate'")
}

func TestLandingIndexesMatchEngineQueries(t *testing.T) {
	idx := landingIndexDDL(patientsSpec(t))
	require.Len(t, idx, 2)
	assert.Contains(t, idx[0], "(date_extracted, extract_type)")
	assert.Contains(t, idx[1], "(load_run_file_id)")
}

func TestSQLTypeMapping(t *testing.T) {
	assert.Equal(t, "TEXT", sqlType(ingestion.TypeText))
	assert.Equal(t, "BIGINT", sqlType(ingestion.TypeInteger))
	assert.Equal(t, "NUMERIC", sqlType(ingestion.TypeDecimal))
	assert.Equal(t, "BOOLEAN", sqlType(ingestion.TypeBoolean))
	assert.Equal(t, "DATE", sqlType(ingestion.TypeDate))
	assert.Equal(t, "TIMESTAMPTZ", sqlType(ingestion.TypeTimestamp))
}
