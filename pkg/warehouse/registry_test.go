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
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/hie/pkg/ingestion"
)

// execCapture records statements instead of running them, standing in
// for the pool or a transaction.
type execCapture struct {
	queries []string
	args    [][]any
}

func (e *execCapture) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	e.queries = append(e.queries, query)
	e.args = append(e.args, args)
	return execResult(1), nil
}

type execResult int64

func (r execResult) LastInsertId() (int64, error) { return 0, nil }
func (r execResult) RowsAffected() (int64, error) { return int64(r), nil }

func TestInsertRejectionSQL(t *testing.T) {
	var ex execCapture
	rej := &ingestion.Rejection{
		StagingRunID:  "stg-1",
		LoadRunFileID: "file-1",
		Extract:       ingestion.ExtractPatients,
		RowNumber:     3,
		RawRow:        []string{"1001", "BADNHI"},
		FieldErrors: []ingestion.FieldError{{
			Column:   "nhi_number",
			Category: ingestion.KindValidation,
			Detail:   "rule nhi_format failed",
			Value:    "BADNHI",
		}},
		Category:   ingestion.KindValidation,
		Reason:     "nhi_number: rule nhi_format failed",
		RejectedAt: time.Date(2025, 8, 19, 9, 0, 0, 0, time.UTC),
	}

	require.NoError(t, insertRejection(context.Background(), &ex, rej))
	require.Len(t, ex.queries, 1)
	assert.Contains(t, ex.queries[0], "INSERT INTO etl.rejects_patients")

	args := ex.args[0]
	require.Len(t, args, 9)
	assert.Equal(t, "stg-1", args[0])
	assert.Equal(t, "file-1", args[1])
	assert.Equal(t, "patients", args[2])
	assert.Equal(t, int64(3), args[3])

	rawRow, ok := args[4].([]byte)
	require.True(t, ok)
	assert.JSONEq(t, `["1001","BADNHI"]`, string(rawRow))

	fieldErrs, ok := args[5].([]byte)
	require.True(t, ok)
	assert.Contains(t, string(fieldErrs), `"nhi_number"`)
	assert.Contains(t, string(fieldErrs), `"validation"`)

	assert.Equal(t, "validation", args[6])
}

func TestInsertRejectionWithoutFieldErrors(t *testing.T) {
	var ex execCapture
	rej := &ingestion.Rejection{
		StagingRunID:  "stg-1",
		LoadRunFileID: "file-1",
		Extract:       ingestion.ExtractAppointments,
		RowNumber:     1,
		RawRow:        []string{"9"},
		Category:      ingestion.KindDBConstraint,
		Reason:        "unique violation",
		RejectedAt:    time.Now().UTC(),
	}

	require.NoError(t, insertRejection(context.Background(), &ex, rej))
	assert.Contains(t, ex.queries[0], "etl.rejects_appointments")
	assert.Nil(t, ex.args[0][5], "absent field errors land as NULL")
}

func TestInsertRejectionUnknownExtract(t *testing.T) {
	var ex execCapture
	rej := &ingestion.Rejection{Extract: ingestion.ExtractType("lab_results")}

	err := insertRejection(context.Background(), &ex, rej)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown extract")
	assert.Empty(t, ex.queries)
}

func TestRejectionSummaryQueryCoversEveryRejectTable(t *testing.T) {
	q := rejectionSummaryQuery()

	for _, spec := range ingestion.AllSpecs() {
		assert.Contains(t, q, "FROM etl."+spec.RejectTable)
	}
	assert.Contains(t, q, "GROUP BY extract_type, category")
	assert.Contains(t, q, "ORDER BY n DESC")
	// One bind parameter, reused by every UNION branch.
	assert.NotContains(t, q, "$2")
}
