package main

import (
	"testing"

	"github.com/kraklabs/hie/pkg/ingestion"
)

func TestAggregateExtracts(t *testing.T) {
	files := []*ingestion.LoadRunFile{
		{Extract: ingestion.ExtractPatients, Status: ingestion.FileProcessed, RowsRead: 100, RowsIngested: 98, RowsRejected: 2},
		{Extract: ingestion.ExtractPatients, Status: ingestion.FileSkippedDuplicate},
		{Extract: ingestion.ExtractDiagnoses, Status: ingestion.FileFailed, RowsRead: 10},
	}
	stagingRuns := []*ingestion.StagingRun{
		{Extract: ingestion.ExtractPatients, Status: ingestion.RunFailed, RowsTransformed: 40, RowsRejected: 1, RowsUpserted: 0},
		{Extract: ingestion.ExtractPatients, Status: ingestion.RunCompleted, RowsTransformed: 98, RowsRejected: 0, RowsUpserted: 95},
	}

	got := aggregateExtracts(files, stagingRuns)
	if len(got) != 2 {
		t.Fatalf("aggregateExtracts() returned %d extracts, want 2", len(got))
	}

	// First appearance wins the ordering.
	patients := got[0]
	if patients.Extract != ingestion.ExtractPatients {
		t.Fatalf("got[0].Extract = %s, want %s", patients.Extract, ingestion.ExtractPatients)
	}
	if patients.Files != 2 || patients.FilesSkipped != 1 || patients.FilesFailed != 0 {
		t.Errorf("patients files = %d skipped = %d failed = %d, want 2/1/0",
			patients.Files, patients.FilesSkipped, patients.FilesFailed)
	}
	if patients.RowsRead != 100 || patients.RowsIngested != 98 || patients.RowsRejectedRaw != 2 {
		t.Errorf("patients rows = %d/%d/%d, want 100/98/2",
			patients.RowsRead, patients.RowsIngested, patients.RowsRejectedRaw)
	}
	// The newest staging pass overwrites the earlier failed one.
	if patients.RowsTransformed != 98 || patients.RowsUpserted != 95 {
		t.Errorf("patients staging rows = %d transformed, %d upserted, want 98/95",
			patients.RowsTransformed, patients.RowsUpserted)
	}
	if patients.StagingStatus != ingestion.RunCompleted {
		t.Errorf("patients StagingStatus = %s, want %s", patients.StagingStatus, ingestion.RunCompleted)
	}

	diagnoses := got[1]
	if diagnoses.Files != 1 || diagnoses.FilesFailed != 1 {
		t.Errorf("diagnoses files = %d failed = %d, want 1/1", diagnoses.Files, diagnoses.FilesFailed)
	}
	if diagnoses.RowsRead != 10 {
		t.Errorf("diagnoses RowsRead = %d, want 10", diagnoses.RowsRead)
	}
	if diagnoses.StagingStatus != "" {
		t.Errorf("diagnoses StagingStatus = %q, want empty (never staged)", diagnoses.StagingStatus)
	}
}
