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
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// The fakes below stand in for the warehouse. They enforce the same
// contracts the Postgres implementations do (terminal-state guards,
// monotonic counters, the partial-unique idempotency key) so a test
// that violates one fails loudly instead of passing by accident.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ===== REGISTRY FAKE =====

type memRegistry struct {
	mu          sync.Mutex
	runs        map[string]*LoadRun
	files       map[string]*LoadRunFile
	stagingRuns map[string]*StagingRun
	rejects     []*Rejection

	// failWith, while failTimes > 0, is returned by every write.
	failWith  error
	failTimes int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		runs:        make(map[string]*LoadRun),
		files:       make(map[string]*LoadRunFile),
		stagingRuns: make(map[string]*StagingRun),
	}
}

func (m *memRegistry) injected() error {
	if m.failTimes > 0 {
		m.failTimes--
		return m.failWith
	}
	return nil
}

func (m *memRegistry) CreateLoadRun(ctx context.Context, run *LoadRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("duplicate load run %s", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memRegistry) UpdateLoadRun(ctx context.Context, run *LoadRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	cur, ok := m.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.IsTerminal() && run.Status != cur.Status {
		return ErrTerminalState
	}
	if run.RowsIngested < cur.RowsIngested || run.RowsRejected < cur.RowsRejected {
		return fmt.Errorf("counter regression on run %s", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memRegistry) IncrementLoadRunCounters(ctx context.Context, loadRunID string, rowsIngested, rowsRejected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	cur, ok := m.runs[loadRunID]
	if !ok {
		return ErrNotFound
	}
	if rowsIngested < 0 || rowsRejected < 0 {
		return fmt.Errorf("negative increment on run %s", loadRunID)
	}
	cur.RowsIngested += rowsIngested
	cur.RowsRejected += rowsRejected
	return nil
}

func (m *memRegistry) GetLoadRun(ctx context.Context, id string) (*LoadRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

func (m *memRegistry) CreateLoadRunFile(ctx context.Context, file *LoadRunFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	if file.Status != FileSkippedDuplicate {
		for _, f := range m.files {
			if f.Status != FileSkippedDuplicate &&
				f.ObjectVersionID == file.ObjectVersionID &&
				f.ContentHash == file.ContentHash {
				return ErrDuplicateIdentity
			}
		}
	}
	cp := *file
	m.files[file.ID] = &cp
	return nil
}

func (m *memRegistry) UpdateLoadRunFile(ctx context.Context, file *LoadRunFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	cur, ok := m.files[file.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.IsTerminal() && file.Status != cur.Status {
		return ErrTerminalState
	}
	if file.RowsRead < cur.RowsRead || file.RowsIngested < cur.RowsIngested || file.RowsRejected < cur.RowsRejected {
		return fmt.Errorf("counter regression on file %s", file.ID)
	}
	cp := *file
	m.files[file.ID] = &cp
	return nil
}

func (m *memRegistry) FindLoadRunFileByIdentity(ctx context.Context, versionID, contentHash string) (*LoadRunFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.Status != FileSkippedDuplicate && f.ObjectVersionID == versionID && f.ContentHash == contentHash {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRegistry) ClaimLoadRunFile(ctx context.Context, fileID, loadRunID string, staleAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return false, err
	}
	cur, ok := m.files[fileID]
	if !ok {
		return false, ErrNotFound
	}
	claimable := cur.Status.Claimable() ||
		(cur.Status == FileInProgress && time.Since(cur.UpdatedAt) > staleAfter)
	if !claimable {
		return false, nil
	}
	cur.Status = FileInProgress
	cur.LoadRunID = loadRunID
	cur.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memRegistry) ListFilesForLoadRun(ctx context.Context, loadRunID string) ([]*LoadRunFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LoadRunFile
	for _, f := range m.files {
		if f.LoadRunID == loadRunID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectKey < out[j].ObjectKey })
	return out, nil
}

func (m *memRegistry) FindFailedOrPendingFiles(ctx context.Context, limit int) ([]*LoadRunFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LoadRunFile
	for _, f := range m.files {
		if f.Status == FileFailed || f.Status == FilePending {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRegistry) CreateStagingRun(ctx context.Context, run *StagingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	if _, exists := m.stagingRuns[run.ID]; exists {
		return fmt.Errorf("duplicate staging run %s", run.ID)
	}
	cp := *run
	m.stagingRuns[run.ID] = &cp
	return nil
}

func (m *memRegistry) UpdateStagingRun(ctx context.Context, run *StagingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	cur, ok := m.stagingRuns[run.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.IsTerminal() && run.Status != cur.Status {
		return ErrTerminalState
	}
	if run.RowsRead < cur.RowsRead || run.RowsUpserted < cur.RowsUpserted {
		return fmt.Errorf("counter regression on staging run %s", run.ID)
	}
	cp := *run
	m.stagingRuns[run.ID] = &cp
	return nil
}

func (m *memRegistry) RecordRejection(ctx context.Context, rej *Rejection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return err
	}
	cp := *rej
	m.rejects = append(m.rejects, &cp)
	return nil
}

func (m *memRegistry) RecentLoadRuns(ctx context.Context, limit int) ([]*LoadRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LoadRun
	for _, r := range m.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRegistry) RunSummary(ctx context.Context, loadRunID string) (*RunSummary, error) {
	run, err := m.GetLoadRun(ctx, loadRunID)
	if err != nil {
		return nil, err
	}
	files, _ := m.ListFilesForLoadRun(ctx, loadRunID)

	m.mu.Lock()
	defer m.mu.Unlock()
	var staging []*StagingRun
	for _, s := range m.stagingRuns {
		if s.LoadRunID == loadRunID {
			cp := *s
			staging = append(staging, &cp)
		}
	}

	counts := make(map[string]*RejectionReason)
	for _, rej := range m.rejects {
		key := string(rej.Extract) + "|" + string(rej.Category)
		rr, ok := counts[key]
		if !ok {
			rr = &RejectionReason{Extract: rej.Extract, Category: rej.Category, Reason: rej.Reason}
			counts[key] = rr
		}
		rr.Count++
	}
	var top []RejectionReason
	for _, rr := range counts {
		top = append(top, *rr)
	}
	sort.Slice(top, func(i, j int) bool { return top[i].Count > top[j].Count })

	return &RunSummary{Run: run, Files: files, StagingRuns: staging, TopRejections: top}, nil
}

// fileByKey returns the newest registry row for an object key.
func (m *memRegistry) fileByKey(key string) *LoadRunFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *LoadRunFile
	for _, f := range m.files {
		if f.ObjectKey != key {
			continue
		}
		if newest == nil || f.StartedAt.After(newest.StartedAt) {
			cp := *f
			newest = &cp
		}
	}
	return newest
}

func (m *memRegistry) filesWithStatus(status FileStatus) []*LoadRunFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LoadRunFile
	for _, f := range m.files {
		if f.Status == status {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out
}

// ===== LANDING FAKE =====

type landedRow struct {
	lineage Lineage
	fields  []string
}

type memLanding struct {
	mu   sync.Mutex
	rows map[ExtractType][]landedRow

	inserts   int
	failWith  error
	failTimes int

	// failOnCall fails exactly that insert (1-based), for tests that
	// need a partial landing.
	failOnCall int
}

func newMemLanding() *memLanding {
	return &memLanding{rows: make(map[ExtractType][]landedRow)}
}

func (m *memLanding) InsertBatch(ctx context.Context, spec ExtractSpec, lineage Lineage, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	if m.failOnCall > 0 && m.inserts == m.failOnCall {
		return m.failWith
	}
	if m.failTimes > 0 {
		m.failTimes--
		return m.failWith
	}
	for _, fields := range rows {
		cp := make([]string, len(fields))
		copy(cp, fields)
		m.rows[spec.Extract] = append(m.rows[spec.Extract], landedRow{lineage: lineage, fields: cp})
	}
	return nil
}

func (m *memLanding) PurgeFile(ctx context.Context, spec ExtractSpec, loadRunFileID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[spec.Extract][:0]
	var purged int64
	for _, row := range m.rows[spec.Extract] {
		if row.lineage.LoadRunFileID == loadRunFileID {
			purged++
			continue
		}
		kept = append(kept, row)
	}
	m.rows[spec.Extract] = kept
	return purged, nil
}

func (m *memLanding) count(extract ExtractType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[extract])
}

func (m *memLanding) countForFile(extract ExtractType, fileID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows[extract] {
		if row.lineage.LoadRunFileID == fileID {
			n++
		}
	}
	return n
}

// addLanded seeds a landing row directly, for transformer tests that
// skip the loader.
func (m *memLanding) addLanded(extract ExtractType, lineage Lineage, fields ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[extract] = append(m.rows[extract], landedRow{lineage: lineage, fields: fields})
}

// ===== STAGING FAKE =====

// memStaging implements StagingStore over the landing fake. Stream
// order and row numbering mirror the warehouse: per file, insertion
// order, 1-based.
type memStaging struct {
	mu      sync.Mutex
	landing *memLanding
	reg     *memRegistry

	// staged rows by extract, keyed on the joined conflict columns.
	staged map[ExtractType]map[string][]any

	// rejects committed as part of batches.
	rejects []*Rejection

	// constraintKeys trigger a db_constraint error when a batch
	// contains a row whose conflict key matches.
	constraintKeys map[string]bool

	upserts   int
	failWith  error
	failTimes int

	locks map[string]bool
}

func newMemStaging(landing *memLanding, reg *memRegistry) *memStaging {
	return &memStaging{
		landing:        landing,
		reg:            reg,
		staged:         make(map[ExtractType]map[string][]any),
		constraintKeys: make(map[string]bool),
		locks:          make(map[string]bool),
	}
}

func (m *memStaging) StreamLanding(ctx context.Context, spec ExtractSpec, loadRunID string, fn func(LandingRow) error) error {
	m.landing.mu.Lock()
	rows := append([]landedRow(nil), m.landing.rows[spec.Extract]...)
	m.landing.mu.Unlock()

	processed := make(map[string]bool)
	for _, f := range m.reg.filesWithStatus(FileProcessed) {
		processed[f.ID] = true
	}

	rowNum := make(map[string]int64)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if row.lineage.LoadRunID != loadRunID || !processed[row.lineage.LoadRunFileID] {
			continue
		}
		rowNum[row.lineage.LoadRunFileID]++
		lr := LandingRow{
			RowNumber:       rowNum[row.lineage.LoadRunFileID],
			LoadRunFileID:   row.lineage.LoadRunFileID,
			ObjectVersionID: row.lineage.ObjectVersionID,
			ContentHash:     row.lineage.ContentHash,
			DateExtracted:   row.lineage.DateExtracted,
			Fields:          row.fields,
		}
		if err := fn(lr); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStaging) UpsertBatch(ctx context.Context, spec ExtractSpec, opts UpsertOptions, rows []StagedRow, rejects []*Rejection) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failTimes > 0 {
		m.failTimes--
		return 0, m.failWith
	}

	conflict := opts.ConflictColumns
	if len(conflict) == 0 {
		conflict = spec.NaturalKeys
	}
	targetIdx := make(map[string]int, len(spec.Transformations))
	for i, tr := range spec.Transformations {
		targetIdx[tr.Target] = i
	}

	keys := make([]string, len(rows))
	for i, row := range rows {
		key, err := conflictKey(conflict, targetIdx, row.Values)
		if err != nil {
			return 0, err
		}
		if m.constraintKeys[key] {
			return 0, E(KindDBConstraint, "staging.upsert",
				fmt.Errorf("unique violation on %q", key))
		}
		keys[i] = key
	}

	// The whole batch commits or nothing does.
	if m.staged[spec.Extract] == nil {
		m.staged[spec.Extract] = make(map[string][]any)
	}
	var written int64
	for i, row := range rows {
		if opts.Mode == UpsertSkip {
			if _, exists := m.staged[spec.Extract][keys[i]]; exists {
				continue
			}
		}
		m.staged[spec.Extract][keys[i]] = append([]any(nil), row.Values...)
		written++
	}
	for _, rej := range rejects {
		cp := *rej
		m.rejects = append(m.rejects, &cp)
		m.reg.RecordRejection(ctx, rej)
	}
	return written, nil
}

func (m *memStaging) AcquireLock(ctx context.Context, loadRunID string, extract ExtractType) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := loadRunID + "|" + string(extract)
	if m.locks[key] {
		return nil, fmt.Errorf("lock %s already held", key)
	}
	m.locks[key] = true
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, key)
		return nil
	}, nil
}

func (m *memStaging) stagedCount(extract ExtractType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged[extract])
}

func (m *memStaging) stagedRow(extract ExtractType, key string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staged[extract][key]
}

func (m *memStaging) rejectCategories() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Kind
	for _, rej := range m.rejects {
		out = append(out, rej.Category)
	}
	return out
}

func conflictKey(conflict []string, targetIdx map[string]int, values []any) (string, error) {
	parts := make([]string, 0, len(conflict))
	for _, col := range conflict {
		idx, ok := targetIdx[col]
		if !ok {
			return "", fmt.Errorf("conflict column %q has no transformation target", col)
		}
		parts = append(parts, fmt.Sprintf("%v", values[idx]))
	}
	return strings.Join(parts, "|"), nil
}
