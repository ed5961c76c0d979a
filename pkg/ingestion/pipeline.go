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
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraklabs/hie/pkg/objstore"
)

// ProgressCallback is called to report progress during pipeline execution.
// Parameters:
//   - current: current item number (1-based)
//   - total: total number of items
//   - phase: current phase name ("loading", "staging")
type ProgressCallback func(current, total int64, phase string)

// Process exit codes. The run carries its own code so callers do not
// re-derive it from status.
const (
	ExitOK = 0

	// ExitConfigError means the run never started: bad options or
	// environment, no registry rows written.
	ExitConfigError = 1

	// ExitCompletedWithFailures means the run finished but some files
	// or staging runs failed, under the error threshold.
	ExitCompletedWithFailures = 2

	// ExitFailed means failures exceeded the threshold or the run
	// aborted.
	ExitFailed = 3

	// ExitCancelled follows the shell convention for SIGINT.
	ExitCancelled = 130
)

// RunOptions scope one pipeline run.
type RunOptions struct {
	// TriggeredBy records what started the run. TriggerRecovery
	// switches discovery to the failed/pending files of earlier runs.
	TriggeredBy Trigger

	// Prefix overrides the configured discovery prefix when set.
	Prefix string

	// Extracts restricts the run to these extract types. Empty means
	// every recognized extract.
	Extracts []ExtractType

	// From and To bound date-extracted inclusively. Zero means open.
	From time.Time
	To   time.Time

	// Mode orders batches; empty means the configured order.
	Mode PlanMode

	// MaxBatches truncates the plan after ordering. Zero uses the
	// configured cap.
	MaxBatches int

	// DryRun discovers and plans but writes nothing except the run
	// preview row.
	DryRun bool
}

// ExtractSummary aggregates one extract type across a run, combining
// the raw-load and staging counters the operator reads first.
type ExtractSummary struct {
	Extract ExtractType

	Files             int
	FilesFailed       int
	FilesSkipped      int
	FilesCancelled    int
	RowsRead          int64
	RowsIngested      int64
	RowsRejectedRaw   int64
	RowsTransformed   int64
	RowsRejectedStage int64
	RowsUpserted      int64

	// StagingStatus is empty when staging never ran for the extract.
	StagingStatus RunStatus
}

// RunResult summarizes one pipeline run.
type RunResult struct {
	// LoadRunID identifies the run in the registry. Empty for runs
	// that aborted before creating one.
	LoadRunID string

	// Status is the run's terminal state.
	Status RunStatus

	// ExitCode is the process exit code the run maps to.
	ExitCode int

	// DryRun marks a preview run: counts below describe the plan, not
	// work performed.
	DryRun bool

	// FilesDiscovered is how many candidate files discovery returned.
	FilesDiscovered int

	// FilesPlanned is how many files the plan retained after batch
	// truncation.
	FilesPlanned int

	// Batches is how many delivery cycles the plan grouped.
	Batches int

	// FilesProcessed counts files that reached processed status.
	FilesProcessed int

	// FilesFailed counts files whose load failed terminally.
	FilesFailed int

	// FilesSkipped counts idempotency-gate skips (already processed).
	FilesSkipped int

	// FilesCancelled counts files interrupted by cancellation.
	FilesCancelled int

	// RowsRead, RowsIngested and RowsRejected total the raw phase.
	RowsRead     int64
	RowsIngested int64
	RowsRejected int64

	// RowsUpserted totals staging writes across extracts.
	RowsUpserted int64

	// Extracts holds one summary per extract type, in processing order.
	Extracts []ExtractSummary

	// TopRejections lists the most frequent rejection reasons.
	TopRejections []RejectionReason

	// Warnings carries plan and execution advisories.
	Warnings []string

	// DiscoveryDuration and LoadDuration are phase wall times.
	// StagingDuration is the staging tail beyond the raw phase;
	// staging overlapping the raw phase is inside LoadDuration.
	DiscoveryDuration time.Duration
	LoadDuration      time.Duration
	StagingDuration   time.Duration
	TotalDuration     time.Duration
}

// Failed reports whether the run ended in a terminal failure state.
func (r *RunResult) Failed() bool {
	return r.Status == RunFailed
}

// Pipeline drives one run end to end: Discovery → Planner → Raw Loader
// (per file, bounded concurrency) → Staging Transformer (per extract,
// bounded concurrency). Staging for an extract starts once every raw
// load of that extract has finished, overlapping the remaining raw
// work.
type Pipeline struct {
	cfg        Config
	loc        *time.Location
	store      objstore.Store
	registry   Registry
	discoverer *Discoverer
	loader     *RawLoader
	stager     *StagingTransformer
	metrics    *Metrics
	logger     *slog.Logger
	onProgress ProgressCallback
}

// NewPipeline validates the configuration and wires every stage.
// Configuration errors surface here, before any run row exists.
func NewPipeline(cfg Config, store objstore.Store, registry Registry, landing LandingWriter, staging StagingStore, metrics *Metrics, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSpecs(); err != nil {
		return nil, E(KindConfiguration, "pipeline.specs", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	window := time.Duration(cfg.Discovery.FullLoadWindowDays) * 24 * time.Hour
	if window <= 0 {
		window = DefaultFullLoadWindow
	}
	parser := NewFilenameParser(loc, WindowFullLoad(window))

	return &Pipeline{
		cfg:        cfg,
		loc:        loc,
		store:      store,
		registry:   registry,
		discoverer: NewDiscoverer(store, cfg.ObjectStore.Bucket, parser, logger),
		loader:     NewRawLoader(store, registry, landing, cfg.RawLoader, cfg.Retry, metrics, logger),
		stager:     NewStagingTransformer(staging, registry, cfg.Staging, cfg.Retry, loc, metrics, logger),
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// SetProgressCallback sets an optional callback for progress reporting.
func (p *Pipeline) SetProgressCallback(cb ProgressCallback) {
	p.onProgress = cb
}

func (p *Pipeline) reportProgress(current, total int64, phase string) {
	if p.onProgress != nil {
		p.onProgress(current, total, phase)
	}
}

// Run executes one load run end to end and reports its outcome. The
// returned RunResult is non-nil whenever a run row was created, even
// when err is non-nil, so callers can always render a summary.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	startTime := time.Now()
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = TriggerManual
	}
	if opts.Mode == "" {
		mode, err := ParsePlanMode(p.cfg.Processing.Order)
		if err != nil {
			return nil, err
		}
		opts.Mode = mode
	}
	if opts.MaxBatches == 0 {
		opts.MaxBatches = p.cfg.Processing.MaxBatches
	}
	if opts.Prefix == "" {
		opts.Prefix = p.cfg.ObjectStore.Prefix
	}
	priority, err := p.cfg.Processing.Priority()
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	cancelDeadline := func() {}
	if d := p.cfg.Processing.ProcessingTimeout(); d > 0 {
		runCtx, cancelDeadline = context.WithTimeout(ctx, d)
	}
	defer cancelDeadline()

	run := &LoadRun{
		ID:          NewRunID(),
		TriggeredBy: opts.TriggeredBy,
		Status:      RunRunning,
		StartedAt:   time.Now().UTC(),
	}
	if opts.DryRun {
		run.Notes = "dry-run preview"
	}
	if err := p.registry.CreateLoadRun(runCtx, run); err != nil {
		return nil, E(KindDBTransient, "pipeline.create_run", err)
	}

	result := &RunResult{LoadRunID: run.ID, DryRun: opts.DryRun}
	p.logger.Info("ingest.run.start",
		"load_run_id", run.ID,
		"triggered_by", string(opts.TriggeredBy),
		"mode", string(opts.Mode),
		"dry_run", opts.DryRun)

	// Step 1: discovery.
	discoverStart := time.Now()
	files, err := p.discover(runCtx, opts)
	result.DiscoveryDuration = time.Since(discoverStart)
	if err != nil {
		return p.finishRun(ctx, runCtx, run, result, startTime, err)
	}
	result.FilesDiscovered = len(files)

	// Step 2: planning.
	plan, err := Plan(files, PlanOptions{Mode: opts.Mode, MaxBatches: opts.MaxBatches, Priority: priority})
	if err != nil {
		return p.finishRun(ctx, runCtx, run, result, startTime, err)
	}
	result.Warnings = append(result.Warnings, plan.Warnings...)
	result.FilesPlanned = plan.TotalFiles
	result.Batches = len(plan.Batches)
	p.logger.Info("ingest.run.plan",
		"load_run_id", run.ID,
		"discovered", len(files),
		"planned", plan.TotalFiles,
		"batches", len(plan.Batches),
		"warnings", len(plan.Warnings))

	if opts.DryRun {
		run.Notes = dryRunNotes(plan)
		return p.finishRun(ctx, runCtx, run, result, startTime, nil)
	}
	if plan.Empty() {
		run.Notes = "no files to process"
		return p.finishRun(ctx, runCtx, run, result, startTime, nil)
	}

	// Steps 3 + 4: raw loads fan out per file; each extract's staging
	// starts the moment its last raw load lands.
	acc := newRunAccumulator(plan, priority)
	acc.armThreshold(p.cfg.RawLoader.ErrorThreshold)
	ready := make(chan ExtractType, acc.stagingTotal)
	stg := p.startStagingWorkers(runCtx, run.ID, acc, ready)

	loadStart := time.Now()
	p.loadPlan(runCtx, run.ID, plan, acc, ready)
	result.LoadDuration = time.Since(loadStart)

	close(ready)
	stagingStart := time.Now()
	stg.wait()
	result.StagingDuration = time.Since(stagingStart)

	acc.fill(result)
	return p.finishRun(ctx, runCtx, run, result, startTime, acc.firstFatal())
}

// discover routes between prefix discovery and recovery re-resolution.
func (p *Pipeline) discover(ctx context.Context, opts RunOptions) ([]DiscoveredFile, error) {
	if opts.TriggeredBy == TriggerRecovery {
		rows, err := p.registry.FindFailedOrPendingFiles(ctx, p.cfg.Discovery.BatchSize)
		if err != nil {
			return nil, E(KindDBTransient, "pipeline.recovery", err)
		}
		keys := make([]string, 0, len(rows))
		seen := make(map[string]struct{}, len(rows))
		for _, row := range rows {
			if _, dup := seen[row.ObjectKey]; dup {
				continue
			}
			seen[row.ObjectKey] = struct{}{}
			keys = append(keys, row.ObjectKey)
		}
		p.logger.Info("ingest.run.recovery", "candidates", len(keys))
		return p.discoverer.DiscoverKeys(ctx, keys, p.cfg.Discovery.ValidateHashes)
	}

	return p.discoverer.Discover(ctx, DiscoverOptions{
		Prefix:         opts.Prefix,
		Extracts:       opts.Extracts,
		From:           opts.From,
		To:             opts.To,
		MaxFiles:       p.cfg.Discovery.BatchSize,
		ExcludeGlobs:   p.cfg.Discovery.ExcludeGlobs,
		ValidateHashes: p.cfg.Discovery.ValidateHashes,
	})
}

// loadPlan walks batches in plan order. Within a batch, each priority
// group drains before the next group starts; files inside a group fan
// out to the worker pool.
func (p *Pipeline) loadPlan(ctx context.Context, loadRunID string, plan *ProcessingPlan, acc *runAccumulator, ready chan<- ExtractType) {
	for _, batch := range plan.Batches {
		if ctx.Err() != nil {
			acc.markUnstarted(batch.Files, ready)
			continue
		}
		p.logger.Info("ingest.run.batch.start",
			"load_run_id", loadRunID,
			"batch_id", batch.ID,
			"files", len(batch.Files),
			"complete", batch.Complete)

		for _, group := range groupByRank(batch.Files, acc.ranks) {
			if ctx.Err() != nil {
				acc.markUnstarted(group, ready)
				continue
			}
			p.loadGroup(ctx, loadRunID, group, acc, ready)
		}
	}
}

// loadGroup runs one same-priority file group through the pool and
// blocks until the group drains.
func (p *Pipeline) loadGroup(ctx context.Context, loadRunID string, group []DiscoveredFile, acc *runAccumulator, ready chan<- ExtractType) {
	workers := p.cfg.Processing.MaxConcurrentFiles
	if workers <= 0 {
		workers = 1
	}
	if workers > len(group) {
		workers = len(group)
	}

	jobs := make(chan DiscoveredFile)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range jobs {
				// A dead context means the file never claims a
				// registry row; it stays discoverable for recovery.
				if ctx.Err() != nil {
					acc.fileUnstarted(file, ready)
					continue
				}
				p.metrics.WorkerStarted("raw")
				res, err := p.loader.Load(ctx, file, loadRunID)
				p.metrics.WorkerDone("raw")
				p.afterLoad(ctx, loadRunID, file, res, err, acc, ready)
			}
		}()
	}

	for _, file := range group {
		jobs <- file
	}
	close(jobs)
	wg.Wait()
}

// afterLoad folds one file outcome into the run: accumulator counts,
// registry counters, the staging barrier, and progress.
func (p *Pipeline) afterLoad(ctx context.Context, loadRunID string, file DiscoveredFile, res *LoadResult, err error, acc *runAccumulator, ready chan<- ExtractType) {
	outcome := acc.fileDone(file, res, err, ready)

	if res != nil && !res.Skipped && (res.RowsIngested > 0 || res.RowsRejected > 0) {
		if incErr := p.registry.IncrementLoadRunCounters(detached(ctx), loadRunID, res.RowsIngested, res.RowsRejected); incErr != nil {
			p.logger.Warn("ingest.run.counters.error", "load_run_id", loadRunID, "err", incErr)
		}
	}

	done, total := acc.progress()
	p.reportProgress(done, total, "loading")

	if err != nil && KindOf(err) != KindCancelled {
		p.logger.Warn("ingest.run.file.failed",
			"load_run_id", loadRunID,
			"key", file.Key(),
			"outcome", outcome,
			"err", err)
	}
}

// stagingWorkers tracks the consumer pool on the ready channel.
type stagingWorkers struct {
	wg sync.WaitGroup
}

func (s *stagingWorkers) wait() { s.wg.Wait() }

// startStagingWorkers launches the staging pool. Workers pick up
// extracts as their raw loads finish and stop accepting new ones once
// the failure threshold trips.
func (p *Pipeline) startStagingWorkers(ctx context.Context, loadRunID string, acc *runAccumulator, ready <-chan ExtractType) *stagingWorkers {
	stg := &stagingWorkers{}
	workers := p.cfg.Staging.MaxConcurrentTransforms
	if workers <= 0 {
		workers = 1
	}
	for w := 0; w < workers; w++ {
		stg.wg.Add(1)
		go func() {
			defer stg.wg.Done()
			for extract := range ready {
				if ctx.Err() != nil {
					acc.stagingSkipped(extract, "cancelled before staging")
					continue
				}
				if acc.halted() {
					acc.stagingSkipped(extract, "failure threshold exceeded")
					continue
				}
				spec, ok := SpecFor(extract)
				if !ok {
					continue
				}
				p.metrics.WorkerStarted("staging")
				res, err := p.stager.Transform(ctx, spec, TransformOptions{LoadRunID: loadRunID})
				p.metrics.WorkerDone("staging")
				acc.stagingFinished(extract, res, err)

				done, total := acc.stagingProgress()
				p.reportProgress(done, total, "staging")
			}
		}()
	}
	return stg
}

// finishRun decides terminal status and exit code, stamps the run row
// on a detached context, and assembles the user-visible summary.
// ctx is the caller's context (dead only on an external interrupt);
// runCtx additionally carries the per-run deadline.
func (p *Pipeline) finishRun(ctx, runCtx context.Context, run *LoadRun, result *RunResult, startTime time.Time, fatal error) (*RunResult, error) {
	result.TotalDuration = time.Since(startTime)

	status := RunCompleted
	exit := ExitOK
	var notes []string
	if run.Notes != "" {
		notes = append(notes, run.Notes)
	}

	switch {
	case ctx.Err() != nil:
		status = RunCancelled
		exit = ExitCancelled
		notes = append(notes, "cancelled: interrupt received")
	case runCtx.Err() != nil:
		status = RunFailed
		exit = ExitFailed
		notes = append(notes, "processing deadline exceeded")
	case KindOf(fatal) == KindCancelled:
		status = RunCancelled
		exit = ExitCancelled
		notes = append(notes, "cancelled: "+fatal.Error())
	case fatal != nil:
		status = RunFailed
		exit = ExitFailed
		notes = append(notes, fatal.Error())
	case result.thresholdExceeded(p.cfg.RawLoader.ErrorThreshold):
		status = RunFailed
		exit = ExitFailed
		notes = append(notes, fmt.Sprintf("%d of %d files failed, beyond threshold %.0f%%",
			result.FilesFailed, result.FilesPlanned, p.cfg.RawLoader.ErrorThreshold*100))
	case result.FilesFailed > 0 || result.stagingFailed():
		exit = ExitCompletedWithFailures
		notes = append(notes, fmt.Sprintf("%d files failed", result.FilesFailed))
	}

	result.Status = status
	result.ExitCode = exit

	run.RowsIngested = result.RowsIngested
	run.RowsRejected = result.RowsRejected
	run.Finish(status, time.Now().UTC())
	run.Notes = strings.Join(notes, "; ")
	if err := p.registry.UpdateLoadRun(detached(ctx), run); err != nil {
		p.logger.Error("ingest.run.finalize.error", "load_run_id", run.ID, "err", err)
	}

	if !result.DryRun && result.FilesPlanned > 0 {
		if summary, err := p.registry.RunSummary(detached(ctx), run.ID); err == nil {
			result.TopRejections = summary.TopRejections
		} else {
			p.logger.Warn("ingest.run.summary.error", "load_run_id", run.ID, "err", err)
		}
	}

	p.logger.Info("ingest.run.complete",
		"load_run_id", run.ID,
		"status", string(status),
		"exit_code", exit,
		"files_processed", result.FilesProcessed,
		"files_failed", result.FilesFailed,
		"files_skipped", result.FilesSkipped,
		"rows_read", result.RowsRead,
		"rows_ingested", result.RowsIngested,
		"rows_rejected", result.RowsRejected,
		"rows_upserted", result.RowsUpserted,
		"duration_ms", result.TotalDuration.Milliseconds())

	if fatal != nil {
		return result, fatal
	}
	return result, nil
}

// thresholdExceeded applies the failed-file ratio against planned
// files. A zero threshold tolerates no failures at all.
func (r *RunResult) thresholdExceeded(threshold float64) bool {
	if r.FilesPlanned == 0 || r.FilesFailed == 0 {
		return false
	}
	ratio := float64(r.FilesFailed) / float64(r.FilesPlanned)
	return ratio > threshold
}

func (r *RunResult) stagingFailed() bool {
	for _, ex := range r.Extracts {
		if ex.StagingStatus == RunFailed {
			return true
		}
	}
	return false
}

func dryRunNotes(plan *ProcessingPlan) string {
	if plan.Empty() {
		return "dry-run preview: no files"
	}
	return fmt.Sprintf("dry-run preview: %d files in %d batches", plan.TotalFiles, len(plan.Batches))
}

// groupByRank splits a rank-sorted file list into consecutive
// same-priority groups.
func groupByRank(files []DiscoveredFile, ranks map[ExtractType]int) [][]DiscoveredFile {
	var groups [][]DiscoveredFile
	for i := 0; i < len(files); {
		j := i + 1
		for j < len(files) && rankOf(ranks, files[j].Parsed.Extract) == rankOf(ranks, files[i].Parsed.Extract) {
			j++
		}
		groups = append(groups, files[i:j])
		i = j
	}
	return groups
}

// runAccumulator is the run's shared tally. Raw workers, staging
// workers and the orchestrator all fold into it under one mutex; the
// staging barrier counts live here too.
type runAccumulator struct {
	mu sync.Mutex

	ranks map[ExtractType]int

	filesTotal     int
	filesDone      int
	filesProcessed int
	filesFailed    int
	filesSkipped   int
	filesCancelled int

	rowsRead     int64
	rowsIngested int64
	rowsRejected int64

	// remaining counts raw loads still outstanding per extract; an
	// extract whose count reaches zero is released to staging.
	remaining map[ExtractType]int

	stagingTotal  int
	stagedExtract int

	perExtract map[ExtractType]*ExtractSummary
	warnings   []string
	fatal      error

	halt atomic.Bool

	// threshold < 0 means the mid-run halt is disarmed.
	threshold float64
}

func newRunAccumulator(plan *ProcessingPlan, priority []ExtractType) *runAccumulator {
	acc := &runAccumulator{
		ranks:      processingRanks(priority),
		filesTotal: plan.TotalFiles,
		remaining:  make(map[ExtractType]int),
		perExtract: make(map[ExtractType]*ExtractSummary),
		threshold:  -1,
	}
	for _, batch := range plan.Batches {
		for _, f := range batch.Files {
			acc.remaining[f.Parsed.Extract]++
			acc.summary(f.Parsed.Extract)
		}
	}
	acc.stagingTotal = len(acc.remaining)
	return acc
}

// armThreshold enables the mid-run halt: once failed files alone push
// the run past the ratio, staging further extracts is pointless.
func (a *runAccumulator) armThreshold(threshold float64) {
	a.threshold = threshold
}

func (a *runAccumulator) summary(extract ExtractType) *ExtractSummary {
	s, ok := a.perExtract[extract]
	if !ok {
		s = &ExtractSummary{Extract: extract}
		a.perExtract[extract] = s
	}
	return s
}

// fileDone folds a finished load attempt in and releases the extract
// to staging when it was the last outstanding file. Returns the
// outcome label for logging.
func (a *runAccumulator) fileDone(file DiscoveredFile, res *LoadResult, err error, ready chan<- ExtractType) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	extract := file.Parsed.Extract
	s := a.summary(extract)
	a.filesDone++
	s.Files++

	outcome := "processed"
	switch {
	case res != nil && res.Skipped:
		outcome = "skipped_duplicate"
		a.filesSkipped++
		s.FilesSkipped++
	case err != nil && KindOf(err) == KindCancelled:
		outcome = "cancelled"
		a.filesCancelled++
		s.FilesCancelled++
	case err != nil:
		outcome = "failed"
		a.filesFailed++
		s.FilesFailed++
	default:
		a.filesProcessed++
	}

	if res != nil {
		a.rowsRead += res.RowsRead
		a.rowsIngested += res.RowsIngested
		a.rowsRejected += res.RowsRejected
		s.RowsRead += res.RowsRead
		s.RowsIngested += res.RowsIngested
		s.RowsRejectedRaw += res.RowsRejected
		a.warnings = append(a.warnings, res.Warnings...)
	}
	if KindOf(err) == KindResourceExhaustion && a.fatal == nil {
		a.fatal = err
		a.halt.Store(true)
	}
	if a.threshold >= 0 && a.filesTotal > 0 {
		if float64(a.filesFailed)/float64(a.filesTotal) > a.threshold {
			a.halt.Store(true)
		}
	}

	a.release(extract, ready)
	return outcome
}

// fileUnstarted accounts for a file abandoned before claiming a
// registry row.
func (a *runAccumulator) fileUnstarted(file DiscoveredFile, ready chan<- ExtractType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filesDone++
	a.release(file.Parsed.Extract, ready)
}

func (a *runAccumulator) markUnstarted(files []DiscoveredFile, ready chan<- ExtractType) {
	for _, f := range files {
		a.fileUnstarted(f, ready)
	}
}

// release decrements the extract's outstanding-load count and opens
// the staging barrier at zero. Callers hold the mutex; the ready
// channel is sized for every extract, so the send never blocks.
func (a *runAccumulator) release(extract ExtractType, ready chan<- ExtractType) {
	n, ok := a.remaining[extract]
	if !ok {
		return
	}
	n--
	if n > 0 {
		a.remaining[extract] = n
		return
	}
	delete(a.remaining, extract)
	ready <- extract
}

// stagingFinished folds one extract's staging outcome in.
func (a *runAccumulator) stagingFinished(extract ExtractType, res *StagingResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stagedExtract++
	s := a.summary(extract)
	if res != nil {
		s.RowsTransformed = res.RowsTransformed
		s.RowsRejectedStage = res.RowsRejected
		s.RowsUpserted = res.RowsUpserted
	}
	switch {
	case err == nil:
		s.StagingStatus = RunCompleted
	case KindOf(err) == KindCancelled:
		s.StagingStatus = RunCancelled
	default:
		s.StagingStatus = RunFailed
		a.warnings = append(a.warnings, fmt.Sprintf("staging %s failed: %v", extract, err))
	}
}

// stagingSkipped marks an extract whose staging never started.
func (a *runAccumulator) stagingSkipped(extract ExtractType, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stagedExtract++
	s := a.summary(extract)
	s.StagingStatus = RunCancelled
	a.warnings = append(a.warnings, fmt.Sprintf("staging %s skipped: %s", extract, reason))
}

func (a *runAccumulator) halted() bool { return a.halt.Load() }

func (a *runAccumulator) progress() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(a.filesDone), int64(a.filesTotal)
}

func (a *runAccumulator) stagingProgress() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(a.stagedExtract), int64(a.stagingTotal)
}

func (a *runAccumulator) firstFatal() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatal
}

// fill copies the tallies into the result, ordering extract summaries
// by processing rank.
func (a *runAccumulator) fill(r *RunResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r.FilesProcessed = a.filesProcessed
	r.FilesFailed = a.filesFailed
	r.FilesSkipped = a.filesSkipped
	r.FilesCancelled = a.filesCancelled
	r.RowsRead = a.rowsRead
	r.RowsIngested = a.rowsIngested
	r.RowsRejected = a.rowsRejected
	r.Warnings = append(r.Warnings, a.warnings...)

	for _, s := range a.perExtract {
		r.Extracts = append(r.Extracts, *s)
		r.RowsUpserted += s.RowsUpserted
	}
	sort.Slice(r.Extracts, func(i, j int) bool {
		ri := rankOf(a.ranks, r.Extracts[i].Extract)
		rj := rankOf(a.ranks, r.Extracts[j].Extract)
		if ri != rj {
			return ri < rj
		}
		return r.Extracts[i].Extract < r.Extracts[j].Extract
	})
}
