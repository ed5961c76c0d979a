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
	"fmt"
	"sort"
	"time"
)

// PlanMode selects batch ordering.
type PlanMode string

const (
	// ModeLatest processes the newest batches first, for keeping a
	// live warehouse current.
	ModeLatest PlanMode = "latest"

	// ModeBackfill processes the oldest batches first, for loading
	// history in delivery order.
	ModeBackfill PlanMode = "backfill"
)

// ParsePlanMode validates a mode string from config or flags.
func ParsePlanMode(s string) (PlanMode, error) {
	switch PlanMode(s) {
	case ModeLatest:
		return ModeLatest, nil
	case ModeBackfill:
		return ModeBackfill, nil
	case "":
		return ModeLatest, nil
	}
	return "", E(KindConfiguration, "plan.mode",
		fmt.Errorf("unknown mode %q (want latest or backfill)", s))
}

// PlanOptions tune the planner.
type PlanOptions struct {
	Mode PlanMode

	// MaxBatches truncates the plan after ordering, so latest mode
	// keeps the newest N and backfill the oldest N. Zero = unlimited.
	MaxBatches int

	// Priority overrides the leading extract order within each batch.
	// Empty uses the built-in priority list.
	Priority []ExtractType
}

// FileBatch groups the files sharing one date-extracted stamp: one
// delivery of the feed across practices.
type FileBatch struct {
	// ID is the compact batch id all member filenames share.
	ID string

	DateExtracted time.Time

	// Files in processing order: extract priority first, key second.
	Files []DiscoveredFile

	// Extracts present in this batch, in processing order.
	Extracts []ExtractType

	TotalBytes int64

	// Complete is true when every priority extract is present. An
	// incomplete batch still processes; downstream core merges decide
	// what to do about the gap.
	Complete bool
}

// ProcessingPlan is the unit the orchestrator consumes.
type ProcessingPlan struct {
	Batches []FileBatch

	// ProcessingOrder flattens the batches: batch order first, then
	// intra-batch priority order. Files sharing an extract type share
	// a priority and may be loaded concurrently.
	ProcessingOrder []DiscoveredFile

	TotalFiles int

	// Dependencies signals core-zone merge ordering: each extract in
	// the plan maps to the priority extracts that precede it. The
	// engine does not enforce this; core merges downstream do.
	Dependencies map[ExtractType][]ExtractType

	Warnings []string
}

// Empty reports whether the plan has nothing to do.
func (p *ProcessingPlan) Empty() bool {
	return p.TotalFiles == 0
}

// processingRanks fixes the intra-batch order: the priority list
// first, then every remaining recognized extract in registry order.
// Lower rank runs earlier; unknown types sink to the end.
func processingRanks(priority []ExtractType) map[ExtractType]int {
	if len(priority) == 0 {
		priority = DefaultPriorityExtracts
	}
	ranks := make(map[ExtractType]int, len(AllExtractTypes()))
	next := 0
	for _, e := range priority {
		if _, dup := ranks[e]; !dup {
			ranks[e] = next
			next++
		}
	}
	for _, e := range AllExtractTypes() {
		if _, dup := ranks[e]; !dup {
			ranks[e] = next
			next++
		}
	}
	return ranks
}

func rankOf(ranks map[ExtractType]int, e ExtractType) int {
	if r, ok := ranks[e]; ok {
		return r
	}
	return len(ranks)
}

// Plan groups discovered files into batches and fixes the order the
// orchestrator will claim them in. Duplicate identities are kept but
// flagged: the idempotency gate makes the second attempt a skip, so a
// duplicate in the plan wastes a claim, never doubles a load.
func Plan(files []DiscoveredFile, opts PlanOptions) (*ProcessingPlan, error) {
	mode, err := ParsePlanMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	if opts.MaxBatches < 0 {
		return nil, E(KindConfiguration, "plan.max_batches",
			fmt.Errorf("max batches must be >= 0, got %d", opts.MaxBatches))
	}

	priority := opts.Priority
	if len(priority) == 0 {
		priority = DefaultPriorityExtracts
	}
	ranks := processingRanks(priority)

	plan := &ProcessingPlan{Dependencies: map[ExtractType][]ExtractType{}}
	if len(files) == 0 {
		plan.Warnings = append(plan.Warnings, "plan is empty: no files to process")
		return plan, nil
	}

	// Group by batch id and spot overlapping discoveries.
	groups := make(map[string][]DiscoveredFile)
	seen := make(map[string]string) // identity -> first key
	for _, f := range files {
		id := f.Parsed.BatchID()
		groups[id] = append(groups[id], f)

		identity := f.Meta.VersionID + "\x00" + f.ContentHash
		if first, dup := seen[identity]; dup {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"duplicate identity (version %s, hash %s): %s repeats %s",
				f.Meta.VersionID, ShortHash(f.ContentHash), f.Key(), first))
		} else {
			seen[identity] = f.Key()
		}
	}

	for id, members := range groups {
		plan.Batches = append(plan.Batches, buildBatch(id, members, ranks, priority))
	}

	// Order batches, then truncate: latest keeps the newest N,
	// backfill the oldest N.
	sort.Slice(plan.Batches, func(i, j int) bool {
		a, b := plan.Batches[i], plan.Batches[j]
		if !a.DateExtracted.Equal(b.DateExtracted) {
			if mode == ModeBackfill {
				return a.DateExtracted.Before(b.DateExtracted)
			}
			return a.DateExtracted.After(b.DateExtracted)
		}
		return a.ID < b.ID
	})
	if opts.MaxBatches > 0 && len(plan.Batches) > opts.MaxBatches {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"plan truncated to %d of %d batches", opts.MaxBatches, len(plan.Batches)))
		plan.Batches = plan.Batches[:opts.MaxBatches]
	}

	present := make(map[ExtractType]bool)
	for _, b := range plan.Batches {
		plan.ProcessingOrder = append(plan.ProcessingOrder, b.Files...)
		plan.TotalFiles += len(b.Files)
		for _, e := range b.Extracts {
			present[e] = true
		}
		if !b.Complete {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"batch %s missing priority extracts: %v", b.ID, missingPriority(b.Extracts, priority)))
		}
	}

	for e := range present {
		var deps []ExtractType
		for _, p := range priority {
			if p != e && present[p] && rankOf(ranks, p) < rankOf(ranks, e) {
				deps = append(deps, p)
			}
		}
		plan.Dependencies[e] = deps
	}

	return plan, nil
}

func buildBatch(id string, members []DiscoveredFile, ranks map[ExtractType]int, priority []ExtractType) FileBatch {
	sort.Slice(members, func(i, j int) bool {
		ri, rj := rankOf(ranks, members[i].Parsed.Extract), rankOf(ranks, members[j].Parsed.Extract)
		if ri != rj {
			return ri < rj
		}
		return members[i].Key() < members[j].Key()
	})

	batch := FileBatch{
		ID:            id,
		DateExtracted: members[0].Parsed.DateExtracted,
		Files:         members,
	}
	seen := make(map[ExtractType]bool)
	for _, f := range members {
		batch.TotalBytes += f.Meta.Size
		if !seen[f.Parsed.Extract] {
			seen[f.Parsed.Extract] = true
			batch.Extracts = append(batch.Extracts, f.Parsed.Extract)
		}
	}
	batch.Complete = len(missingPriority(batch.Extracts, priority)) == 0
	return batch
}

func missingPriority(extracts, priority []ExtractType) []ExtractType {
	have := make(map[ExtractType]bool, len(extracts))
	for _, e := range extracts {
		have[e] = true
	}
	var missing []ExtractType
	for _, p := range priority {
		if !have[p] {
			missing = append(missing, p)
		}
	}
	return missing
}
