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
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kraklabs/hie/pkg/objstore"
)

// DiscoveredFile is one remote object considered for ingestion. It
// binds the object-store metadata to the identity decoded from the
// filename, plus the hashes the idempotency gate keys on.
type DiscoveredFile struct {
	// Bucket identifies the store the object came from.
	Bucket string

	// Meta is the object metadata observed at discovery time,
	// including the version id the engine pins for lineage.
	Meta objstore.ObjectMeta

	// Parsed is the decoded naming convention.
	Parsed *ParsedFilename

	// ContentHash is the object ETag by default, or the engine's own
	// keyed digest when hash validation is on. Paired with the
	// version id it forms the idempotency key.
	ContentHash string

	// IdentityHash is the stable sha256 over key|size|etag|modified,
	// used to correlate log lines about the same object.
	IdentityHash string
}

// Key returns the object key.
func (f DiscoveredFile) Key() string {
	return f.Meta.Key
}

// DiscoverOptions narrows a discovery pass.
type DiscoverOptions struct {
	// Prefix under which objects are listed.
	Prefix string

	// Extracts restricts results to these extract types. Empty means
	// every recognized extract.
	Extracts []ExtractType

	// From and To bound date-extracted inclusively. Zero means open.
	From time.Time
	To   time.Time

	// MaxFiles caps the number of results. Zero means unlimited.
	MaxFiles int

	// ExcludeGlobs are doublestar patterns matched against the full
	// object key; any match skips the object.
	ExcludeGlobs []string

	// ValidateHashes streams each candidate through the keyed content
	// hash instead of trusting the ETag. Multipart-upload ETags are
	// not content digests, so stores that deliver large objects that
	// way need this on for idempotency to hold.
	ValidateHashes bool
}

// Discoverer enumerates candidate extract files. It is read-only: it
// never touches the run registry, so running it repeatedly or
// concurrently is always safe.
type Discoverer struct {
	store  objstore.Store
	bucket string
	parser *FilenameParser
	logger *slog.Logger
}

// NewDiscoverer binds a discoverer to one store and parser.
func NewDiscoverer(store objstore.Store, bucket string, parser *FilenameParser, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{store: store, bucket: bucket, parser: parser, logger: logger}
}

// Discover lists objects under the prefix, decodes and filters their
// names, and resolves the identity of every survivor. Unparseable
// names are skipped with a warning, never an error: a stray object in
// the drop zone must not block the feed.
func (d *Discoverer) Discover(ctx context.Context, opts DiscoverOptions) ([]DiscoveredFile, error) {
	start := time.Now()
	metas, err := d.store.List(ctx, opts.Prefix)
	if err != nil {
		kind := KindObjectStoreTerminal
		if objstore.IsTransient(err) {
			kind = KindObjectStoreTransient
		}
		return nil, E(kind, "discovery.list", err)
	}

	var (
		out       []DiscoveredFile
		skipped   int
		unparsed  int
		truncated bool
	)

	for _, meta := range metas {
		if err := ctx.Err(); err != nil {
			return nil, E(KindCancelled, "discovery", err)
		}
		if opts.MaxFiles > 0 && len(out) >= opts.MaxFiles {
			truncated = true
			break
		}

		if strings.HasSuffix(meta.Key, "/") || !strings.HasSuffix(strings.ToLower(meta.Key), ".csv") {
			skipped++
			continue
		}
		if d.excluded(meta.Key, opts.ExcludeGlobs) {
			d.logger.Debug("ingest.discovery.exclude", "key", meta.Key)
			skipped++
			continue
		}

		parsed, err := d.parser.Parse(meta.Key)
		if err != nil {
			d.logger.Warn("ingest.discovery.skip.unparseable", "key", meta.Key, "err", err)
			unparsed++
			continue
		}
		if !matchesExtract(parsed.Extract, opts.Extracts) {
			skipped++
			continue
		}
		if !withinWindow(parsed.DateExtracted, opts.From, opts.To) {
			skipped++
			continue
		}

		file, err := d.resolve(ctx, meta, parsed, opts.ValidateHashes)
		if err != nil {
			if KindOf(err) == KindCancelled {
				return nil, err
			}
			d.logger.Warn("ingest.discovery.skip.unresolvable", "key", meta.Key, "err", err)
			skipped++
			continue
		}
		out = append(out, file)
	}

	d.logger.Info("ingest.discovery.complete",
		"prefix", opts.Prefix,
		"listed", len(metas),
		"discovered", len(out),
		"skipped", skipped,
		"unparseable", unparsed,
		"truncated", truncated,
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// DiscoverKeys resolves an explicit key list instead of a prefix.
// Recovery runs use it to revisit the objects behind failed or pending
// file attempts. Missing objects are skipped with a warning: a feed
// file can legitimately be pruned between the failure and the retry.
func (d *Discoverer) DiscoverKeys(ctx context.Context, keys []string, validateHashes bool) ([]DiscoveredFile, error) {
	var out []DiscoveredFile
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, E(KindCancelled, "discovery.keys", err)
		}

		parsed, err := d.parser.Parse(key)
		if err != nil {
			d.logger.Warn("ingest.discovery.skip.unparseable", "key", key, "err", err)
			continue
		}

		exists, err := d.store.Exists(ctx, key)
		if err != nil {
			kind := KindObjectStoreTerminal
			if objstore.IsTransient(err) {
				kind = KindObjectStoreTransient
			}
			return nil, E(kind, "discovery.keys", err).WithObject(key)
		}
		if !exists {
			d.logger.Warn("ingest.discovery.skip.gone", "key", key)
			continue
		}

		file, err := d.resolve(ctx, objstore.ObjectMeta{Key: key}, parsed, validateHashes)
		if err != nil {
			if KindOf(err) == KindCancelled {
				return nil, err
			}
			d.logger.Warn("ingest.discovery.skip.unresolvable", "key", key, "err", err)
			continue
		}
		out = append(out, file)
	}
	return out, nil
}

// resolve pins the object's identity: a Head for the version id the
// engine records, then either the ETag or a full streamed digest as
// the content hash.
func (d *Discoverer) resolve(ctx context.Context, meta objstore.ObjectMeta, parsed *ParsedFilename, validate bool) (DiscoveredFile, error) {
	head, err := d.store.Head(ctx, meta.Key)
	if err != nil {
		if ctx.Err() != nil {
			return DiscoveredFile{}, E(KindCancelled, "discovery.head", ctx.Err())
		}
		return DiscoveredFile{}, fmt.Errorf("head: %w", err)
	}
	// Listing metadata can lag; the Head response is authoritative.
	meta.Size = head.Size
	meta.ETag = head.ETag
	meta.VersionID = head.VersionID
	meta.Checksum = head.Checksum
	if !head.LastModified.IsZero() {
		meta.LastModified = head.LastModified
	}

	contentHash := meta.ETag
	if validate {
		digest, n, err := d.streamDigest(ctx, meta.Key)
		if err != nil {
			return DiscoveredFile{}, err
		}
		if n != meta.Size {
			d.logger.Warn("ingest.discovery.size_drift",
				"key", meta.Key, "head_size", meta.Size, "streamed", n)
		}
		contentHash = digest
	}

	return DiscoveredFile{
		Bucket:       d.bucket,
		Meta:         meta,
		Parsed:       parsed,
		ContentHash:  contentHash,
		IdentityHash: IdentityHash(meta.Key, meta.Size, meta.ETag, meta.LastModified),
	}, nil
}

func (d *Discoverer) streamDigest(ctx context.Context, key string) (string, int64, error) {
	rc, err := d.store.OpenStream(ctx, key)
	if err != nil {
		return "", 0, fmt.Errorf("open for hashing: %w", err)
	}
	defer rc.Close()

	digest, n, err := HashStream(rc)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, E(KindCancelled, "discovery.hash", ctx.Err())
		}
		return "", 0, fmt.Errorf("hash stream: %w", err)
	}
	return digest, n, nil
}

func (d *Discoverer) excluded(key string, globs []string) bool {
	for _, pattern := range globs {
		ok, err := doublestar.Match(pattern, key)
		if err != nil {
			d.logger.Warn("ingest.discovery.bad_glob", "pattern", pattern, "err", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func matchesExtract(extract ExtractType, filter []ExtractType) bool {
	if len(filter) == 0 {
		return true
	}
	for _, e := range filter {
		if e == extract {
			return true
		}
	}
	return false
}

func withinWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
