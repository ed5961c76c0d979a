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

// Package objstore abstracts the object store the extract feed is
// delivered to. The engine only ever needs four operations: enumerate
// keys under a prefix, stream an object's bytes, read an object's
// metadata, and test existence.
//
// Two implementations ship: S3Store for production buckets and Memory
// for tests and offline dry runs. Both are safe for concurrent use.
package objstore

import (
	"context"
	"io"
	"time"
)

// ObjectMeta describes one remote object as observed at enumeration
// time. VersionID is empty on unversioned buckets; Checksum is the
// server-computed digest when the store provides one.
type ObjectMeta struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	VersionID    string
	Checksum     string
}

// Store is the object-store contract the ingestion engine consumes.
type Store interface {
	// List enumerates every object under prefix, paginating internally.
	// Every matching object is returned at least once; ordering follows
	// the store's native key order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	// OpenStream opens a sequential reader over the object's bytes.
	// On a partial read the caller recovers by re-opening.
	OpenStream(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns the object's metadata without reading its body.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Exists reports whether the key resolves to an object.
	Exists(ctx context.Context, key string) (bool, error)
}
