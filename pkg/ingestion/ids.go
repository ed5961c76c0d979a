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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/highwayhash"
)

// contentHashKey is the fixed HighwayHash key used when validate_hashes
// is enabled. It must never change: content hashes feed the idempotency
// key, and a key rotation would make every previously loaded object look
// new again.
var contentHashKey = sha256.Sum256([]byte("hie/content-hash/v1"))

// IdentityHash computes the stable per-object identity used to detect
// duplicate discoveries: sha256 over key|size|etag|last-modified.
// The same object version always hashes to the same value regardless of
// when or where discovery ran.
func IdentityHash(key string, size int64, etag string, lastModified time.Time) string {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte("|"))
	h.Write([]byte(fmt.Sprintf("%d", size)))
	h.Write([]byte("|"))
	h.Write([]byte(etag))
	h.Write([]byte("|"))
	h.Write([]byte(lastModified.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(h.Sum(nil))
}

// ShortHash abbreviates a hash for log output, prefixed so the source
// is recognizable in mixed log streams.
func ShortHash(hash string) string {
	if len(hash) > 16 {
		return "obj:" + hash[:16]
	}
	return "obj:" + hash
}

// NewRunID returns an opaque unique identifier for load runs, load-run
// files and staging runs.
func NewRunID() string {
	return uuid.NewString()
}

// HashStream computes the keyed HighwayHash of everything readable from
// r, returning the hex digest and the byte count consumed. Used by
// discovery's validate_hashes mode so multipart-upload ETags cannot
// defeat the idempotency key.
func HashStream(r io.Reader) (string, int64, error) {
	h, err := highwayhash.New(contentHashKey[:])
	if err != nil {
		return "", 0, fmt.Errorf("init content hash: %w", err)
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
