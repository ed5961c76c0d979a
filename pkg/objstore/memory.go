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

package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a map-backed Store for tests and offline dry runs. Objects
// are stored whole in memory; Put assigns a deterministic ETag and a
// monotonically increasing version id per key.
type Memory struct {
	mu       sync.RWMutex
	objects  map[string]memoryObject
	versions map[string]int
}

type memoryObject struct {
	data []byte
	meta ObjectMeta
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[string]memoryObject),
		versions: make(map[string]int),
	}
}

// Put stores data under key, stamping metadata the way S3 would:
// content-derived ETag, per-key version counter, supplied modification
// time (zero means now).
func (m *Memory) Put(key string, data []byte, lastModified time.Time) ObjectMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lastModified.IsZero() {
		lastModified = time.Now().UTC()
	}
	m.versions[key]++
	sum := sha256.Sum256(data)
	meta := ObjectMeta{
		Key:          key,
		Size:         int64(len(data)),
		LastModified: lastModified,
		ETag:         hex.EncodeToString(sum[:16]),
		VersionID:    fmt.Sprintf("v%d", m.versions[key]),
		Checksum:     hex.EncodeToString(sum[:]),
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), meta: meta}
	return meta
}

// Delete removes key if present.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// List returns metadata for every object whose key starts with prefix,
// sorted by key the way ListObjectsV2 orders results.
func (m *Memory) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ObjectMeta
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// OpenStream returns a reader over the stored bytes.
func (m *Memory) OpenStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Head returns metadata for key.
func (m *Memory) Head(ctx context.Context, key string) (ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return ObjectMeta{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectMeta{}, fmt.Errorf("head %s: %w", key, ErrNotFound)
	}
	return obj.meta, nil
}

// Exists reports whether key is present.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}
