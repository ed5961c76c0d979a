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
	"strings"
	"testing"
	"time"
)

func TestIdentityHash_Deterministic(t *testing.T) {
	mod := time.Date(2025, 8, 19, 8, 50, 0, 0, time.UTC)

	// Hash twice
	h1 := IdentityHash("inbound/file.csv", 1024, "etag-abc", mod)
	h2 := IdentityHash("inbound/file.csv", 1024, "etag-abc", mod)

	if h1 != h2 {
		t.Errorf("IdentityHash should be deterministic: got %q and %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("IdentityHash should be a full sha256 hex digest: len %d", len(h1))
	}
}

func TestIdentityHash_DistinguishesInputs(t *testing.T) {
	mod := time.Date(2025, 8, 19, 8, 50, 0, 0, time.UTC)
	base := IdentityHash("inbound/file.csv", 1024, "etag-abc", mod)

	cases := []struct {
		name string
		hash string
	}{
		{"different key", IdentityHash("inbound/other.csv", 1024, "etag-abc", mod)},
		{"different size", IdentityHash("inbound/file.csv", 2048, "etag-abc", mod)},
		{"different etag", IdentityHash("inbound/file.csv", 1024, "etag-def", mod)},
		{"different mtime", IdentityHash("inbound/file.csv", 1024, "etag-abc", mod.Add(time.Minute))},
	}
	for _, c := range cases {
		if c.hash == base {
			t.Errorf("IdentityHash should change with %s: both got %q", c.name, base)
		}
	}
}

func TestIdentityHash_TimezoneInsensitive(t *testing.T) {
	utc := time.Date(2025, 8, 19, 8, 50, 0, 0, time.UTC)
	auckland := utc.In(time.FixedZone("NZST", 12*3600))

	h1 := IdentityHash("inbound/file.csv", 1024, "etag-abc", utc)
	h2 := IdentityHash("inbound/file.csv", 1024, "etag-abc", auckland)

	if h1 != h2 {
		t.Errorf("IdentityHash should normalize last-modified to UTC: got %q and %q", h1, h2)
	}
}

func TestShortHash(t *testing.T) {
	full := IdentityHash("inbound/file.csv", 1, "e", time.Unix(0, 0))
	short := ShortHash(full)

	if !strings.HasPrefix(short, "obj:") {
		t.Errorf("ShortHash should start with 'obj:': got %q", short)
	}
	if len(short) != len("obj:")+16 {
		t.Errorf("ShortHash should truncate to 16 hex chars: got %q", short)
	}
}

func TestNewRunID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRunID()
		if id == "" {
			t.Fatal("NewRunID returned empty string")
		}
		if seen[id] {
			t.Fatalf("NewRunID produced a duplicate: %q", id)
		}
		seen[id] = true
	}
}

func TestHashStream_Deterministic(t *testing.T) {
	data := "row1|~~|value|^^|row2|~~|value|^^|"

	h1, n1, err := HashStream(strings.NewReader(data))
	if err != nil {
		t.Fatalf("HashStream: %v", err)
	}
	h2, n2, err := HashStream(strings.NewReader(data))
	if err != nil {
		t.Fatalf("HashStream: %v", err)
	}

	if h1 != h2 {
		t.Errorf("HashStream should be deterministic: got %q and %q", h1, h2)
	}
	if n1 != int64(len(data)) || n2 != int64(len(data)) {
		t.Errorf("HashStream should report bytes consumed: got %d and %d, want %d", n1, n2, len(data))
	}

	h3, _, err := HashStream(strings.NewReader(data + "x"))
	if err != nil {
		t.Fatalf("HashStream: %v", err)
	}
	if h3 == h1 {
		t.Error("HashStream should distinguish different content")
	}
}
