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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/hie/pkg/objstore"
)

func newDiscoverer(store *objstore.Memory) *Discoverer {
	parser := NewFilenameParser(time.UTC, nil)
	return NewDiscoverer(store, "extracts", parser, testLogger())
}

func TestDiscoverer_FiltersNoiseAndResolvesIdentity(t *testing.T) {
	store := objstore.NewMemory()
	store.Put(patientsKeyA, []byte("patients"), time.Now().UTC())
	store.Put(apptKeyA, []byte("appointments"), time.Now().UTC())
	store.Put("incoming/readme.txt", []byte("not a feed file"), time.Now().UTC())
	store.Put("incoming/notes.csv", []byte("unparseable name"), time.Now().UTC())
	store.Put(patientsKeyB, []byte("excluded"), time.Now().UTC())
	store.Put("archive/685146545Patients202508180544202508190544202508190850.csv", []byte("outside prefix"), time.Now().UTC())

	files, err := newDiscoverer(store).Discover(context.Background(), DiscoverOptions{
		Prefix:       "incoming/",
		ExcludeGlobs: []string{"**/*146546*"},
	})
	require.NoError(t, err)
	require.Len(t, files, 2)

	keys := []string{files[0].Key(), files[1].Key()}
	assert.ElementsMatch(t, []string{patientsKeyA, apptKeyA}, keys)

	for _, f := range files {
		assert.Equal(t, "extracts", f.Bucket)
		assert.Equal(t, "v1", f.Meta.VersionID)
		assert.NotEmpty(t, f.Meta.ETag)
		assert.Equal(t, f.Meta.ETag, f.ContentHash, "without validation the ETag is the content hash")
		assert.NotEmpty(t, f.IdentityHash)
		require.NotNil(t, f.Parsed)
		assert.Equal(t, "6851", f.Parsed.PerOrgID)
	}
}

func TestDiscoverer_ExtractFilter(t *testing.T) {
	store := objstore.NewMemory()
	store.Put(patientsKeyA, []byte("patients"), time.Now().UTC())
	store.Put(apptKeyA, []byte("appointments"), time.Now().UTC())

	files, err := newDiscoverer(store).Discover(context.Background(), DiscoverOptions{
		Prefix:   "incoming/",
		Extracts: []ExtractType{ExtractPatients},
	})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, ExtractPatients, files[0].Parsed.Extract)
}

func TestDiscoverer_DateWindow(t *testing.T) {
	// patientsKeyA was extracted 2025-08-19 08:50 UTC.
	extracted := time.Date(2025, 8, 19, 8, 50, 0, 0, time.UTC)
	cases := []struct {
		name string
		from time.Time
		to   time.Time
		want int
	}{
		{"open window", time.Time{}, time.Time{}, 1},
		{"inside window", extracted.Add(-time.Hour), extracted.Add(time.Hour), 1},
		{"starts after extraction", extracted.Add(time.Minute), time.Time{}, 0},
		{"ends before extraction", time.Time{}, extracted.Add(-time.Minute), 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := objstore.NewMemory()
			store.Put(patientsKeyA, []byte("patients"), time.Now().UTC())

			files, err := newDiscoverer(store).Discover(context.Background(), DiscoverOptions{
				Prefix: "incoming/",
				From:   tc.from,
				To:     tc.to,
			})
			require.NoError(t, err)
			assert.Len(t, files, tc.want)
		})
	}
}

func TestDiscoverer_MaxFilesTruncates(t *testing.T) {
	store := objstore.NewMemory()
	store.Put(patientsKeyA, []byte("a"), time.Now().UTC())
	store.Put(patientsKeyB, []byte("b"), time.Now().UTC())
	store.Put(apptKeyA, []byte("c"), time.Now().UTC())

	files, err := newDiscoverer(store).Discover(context.Background(), DiscoverOptions{
		Prefix:   "incoming/",
		MaxFiles: 2,
	})
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestDiscoverer_ValidateHashesStreamsDigest(t *testing.T) {
	store := objstore.NewMemory()
	body := []byte(csvBody(patientFields("1001", "46545")))
	meta := store.Put(patientsKeyA, body, time.Now().UTC())

	wantDigest, n, err := HashStream(strings.NewReader(string(body)))
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), n)

	files, err := newDiscoverer(store).Discover(context.Background(), DiscoverOptions{
		Prefix:         "incoming/",
		ValidateHashes: true,
	})
	require.NoError(t, err)
	require.Len(t, files, 1)

	assert.Equal(t, wantDigest, files[0].ContentHash)
	assert.NotEqual(t, meta.ETag, files[0].ContentHash, "keyed digest replaces the ETag")
}

func TestDiscoverer_DiscoverKeys(t *testing.T) {
	store := objstore.NewMemory()
	store.Put(patientsKeyA, []byte("patients"), time.Now().UTC())

	files, err := newDiscoverer(store).DiscoverKeys(context.Background(), []string{
		patientsKeyA,
		apptKeyA,               // object pruned since the failure
		"incoming/garbage.csv", // name never parsed
	}, false)
	require.NoError(t, err)

	require.Len(t, files, 1)
	assert.Equal(t, patientsKeyA, files[0].Key())
	assert.Equal(t, "v1", files[0].Meta.VersionID)
	assert.NotEmpty(t, files[0].ContentHash)
}

func TestDiscoverer_CancelledContext(t *testing.T) {
	store := objstore.NewMemory()
	store.Put(patientsKeyA, []byte("patients"), time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newDiscoverer(store).Discover(ctx, DiscoverOptions{Prefix: "incoming/"})
	require.Error(t, err)

	_, err = newDiscoverer(store).DiscoverKeys(ctx, []string{patientsKeyA}, false)
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}
