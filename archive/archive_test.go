// Copyright 2025 The Mcvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	}
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(dir, func(p string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestCreateExtractRoundTrip(t *testing.T) {
	data := t.TempDir()
	store, err := Open(t.TempDir(), "survival")
	require.NoError(t, err)

	want := map[string]string{
		"server.properties": "motd=hi\n",
		"world/level.dat":   "binary-ish \x00\x01 content",
	}
	writeTree(t, data, want)

	ctx := context.Background()
	rec, err := store.Create(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.Name, "survival_"))
	assert.True(t, strings.HasSuffix(rec.Name, ".tar.gz"))
	assert.NotEmpty(t, rec.SHA256)

	t.Run("the sidecar digest exists", func(t *testing.T) {
		b, err := os.ReadFile(filepath.Join(store.dir, rec.Name+".sha256"))
		require.NoError(t, err)
		assert.Contains(t, string(b), rec.SHA256)
		assert.Contains(t, string(b), rec.Name)
	})

	t.Run("verify passes", func(t *testing.T) {
		require.NoError(t, store.Verify(rec))
	})

	t.Run("extract reproduces the tree", func(t *testing.T) {
		dest := t.TempDir()
		require.NoError(t, store.Extract(ctx, rec, dest))
		assert.Equal(t, want, readTree(t, dest))
	})

	t.Run("extract replaces an existing tree", func(t *testing.T) {
		dest := t.TempDir()
		writeTree(t, dest, map[string]string{"stale.txt": "old"})
		require.NoError(t, store.Extract(ctx, rec, dest))
		got := readTree(t, dest)
		_, ok := got["stale.txt"]
		assert.False(t, ok)
	})

	t.Run("list finds it", func(t *testing.T) {
		recs, err := store.List()
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, rec.Name, recs[0].Name)
		assert.Equal(t, rec.SHA256, recs[0].SHA256)
	})
}

func TestCorruptionDetected(t *testing.T) {
	data := t.TempDir()
	store, err := Open(t.TempDir(), "survival")
	require.NoError(t, err)
	writeTree(t, data, map[string]string{"a.txt": "payload payload payload"})

	ctx := context.Background()
	rec, err := store.Create(ctx, data)
	require.NoError(t, err)

	// Flip a byte in the middle of the archive.
	path := filepath.Join(store.dir, rec.Name)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, b, 0644))

	assert.ErrorIs(t, store.Verify(rec), ErrCorrupt)

	t.Run("extract refuses and leaves the destination alone", func(t *testing.T) {
		dest := t.TempDir()
		writeTree(t, dest, map[string]string{"keep.txt": "precious"})
		err := store.Extract(ctx, rec, dest)
		assert.ErrorIs(t, err, ErrCorrupt)
		assert.Equal(t, map[string]string{"keep.txt": "precious"}, readTree(t, dest))
	})
}

func TestCancelledCreate(t *testing.T) {
	data := t.TempDir()
	store, err := Open(t.TempDir(), "survival")
	require.NoError(t, err)
	writeTree(t, data, map[string]string{"a.txt": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Create(ctx, data)
	assert.Error(t, err)

	// No partials and no archives left behind.
	ents, err := os.ReadDir(store.dir)
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestSidecarsAlwaysPaired(t *testing.T) {
	data := t.TempDir()
	store, err := Open(t.TempDir(), "survival")
	require.NoError(t, err)
	writeTree(t, data, map[string]string{"a.txt": "x"})
	ctx := context.Background()

	_, err = store.Create(ctx, data)
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Create(cancelled, data)
	require.Error(t, err)

	// Whatever a create leaves behind, a sidecar never exists without its
	// archive.
	ents, err := os.ReadDir(store.dir)
	require.NoError(t, err)
	for _, de := range ents {
		name := de.Name()
		if !strings.HasSuffix(name, ".sha256") {
			continue
		}
		_, err := os.Stat(filepath.Join(store.dir, strings.TrimSuffix(name, ".sha256")))
		assert.NoError(t, err, "orphaned sidecar %s", name)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	data := t.TempDir()
	store, err := Open(t.TempDir(), "survival")
	require.NoError(t, err)
	writeTree(t, data, map[string]string{"a.txt": "x"})
	ctx := context.Background()

	var names []string
	for i := 0; i < 3; i++ {
		rec, err := store.Create(ctx, data)
		require.NoError(t, err)
		names = append(names, rec.Name)
		// Distinct mtimes so the age ordering is unambiguous.
		mt := time.Now().Add(time.Duration(i-3) * time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(store.dir, rec.Name), mt, mt))
	}

	removed, err := store.Prune(1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	recs, err := store.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, names[2], recs[0].Name)

	t.Run("the survivor is still valid", func(t *testing.T) {
		require.NoError(t, store.Verify(recs[0]))
	})

	t.Run("sidecars of pruned archives are gone too", func(t *testing.T) {
		ents, err := os.ReadDir(store.dir)
		require.NoError(t, err)
		assert.Len(t, ents, 2) // the archive and its sidecar
	})
}
