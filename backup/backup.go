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

// Package backup keeps incremental, deduplicated snapshots of a directory.
//
// A store is one directory holding a content-addressed object pool plus a
// chain.json describing a linear sequence of entries.  Each entry records
// only the files that changed against its parent, so reconstructing the
// state at entry k means folding every entry from the base up to k.  File
// contents are stored once per distinct sha256, which is what makes the
// snapshots cheap when a large world changes slowly.
//
// The store may snapshot a directory that a live server is writing to.  A
// torn read of an individual file is possible and accepted; the chain's own
// metadata is always written atomically, so a crashed or cancelled snapshot
// never corrupts the chain.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrChainBroken means an entry needed for reconstruction is missing,
	// or references an object the pool no longer has.
	ErrChainBroken = errors.New("snapshot chain is broken")

	// ErrNoSuchEntry means the requested sequence number is not in the
	// chain at all.
	ErrNoSuchEntry = errors.New("no such snapshot")
)

// FileState describes one path as of a snapshot.
type FileState struct {
	Hash    string      `json:"hash,omitempty"` // sha256 of contents; empty for directories
	Mode    fs.FileMode `json:"mode"`
	Size    int64       `json:"size,omitempty"`
	ModTime time.Time   `json:"mtime"`
	Dir     bool        `json:"dir,omitempty"`
}

// Entry is one increment in the chain.  Files holds paths created or
// changed since the parent; Deleted holds paths that went away.  A base
// entry has Parent == -1 and a complete file map.
type Entry struct {
	Seq     int64                `json:"seq"`
	Parent  int64                `json:"parent"`
	Time    time.Time            `json:"time"`
	Files   map[string]FileState `json:"files"`
	Deleted []string             `json:"deleted,omitempty"`
}

// EntryInfo is the listing view of an entry: the metadata without the
// (potentially large) file map.
type EntryInfo struct {
	Seq     int64     `json:"seq"`
	Parent  int64     `json:"parent"`
	Time    time.Time `json:"time"`
	Changed int       `json:"changed"`
	Deleted int       `json:"deleted"`
	Bytes   int64     `json:"bytes"`
}

func (e *Entry) info() EntryInfo {
	var bytes int64
	for _, st := range e.Files {
		bytes += st.Size
	}
	return EntryInfo{
		Seq:     e.Seq,
		Parent:  e.Parent,
		Time:    e.Time,
		Changed: len(e.Files),
		Deleted: len(e.Deleted),
		Bytes:   bytes,
	}
}

// RetentionPolicy controls pruning.  KeepLast always retains at least that
// many entries; MaxAge additionally retires entries older than the window.
// The zero policy retains everything.
type RetentionPolicy struct {
	KeepLast int           `json:"keepLast"`
	MaxAge   time.Duration `json:"maxAge"`
}

type chainFile struct {
	Entries []Entry `json:"entries"`
}

// Store is the snapshot store for one instance.  Methods are safe for
// concurrent use, though the lifecycle manager already serializes the
// mutating ones per instance.
type Store struct {
	dir string
	mx  sync.Mutex
}

const (
	chainName   = "chain.json"
	objectsName = "objects"
)

// Open prepares (creating if needed) a snapshot store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, objectsName), 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) chainPath() string {
	return filepath.Join(s.dir, chainName)
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.dir, objectsName, hash)
}

func (s *Store) loadChain() (*chainFile, error) {
	var cf chainFile
	b, err := os.ReadFile(s.chainPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &cf, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &cf); err != nil {
		return nil, fmt.Errorf("chain metadata: %w", err)
	}
	return &cf, nil
}

// saveChain writes chain.json atomically.  Readers either see the old chain
// or the new one, never a torn file.
func (s *Store) saveChain(cf *chainFile) error {
	b, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.chainPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.chainPath())
}

// Entries lists the chain, oldest first.
func (s *Store) Entries() ([]EntryInfo, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	cf, err := s.loadChain()
	if err != nil {
		return nil, err
	}
	infos := make([]EntryInfo, 0, len(cf.Entries))
	for i := range cf.Entries {
		infos = append(infos, cf.Entries[i].info())
	}
	return infos, nil
}

// Create snapshots dataDir as the next entry in the chain.  An empty chain
// gets a base entry (a full copy); otherwise only changes against the
// previous entry are recorded.  Cancellation via ctx leaves the chain
// exactly as it was.
func (s *Store) Create(ctx context.Context, dataDir string) (EntryInfo, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	cf, err := s.loadChain()
	if err != nil {
		return EntryInfo{}, err
	}

	prior := map[string]FileState{}
	seq := int64(0)
	parent := int64(-1)
	if n := len(cf.Entries); n > 0 {
		last := &cf.Entries[n-1]
		seq = last.Seq + 1
		parent = last.Seq
		prior, err = s.foldLocked(cf, last.Seq)
		if err != nil {
			return EntryInfo{}, err
		}
	}

	entry := Entry{
		Seq:    seq,
		Parent: parent,
		Time:   time.Now(),
		Files:  map[string]FileState{},
	}

	seen := map[string]bool{}
	err = filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			// The live server may remove files mid-walk; skip them.
			if os.IsNotExist(werr) {
				return nil
			}
			return werr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		fi, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		seen[rel] = true

		if d.IsDir() {
			st := FileState{Mode: fi.Mode().Perm(), ModTime: fi.ModTime(), Dir: true}
			if old, ok := prior[rel]; !ok || !old.Dir || old.Mode != st.Mode {
				entry.Files[rel] = st
			}
			return nil
		}
		if !fi.Mode().IsRegular() {
			// Sockets, fifos and symlinks are runtime artifacts of the
			// server, not world state.
			return nil
		}

		old, had := prior[rel]
		if had && !old.Dir && old.Size == fi.Size() && old.ModTime.Equal(fi.ModTime()) {
			// Unchanged by size+mtime; skip the hash.
			return nil
		}
		hash, size, err := s.storeObject(ctx, path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if had && old.Hash == hash && old.Mode == fi.Mode().Perm() {
			// Touched but identical.  Remember the new mtime so the next
			// snapshot can skip the hash again.
			entry.Files[rel] = FileState{
				Hash: hash, Mode: old.Mode, Size: size, ModTime: fi.ModTime(),
			}
			return nil
		}
		entry.Files[rel] = FileState{
			Hash: hash, Mode: fi.Mode().Perm(), Size: size, ModTime: fi.ModTime(),
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return EntryInfo{}, context.Cause(ctx)
		}
		return EntryInfo{}, err
	}

	for rel := range prior {
		if !seen[rel] {
			entry.Deleted = append(entry.Deleted, rel)
		}
	}
	sort.Strings(entry.Deleted)

	cf.Entries = append(cf.Entries, entry)
	if err := s.saveChain(cf); err != nil {
		return EntryInfo{}, err
	}
	return entry.info(), nil
}

// storeObject hashes the file and copies it into the pool if the pool does
// not already hold that content.  The copy goes through a temp file and a
// rename so a cancelled snapshot cannot leave a truncated object behind.
func (s *Store) storeObject(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	hash := hex.EncodeToString(h.Sum(nil))

	if _, err := os.Stat(s.objectPath(hash)); err == nil {
		return hash, size, nil
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dir, objectsName), ".tmp-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	// The file may change between the hash pass and the copy pass while a
	// live server writes to it; re-hash what was actually copied so the
	// object name always matches its content.
	h.Reset()
	size, err = io.Copy(io.MultiWriter(tmp, h), f)
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	hash = hex.EncodeToString(h.Sum(nil))
	if _, err := os.Stat(s.objectPath(hash)); err == nil {
		return hash, size, nil
	}
	if err := os.Rename(tmp.Name(), s.objectPath(hash)); err != nil {
		return "", 0, err
	}
	return hash, size, nil
}

// foldLocked reconstructs the complete file map as of seq by walking the
// parent links back to the base and applying entries forward.  A gap in the
// parent links is ErrChainBroken.
func (s *Store) foldLocked(cf *chainFile, seq int64) (map[string]FileState, error) {
	bySeq := make(map[int64]*Entry, len(cf.Entries))
	for i := range cf.Entries {
		bySeq[cf.Entries[i].Seq] = &cf.Entries[i]
	}
	var path []*Entry
	cur, ok := bySeq[seq]
	if !ok {
		return nil, ErrNoSuchEntry
	}
	for {
		path = append(path, cur)
		if cur.Parent < 0 {
			break
		}
		next, ok := bySeq[cur.Parent]
		if !ok {
			return nil, fmt.Errorf("%w: entry %d missing parent %d",
				ErrChainBroken, cur.Seq, cur.Parent)
		}
		cur = next
	}

	state := map[string]FileState{}
	for i := len(path) - 1; i >= 0; i-- {
		e := path[i]
		for rel, st := range e.Files {
			state[rel] = st
		}
		for _, rel := range e.Deleted {
			delete(state, rel)
		}
	}
	return state, nil
}

// Restore reconstructs the directory state as of entry seq into destDir.
// The tree is staged next to destDir and swapped in with renames, so a
// failed or cancelled restore leaves destDir untouched.
func (s *Store) Restore(ctx context.Context, seq int64, destDir string) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	cf, err := s.loadChain()
	if err != nil {
		return err
	}
	state, err := s.foldLocked(cf, seq)
	if err != nil {
		return err
	}

	// Verify every needed object exists before mutating anything.
	for rel, st := range state {
		if st.Dir {
			continue
		}
		if _, err := os.Stat(s.objectPath(st.Hash)); err != nil {
			return fmt.Errorf("%w: object for %s missing", ErrChainBroken, rel)
		}
	}

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	stage, err := os.MkdirTemp(parent, ".restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	rels := make([]string, 0, len(state))
	for rel := range state {
		rels = append(rels, rel)
	}
	sort.Strings(rels) // parents sort before children

	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		st := state[rel]
		target := filepath.Join(stage, filepath.FromSlash(rel))
		if st.Dir {
			if err := os.MkdirAll(target, st.Mode); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyFile(s.objectPath(st.Hash), target, st.Mode); err != nil {
			return err
		}
		os.Chtimes(target, st.ModTime, st.ModTime)
	}

	// Swap.  The old tree is moved aside first so a rename failure cannot
	// leave destDir half-written.
	old := ""
	if _, err := os.Stat(destDir); err == nil {
		old = destDir + ".pre-restore"
		os.RemoveAll(old)
		if err := os.Rename(destDir, old); err != nil {
			return err
		}
	}
	if err := os.Rename(stage, destDir); err != nil {
		if old != "" {
			os.Rename(old, destDir)
		}
		return err
	}
	if old != "" {
		os.RemoveAll(old)
	}
	return nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Prune retires entries the policy no longer wants.  Retired entries are
// collapsed into the oldest surviving entry, which becomes the new base, so
// every retained entry remains fully reconstructable.  Objects no longer
// referenced by any retained entry are swept afterwards; the chain metadata
// is rewritten before any object is deleted.
func (s *Store) Prune(pol RetentionPolicy) (removed int, err error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	cf, err := s.loadChain()
	if err != nil {
		return 0, err
	}
	n := len(cf.Entries)
	if n == 0 {
		return 0, nil
	}

	keep := n
	if pol.MaxAge > 0 {
		cutoff := time.Now().Add(-pol.MaxAge)
		fresh := 0
		for i := n - 1; i >= 0; i-- {
			if cf.Entries[i].Time.Before(cutoff) {
				break
			}
			fresh++
		}
		keep = fresh
		if keep < pol.KeepLast {
			keep = pol.KeepLast // KeepLast is a floor under MaxAge
		}
	} else if pol.KeepLast > 0 && pol.KeepLast < keep {
		keep = pol.KeepLast
	}
	if keep < 1 {
		keep = 1 // never empty the chain from prune; there is a newer dependent
	}
	if keep >= n {
		return 0, nil
	}

	survivorIdx := n - keep
	base, err := s.foldLocked(cf, cf.Entries[survivorIdx].Seq)
	if err != nil {
		return 0, err
	}
	removed = survivorIdx

	survivor := cf.Entries[survivorIdx]
	survivor.Parent = -1
	survivor.Files = base
	survivor.Deleted = nil
	cf.Entries = append([]Entry{survivor}, cf.Entries[survivorIdx+1:]...)

	if err := s.saveChain(cf); err != nil {
		return 0, err
	}

	// Sweep unreferenced objects.
	live := map[string]bool{}
	for i := range cf.Entries {
		for _, st := range cf.Entries[i].Files {
			if st.Hash != "" {
				live[st.Hash] = true
			}
		}
	}
	ents, err := os.ReadDir(filepath.Join(s.dir, objectsName))
	if err != nil {
		return removed, err
	}
	for _, de := range ents {
		name := de.Name()
		if strings.HasPrefix(name, ".tmp-") || live[name] {
			continue
		}
		os.Remove(s.objectPath(name))
	}
	return removed, nil
}
