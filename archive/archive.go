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

// Package archive produces and extracts full tar.gz snapshots of a data
// directory, independent of the incremental chain.  Each archive gets a
// sha256 sidecar file; extraction refuses to touch the destination if the
// digest does not match.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrCorrupt means the archive's content does not match its recorded
// digest, or the tarball itself is malformed.
var ErrCorrupt = errors.New("archive integrity check failed")

// Record describes one stored archive.
type Record struct {
	Name   string    `json:"name"` // file name within the store
	Size   int64     `json:"size"`
	Time   time.Time `json:"time"`
	SHA256 string    `json:"sha256"`
}

// Store keeps the archives for one instance in a single directory.
type Store struct {
	dir      string
	instance string
}

// Open prepares (creating if needed) an archive store.
func Open(dir, instance string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, instance: instance}, nil
}

const timeLayout = "20060102-150405"

func (s *Store) fileName(t time.Time) string {
	return fmt.Sprintf("%s_%s.tar.gz", s.instance, t.Format(timeLayout))
}

// Create writes one self-contained compressed snapshot of dataDir and its
// sidecar digest.  A cancelled create removes its partial output.
func (s *Store) Create(ctx context.Context, dataDir string) (Record, error) {
	now := time.Now()
	name := s.fileName(now)
	path := filepath.Join(s.dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); err != nil {
			break
		}
		// Multiple archives in the same second; disambiguate.
		name = fmt.Sprintf("%s_%s_%d.tar.gz",
			s.instance, now.Format(timeLayout), i)
		path = filepath.Join(s.dir, name)
	}

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return Record{}, err
	}
	defer os.Remove(tmp)

	h := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, h))
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dataDir, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if os.IsNotExist(werr) {
				return nil
			}
			return werr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dataDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !fi.Mode().IsRegular() && !fi.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		defer src.Close()
		// A live server can grow or shrink the file mid-copy; the tar
		// header fixed the size already, so cap the copy at it and pad
		// if the file came up short.
		n, err := io.CopyN(tw, src, fi.Size())
		if err == io.EOF {
			_, err = tw.Write(make([]byte, fi.Size()-n))
		}
		return err
	})
	if err == nil {
		err = tw.Close()
	}
	if err == nil {
		err = gz.Close()
	}
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return Record{}, context.Cause(ctx)
		}
		return Record{}, err
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if err := os.Rename(tmp, path); err != nil {
		return Record{}, err
	}
	// Sidecar last: an archive without a digest is listed (and flagged by
	// Verify), but a sidecar without an archive is just litter.
	if err := os.WriteFile(path+".sha256",
		[]byte(digest+"  "+name+"\n"), 0o644); err != nil {
		return Record{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Record{}, err
	}
	return Record{Name: name, Size: fi.Size(), Time: fi.ModTime(), SHA256: digest}, nil
}

// List returns the stored archives, oldest first.  Archives without a
// readable sidecar are still listed, with an empty digest.
func (s *Store) List() ([]Record, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var recs []Record
	for _, de := range ents {
		name := de.Name()
		if !strings.HasPrefix(name, s.instance+"_") ||
			!strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		rec := Record{Name: name, Size: fi.Size(), Time: fi.ModTime()}
		if b, err := os.ReadFile(filepath.Join(s.dir, name+".sha256")); err == nil {
			if fields := strings.Fields(string(b)); len(fields) > 0 {
				rec.SHA256 = fields[0]
			}
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Time.Before(recs[j].Time) })
	return recs, nil
}

// Verify recomputes the digest of a stored archive against its marker.
func (s *Store) Verify(rec Record) error {
	if rec.SHA256 == "" {
		return fmt.Errorf("%w: no digest recorded for %s", ErrCorrupt, rec.Name)
	}
	f, err := os.Open(filepath.Join(s.dir, rec.Name))
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if hex.EncodeToString(h.Sum(nil)) != rec.SHA256 {
		return fmt.Errorf("%w: %s", ErrCorrupt, rec.Name)
	}
	return nil
}

// Extract reconstructs the archive into destDir.  The digest is verified
// first, the tree is staged beside destDir, and the swap is done with
// renames, so a bad archive never partially overwrites a live destination.
func (s *Store) Extract(ctx context.Context, rec Record, destDir string) error {
	if err := s.Verify(rec); err != nil {
		return err
	}

	f, err := os.Open(filepath.Join(s.dir, rec.Name))
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	stage, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("%w: unsafe path %q", ErrCorrupt, hdr.Name)
		}
		target := filepath.Join(stage, filepath.FromSlash(name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target,
				os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
			os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		default:
			// Nothing else is ever archived.
		}
	}

	old := ""
	if _, err := os.Stat(destDir); err == nil {
		old = destDir + ".pre-extract"
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

// Prune removes the oldest archives beyond keep.  Archives are independent
// of each other, so removal order is purely by age.
func (s *Store) Prune(keep int) (removed int, err error) {
	if keep < 0 {
		keep = 0
	}
	recs, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(recs) <= keep {
		return 0, nil
	}
	for _, rec := range recs[:len(recs)-keep] {
		if err := os.Remove(filepath.Join(s.dir, rec.Name)); err != nil {
			return removed, err
		}
		os.Remove(filepath.Join(s.dir, rec.Name+".sha256"))
		removed++
	}
	return removed, nil
}
