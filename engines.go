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

package mcvisor

import (
	"context"
	"errors"
	"time"

	"github.com/mcvisor/mcvisor/archive"
	"github.com/mcvisor/mcvisor/backup"
	"github.com/mcvisor/mcvisor/session"
	"github.com/mcvisor/mcvisor/status"
)

// SessionHandle is a live detached session holding an instance's process.
// The default implementation is session.Session; tests substitute fakes.
type SessionHandle interface {
	// Alive is a bounded liveness probe.
	Alive() bool

	// SendLine types one line into the server console.
	SendLine(line string) error

	// Tail returns the last lines of console output.
	Tail(lines int) (string, error)

	// Stop asks for a clean shutdown and kills after the grace period.
	// It reports whether force was needed.
	Stop(ctx context.Context, stopCmd string, graceful time.Duration) (forced bool, err error)

	// Kill terminates immediately; idempotent.
	Kill() error
}

// SessionRunner spawns and rediscovers sessions.
type SessionRunner interface {
	// Start spawns a session for the definition.  ErrAlreadyRunning if a
	// session for the instance already exists.
	Start(def InstanceDefinition) (SessionHandle, error)

	// Find returns a handle to an existing session, if one survives from
	// a previous daemon run.
	Find(def InstanceDefinition) (SessionHandle, bool)
}

// StatusQuerier asks a running server for its public status.
type StatusQuerier interface {
	Query(ctx context.Context, host string, port int) (*status.Info, error)
}

// BackupStore is the incremental snapshot chain for one instance.
type BackupStore interface {
	Create(ctx context.Context, dataDir string) (backup.EntryInfo, error)
	Entries() ([]backup.EntryInfo, error)
	Restore(ctx context.Context, seq int64, destDir string) error
	Prune(pol backup.RetentionPolicy) (removed int, err error)
}

// ArchiveStore is the full-archive list for one instance.
type ArchiveStore interface {
	Create(ctx context.Context, dataDir string) (archive.Record, error)
	List() ([]archive.Record, error)
	Extract(ctx context.Context, rec archive.Record, destDir string) error
	Prune(keep int) (removed int, err error)
}

// tmuxRunner adapts session.Tmux to the SessionRunner contract, translating
// its sentinels into the lifecycle taxonomy.
type tmuxRunner struct {
	t *session.Tmux
}

func (r tmuxRunner) Start(def InstanceDefinition) (SessionHandle, error) {
	s, err := r.t.Start(def.Name, def.DataDir, def.CommandLine())
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	return s, nil
}

func (r tmuxRunner) Find(def InstanceDefinition) (SessionHandle, bool) {
	s, ok := r.t.Find(def.Name)
	if !ok {
		return nil, false
	}
	return s, true
}

func defaultBackups(def InstanceDefinition) (BackupStore, error) {
	return backup.Open(def.BackupDir)
}

func defaultArchives(def InstanceDefinition) (ArchiveStore, error) {
	return archive.Open(def.ArchiveDir, def.Name)
}
