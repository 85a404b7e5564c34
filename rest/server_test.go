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

package rest

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcvisor/mcvisor"
	"github.com/mcvisor/mcvisor/archive"
	"github.com/mcvisor/mcvisor/backup"
	"github.com/mcvisor/mcvisor/status"
)

type stubSession struct{ alive bool }

func (s *stubSession) Alive() bool                 { return s.alive }
func (s *stubSession) SendLine(line string) error  { return nil }
func (s *stubSession) Tail(n int) (string, error)  { return "[INFO] ready", nil }
func (s *stubSession) Kill() error                 { s.alive = false; return nil }
func (s *stubSession) Stop(ctx context.Context, cmd string, d time.Duration) (bool, error) {
	s.alive = false
	return false, nil
}

type stubRunner struct{}

func (stubRunner) Start(def mcvisor.InstanceDefinition) (mcvisor.SessionHandle, error) {
	return &stubSession{alive: true}, nil
}

func (stubRunner) Find(def mcvisor.InstanceDefinition) (mcvisor.SessionHandle, bool) {
	return nil, false
}

type stubQuerier struct{}

func (stubQuerier) Query(ctx context.Context, host string, port int) (*status.Info, error) {
	return &status.Info{Players: 1, MaxPlayers: 8, MOTD: "stub"}, nil
}

type stubBackups struct{}

func (stubBackups) Create(ctx context.Context, dir string) (backup.EntryInfo, error) {
	return backup.EntryInfo{Seq: 0}, nil
}
func (stubBackups) Entries() ([]backup.EntryInfo, error)               { return nil, nil }
func (stubBackups) Restore(ctx context.Context, s int64, d string) error { return nil }
func (stubBackups) Prune(p backup.RetentionPolicy) (int, error)        { return 0, nil }

type stubArchives struct{}

func (stubArchives) Create(ctx context.Context, dir string) (archive.Record, error) {
	return archive.Record{Name: "stub.tar.gz"}, nil
}
func (stubArchives) List() ([]archive.Record, error) { return nil, nil }
func (stubArchives) Extract(ctx context.Context, r archive.Record, d string) error {
	return nil
}
func (stubArchives) Prune(keep int) (int, error) { return 0, nil }

func testServer(t *testing.T) (*httptest.Server, *mcvisor.Manager) {
	t.Helper()
	m, err := mcvisor.NewManager(mcvisor.Config{
		Name:     "resttest",
		Sessions: stubRunner{},
		Status:   stubQuerier{},
		Backups:  func(mcvisor.InstanceDefinition) (mcvisor.BackupStore, error) { return stubBackups{}, nil },
		Archives: func(mcvisor.InstanceDefinition) (mcvisor.ArchiveStore, error) { return stubArchives{}, nil },
		Logger:   log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	require.NoError(t, m.Reload([]mcvisor.InstanceDefinition{
		{Name: "alpha", DataDir: t.TempDir(), Port: 25565},
	}))
	srv := httptest.NewServer(NewHandler(m))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.Shutdown(ctx)
		cancel()
	})
	return srv, m
}

func TestClientRoundTrip(t *testing.T) {
	srv, _ := testServer(t)
	c := NewClient(nil, srv.URL)
	ctx := context.Background()

	names, err := c.Instances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, names)

	info, err := c.GetInstance(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", info.Name)
	assert.Equal(t, mcvisor.Down, info.State)

	t.Run("unknown instances are 404", func(t *testing.T) {
		_, err := c.GetInstance(ctx, "nosuch")
		var re *Error
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 404, re.Code)
	})

	t.Run("start is accepted and completes", func(t *testing.T) {
		id, err := c.StartInstance(ctx, "alpha")
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		deadline := time.Now().Add(10 * time.Second)
		for {
			info, err := c.GetInstance(ctx, "alpha")
			require.NoError(t, err)
			if info.State == mcvisor.Up {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("instance never came up")
			}
			time.Sleep(50 * time.Millisecond)
		}
	})

	t.Run("status pairs both liveness signals", func(t *testing.T) {
		st, err := c.Status(ctx, "alpha", false)
		require.NoError(t, err)
		assert.True(t, st.Alive)
		require.NotNil(t, st.Snapshot)
		assert.Equal(t, "stub", st.Snapshot.MOTD)
		assert.Equal(t, 1, st.Snapshot.Players)
	})

	t.Run("console tail and send", func(t *testing.T) {
		out, err := c.Console(ctx, "alpha", 10)
		require.NoError(t, err)
		assert.True(t, strings.Contains(out, "ready"))
		require.NoError(t, c.SendCommand(ctx, "alpha", "list"))
	})

	t.Run("events accumulate", func(t *testing.T) {
		ev, err := c.Events(ctx, "alpha")
		require.NoError(t, err)
		require.NotEmpty(t, ev.Records)
		assert.Equal(t, mcvisor.OpStart, ev.Records[0].Op)
	})

	t.Run("backup runs through the engine", func(t *testing.T) {
		id, err := c.BackupInstance(ctx, "alpha")
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})

	t.Run("restore while up is rejected", func(t *testing.T) {
		// The backup above may still hold the gate briefly.
		deadline := time.Now().Add(10 * time.Second)
		for {
			_, err = c.RestoreInstance(ctx, "alpha", 0)
			var re *Error
			require.ErrorAs(t, err, &re)
			if re.Code == 400 {
				assert.Contains(t, re.Message, "down")
				break
			}
			require.Equal(t, 409, re.Code)
			if time.Now().After(deadline) {
				t.Fatal("gate never released")
			}
			time.Sleep(20 * time.Millisecond)
		}
	})

	t.Run("extract while up is rejected", func(t *testing.T) {
		_, err := c.ExtractArchive(ctx, "alpha", "stub.tar.gz")
		var re *Error
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 400, re.Code)
		assert.Contains(t, re.Message, "down")
	})

	t.Run("cancel with nothing in flight is a 400", func(t *testing.T) {
		err := c.CancelOperation(ctx, "alpha")
		var re *Error
		require.ErrorAs(t, err, &re)
		assert.Equal(t, 400, re.Code)
	})
}
