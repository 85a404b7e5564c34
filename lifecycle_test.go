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
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/mcvisor/mcvisor/archive"
	"github.com/mcvisor/mcvisor/backup"
	"github.com/mcvisor/mcvisor/status"
)

func init() {
	// The settle window exists for real servers; fakes are alive at once.
	startSettle = 20 * time.Millisecond
}

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	s := string(p)
	s = strings.Trim(s, "\n")
	tl.t.Log(s)
	return len(p), nil
}

type fakeSession struct {
	alive   bool
	lines   []string
	console string
	forced  bool // Stop should report a forced kill
	stopErr error
	sync.Mutex
}

func (s *fakeSession) Alive() bool {
	s.Lock()
	defer s.Unlock()
	return s.alive
}

func (s *fakeSession) die() {
	s.Lock()
	s.alive = false
	s.Unlock()
}

func (s *fakeSession) SendLine(line string) error {
	s.Lock()
	defer s.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

func (s *fakeSession) sent() []string {
	s.Lock()
	defer s.Unlock()
	return append([]string{}, s.lines...)
}

func (s *fakeSession) Tail(lines int) (string, error) {
	s.Lock()
	defer s.Unlock()
	return s.console, nil
}

func (s *fakeSession) Stop(ctx context.Context, stopCmd string, graceful time.Duration) (bool, error) {
	s.Lock()
	defer s.Unlock()
	if s.stopErr != nil {
		return false, s.stopErr
	}
	s.lines = append(s.lines, stopCmd)
	s.alive = false
	return s.forced, nil
}

func (s *fakeSession) Kill() error {
	s.Lock()
	s.alive = false
	s.Unlock()
	return nil
}

type fakeRunner struct {
	sessions  map[string]*fakeSession
	surviving map[string]*fakeSession // discovered by Find
	startErr  error
	sync.Mutex
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		sessions:  make(map[string]*fakeSession),
		surviving: make(map[string]*fakeSession),
	}
}

func (r *fakeRunner) Start(def InstanceDefinition) (SessionHandle, error) {
	r.Lock()
	defer r.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	s := &fakeSession{alive: true}
	r.sessions[def.Name] = s
	return s, nil
}

func (r *fakeRunner) Find(def InstanceDefinition) (SessionHandle, bool) {
	r.Lock()
	defer r.Unlock()
	if s, ok := r.surviving[def.Name]; ok {
		return s, true
	}
	return nil, false
}

func (r *fakeRunner) session(name string) *fakeSession {
	r.Lock()
	defer r.Unlock()
	return r.sessions[name]
}

type fakeQuerier struct {
	info *status.Info
	err  error
}

func (q *fakeQuerier) Query(ctx context.Context, host string, port int) (*status.Info, error) {
	if q.err != nil {
		return nil, q.err
	}
	info := *q.info
	return &info, nil
}

type fakeBackups struct {
	entries  []backup.EntryInfo
	restored []int64
	block    chan struct{} // when set, Create waits for close or cancel
	err      error
	sync.Mutex
}

func (b *fakeBackups) Create(ctx context.Context, dataDir string) (backup.EntryInfo, error) {
	if b.block != nil {
		select {
		case <-ctx.Done():
			return backup.EntryInfo{}, context.Cause(ctx)
		case <-b.block:
		}
	}
	if b.err != nil {
		return backup.EntryInfo{}, b.err
	}
	b.Lock()
	defer b.Unlock()
	e := backup.EntryInfo{Seq: int64(len(b.entries)), Time: time.Now()}
	b.entries = append(b.entries, e)
	return e, nil
}

func (b *fakeBackups) Entries() ([]backup.EntryInfo, error) {
	b.Lock()
	defer b.Unlock()
	return append([]backup.EntryInfo{}, b.entries...), nil
}

func (b *fakeBackups) Restore(ctx context.Context, seq int64, destDir string) error {
	if b.err != nil {
		return b.err
	}
	b.Lock()
	b.restored = append(b.restored, seq)
	b.Unlock()
	return nil
}

func (b *fakeBackups) Prune(pol backup.RetentionPolicy) (int, error) {
	return 0, nil
}

type fakeArchives struct {
	recs      []archive.Record
	extracted []string
	sync.Mutex
}

func (a *fakeArchives) Create(ctx context.Context, dataDir string) (archive.Record, error) {
	a.Lock()
	defer a.Unlock()
	r := archive.Record{Name: "fake.tar.gz", Time: time.Now()}
	a.recs = append(a.recs, r)
	return r, nil
}

func (a *fakeArchives) List() ([]archive.Record, error) {
	a.Lock()
	defer a.Unlock()
	return append([]archive.Record{}, a.recs...), nil
}

func (a *fakeArchives) Extract(ctx context.Context, rec archive.Record, destDir string) error {
	a.Lock()
	a.extracted = append(a.extracted, rec.Name)
	a.Unlock()
	return nil
}

func (a *fakeArchives) Prune(keep int) (int, error) {
	return 0, nil
}

type fixture struct {
	m        *Manager
	runner   *fakeRunner
	backups  *fakeBackups
	archives *fakeArchives
}

func WithManager(t *testing.T, defs []InstanceDefinition, fn func(f *fixture)) func() {
	return func() {
		runner := newFakeRunner()
		backups := &fakeBackups{}
		archives := &fakeArchives{}
		m, e := NewManager(Config{
			Name:     "test",
			Sessions: runner,
			Status:   &fakeQuerier{info: &status.Info{Players: 2, MaxPlayers: 20, MOTD: "hi"}},
			Backups:  func(InstanceDefinition) (BackupStore, error) { return backups, nil },
			Archives: func(InstanceDefinition) (ArchiveStore, error) { return archives, nil },
			Logger:   log.New(&testLog{t: t}, "", 0),
		})
		So(e, ShouldBeNil)
		So(m, ShouldNotBeNil)
		So(m.Reload(defs), ShouldBeNil)
		Reset(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.Shutdown(ctx)
			cancel()
		})
		fn(&fixture{m: m, runner: runner, backups: backups, archives: archives})
	}
}

func defs(names ...string) []InstanceDefinition {
	ds := make([]InstanceDefinition, 0, len(names))
	for _, n := range names {
		ds = append(ds, InstanceDefinition{
			Name:    n,
			DataDir: "/tmp/" + n,
			Port:    25565,
		})
	}
	return ds
}

func stateOf(m *Manager, name string) State {
	info, e := m.GetInstance(name)
	So(e, ShouldBeNil)
	return info.State
}

func TestStartStop(t *testing.T) {
	Convey("Start and stop", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			So(stateOf(f.m, "alpha"), ShouldEqual, Down)

			res, e := f.m.Do("alpha", OpStart, Params{})
			So(e, ShouldBeNil)
			So(res.Outcome, ShouldEqual, Success)
			So(stateOf(f.m, "alpha"), ShouldEqual, Up)

			Convey("Starting again is acknowledged, not repeated", func() {
				res, e := f.m.Do("alpha", OpStart, Params{})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Success)
				So(res.Detail, ShouldEqual, "already up")
				// No second start event was logged.
				recs, _, e := f.m.Events("alpha", 0)
				So(e, ShouldBeNil)
				n := 0
				for _, r := range recs {
					if r.Op == OpStart {
						n++
					}
				}
				So(n, ShouldEqual, 1)
			})

			Convey("Graceful stop sends the stop command", func() {
				res, e := f.m.Do("alpha", OpStop, Params{})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Success)
				So(stateOf(f.m, "alpha"), ShouldEqual, Down)
				sess := f.runner.session("alpha")
				So(sess.sent(), ShouldContain, "stop")
			})

			Convey("Forced stop is a warning, not a failure", func() {
				f.runner.session("alpha").forced = true
				res, e := f.m.Do("alpha", OpStop, Params{})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Warning)
				So(stateOf(f.m, "alpha"), ShouldEqual, Down)
			})

			Convey("Kill brings it down", func() {
				res, e := f.m.Do("alpha", OpKill, Params{})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Success)
				So(stateOf(f.m, "alpha"), ShouldEqual, Down)
			})

			Convey("A restart whose stop fails leaves it up", func() {
				sess := f.runner.session("alpha")
				sess.Lock()
				sess.stopErr = errors.New("send-keys failed")
				sess.Unlock()
				res, e := f.m.Do("alpha", OpRestart, Params{})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Failure)
				// The old session is still running; it must not be
				// forgotten or the state reported as down.
				So(stateOf(f.m, "alpha"), ShouldEqual, Up)
				So(sess.Alive(), ShouldBeTrue)
			})

			Convey("Restart cycles the session", func() {
				old := f.runner.session("alpha")
				res, e := f.m.Do("alpha", OpRestart, Params{})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Success)
				So(stateOf(f.m, "alpha"), ShouldEqual, Up)
				So(old.Alive(), ShouldBeFalse)
				So(f.runner.session("alpha").Alive(), ShouldBeTrue)
			})
		}))
}

func TestStopWhenDown(t *testing.T) {
	Convey("Stopping a down instance is acknowledged", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			res, e := f.m.Do("alpha", OpStop, Params{})
			So(e, ShouldBeNil)
			So(res.Outcome, ShouldEqual, Success)
			So(res.Detail, ShouldEqual, "already down")
			recs, _, e := f.m.Events("alpha", 0)
			So(e, ShouldBeNil)
			So(len(recs), ShouldEqual, 0)
		}))
}

func TestStartFailure(t *testing.T) {
	Convey("A start whose process dies resolves to down", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			go func() {
				// Kill the session as soon as it appears.
				for {
					if s := f.runner.session("alpha"); s != nil {
						s.die()
						return
					}
					time.Sleep(time.Millisecond)
				}
			}()
			res, e := f.m.Do("alpha", OpStart, Params{})
			So(e, ShouldBeNil)
			So(res.Outcome, ShouldEqual, Failure)
			So(stateOf(f.m, "alpha"), ShouldEqual, Down)
		}))
}

func TestNoSuchInstance(t *testing.T) {
	Convey("Operations on unknown names are rejected", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			_, e := f.m.Do("nosuch", OpStart, Params{})
			So(errors.Is(e, ErrNoSuchInstance), ShouldBeTrue)
			_, e = f.m.GetInstance("nosuch")
			So(errors.Is(e, ErrNoSuchInstance), ShouldBeTrue)
		}))
}

func TestOperationGate(t *testing.T) {
	Convey("One operation at a time per instance", t,
		WithManager(t, defs("alpha", "beta"), func(f *fixture) {
			f.backups.block = make(chan struct{})
			id, e := f.m.RequestOperation("alpha", OpBackup, Params{})
			So(e, ShouldBeNil)
			So(id, ShouldNotBeEmpty)

			// Wait until the operation actually holds the gate.
			for stateOf(f.m, "alpha") != BackingUp {
				time.Sleep(time.Millisecond)
			}

			Convey("A second operation is rejected immediately", func() {
				_, e := f.m.Do("alpha", OpStart, Params{})
				So(errors.Is(e, ErrOpInProgress), ShouldBeTrue)
			})

			Convey("Reads are not blocked", func() {
				info, e := f.m.GetInstance("alpha")
				So(e, ShouldBeNil)
				So(info.State, ShouldEqual, BackingUp)
			})

			Convey("Other instances are unaffected", func() {
				res, e := f.m.Do("beta", OpStart, Params{})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Success)
			})

			Convey("Completion releases the gate", func() {
				serial := f.m.Serial()
				close(f.backups.block)
				f.m.WatchSerial(serial, 5*time.Second)
				for !stateOf(f.m, "alpha").Stable() {
					time.Sleep(time.Millisecond)
				}
				So(stateOf(f.m, "alpha"), ShouldEqual, Down)
				res, e := f.m.Do("alpha", OpStart, Params{})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Success)
			})
		}))
}

func TestCancel(t *testing.T) {
	Convey("Cancel aborts the in-flight operation", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			f.backups.block = make(chan struct{})
			_, e := f.m.RequestOperation("alpha", OpBackup, Params{})
			So(e, ShouldBeNil)
			for stateOf(f.m, "alpha") != BackingUp {
				time.Sleep(time.Millisecond)
			}
			So(f.m.Cancel("alpha"), ShouldBeNil)
			for !stateOf(f.m, "alpha").Stable() {
				time.Sleep(time.Millisecond)
			}

			Convey("State resolves to the pre-operation state", func() {
				So(stateOf(f.m, "alpha"), ShouldEqual, Down)
			})

			Convey("Exactly one cancelled event was logged", func() {
				recs, _, e := f.m.Events("alpha", 0)
				So(e, ShouldBeNil)
				n := 0
				for _, r := range recs {
					if r.Op == OpBackup {
						So(r.Outcome, ShouldEqual, Cancelled)
						n++
					}
				}
				So(n, ShouldEqual, 1)
			})

			Convey("Cancel with nothing in flight is rejected", func() {
				e := f.m.Cancel("alpha")
				So(errors.Is(e, ErrNoOperation), ShouldBeTrue)
			})
		}))
}

func TestBackupWhileUp(t *testing.T) {
	Convey("A live backup pauses world writes", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			_, e := f.m.Do("alpha", OpStart, Params{})
			So(e, ShouldBeNil)

			res, e := f.m.Do("alpha", OpBackup, Params{})
			So(e, ShouldBeNil)
			So(res.Outcome, ShouldEqual, Success)

			Convey("The instance is back up afterwards", func() {
				So(stateOf(f.m, "alpha"), ShouldEqual, Up)
			})

			Convey("save-off and save-on bracketed the copy", func() {
				lines := f.runner.session("alpha").sent()
				So(lines, ShouldContain, "save-off")
				So(lines, ShouldContain, "save-all")
				So(lines, ShouldContain, "save-on")
			})
		}))
}

func TestRestoreRequiresDown(t *testing.T) {
	Convey("Restore", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			Convey("Rejected while the instance is up", func() {
				_, e := f.m.Do("alpha", OpStart, Params{})
				So(e, ShouldBeNil)
				_, e = f.m.Do("alpha", OpRestore, Params{Seq: 0})
				So(errors.Is(e, ErrMustBeDown), ShouldBeTrue)
			})

			Convey("Runs when the instance is down", func() {
				res, e := f.m.Do("alpha", OpRestore, Params{Seq: 3})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Success)
				So(f.backups.restored, ShouldResemble, []int64{3})
				So(stateOf(f.m, "alpha"), ShouldEqual, Down)
			})
		}))
}

func TestExtractArchive(t *testing.T) {
	Convey("Extract archive", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			res, e := f.m.Do("alpha", OpArchive, Params{})
			So(e, ShouldBeNil)
			So(res.Outcome, ShouldEqual, Success)

			Convey("Rejected while the instance is up", func() {
				_, e := f.m.Do("alpha", OpStart, Params{})
				So(e, ShouldBeNil)
				_, e = f.m.Do("alpha", OpExtractArchive, Params{Archive: "fake.tar.gz"})
				So(errors.Is(e, ErrMustBeDown), ShouldBeTrue)
			})

			Convey("Restores the named archive while down", func() {
				res, e := f.m.Do("alpha", OpExtractArchive, Params{Archive: "fake.tar.gz"})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Success)
				So(f.archives.extracted, ShouldResemble, []string{"fake.tar.gz"})
				So(stateOf(f.m, "alpha"), ShouldEqual, Down)
			})

			Convey("An unknown archive fails the operation", func() {
				res, e := f.m.Do("alpha", OpExtractArchive, Params{Archive: "lost.tar.gz"})
				So(e, ShouldBeNil)
				So(res.Outcome, ShouldEqual, Failure)
				So(res.Detail, ShouldContainSubstring, "archive")
				So(f.archives.extracted, ShouldBeEmpty)
			})
		}))
}

func TestEventPerOutcome(t *testing.T) {
	Convey("Each operation logs exactly one event", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			_, e := f.m.Do("alpha", OpStart, Params{})
			So(e, ShouldBeNil)
			_, e = f.m.Do("alpha", OpBackup, Params{})
			So(e, ShouldBeNil)
			_, e = f.m.Do("alpha", OpStop, Params{})
			So(e, ShouldBeNil)

			recs, _, e := f.m.Events("alpha", 0)
			So(e, ShouldBeNil)
			ops := []Operation{}
			for _, r := range recs {
				ops = append(ops, r.Op)
			}
			So(ops, ShouldResemble, []Operation{OpStart, OpBackup, OpStop})

			Convey("The merged feed carries them too", func() {
				merged, _ := f.m.ManagerEvents(0)
				So(len(merged), ShouldEqual, 3)
				for _, r := range merged {
					So(r.Instance, ShouldEqual, "alpha")
				}
			})
		}))
}

func TestQuery(t *testing.T) {
	Convey("Status query", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			_, e := f.m.Do("alpha", OpStart, Params{})
			So(e, ShouldBeNil)

			snap, e := f.m.Query(context.Background(), "alpha")
			So(e, ShouldBeNil)
			So(snap.Players, ShouldEqual, 2)
			So(snap.MaxPlayers, ShouldEqual, 20)
			So(snap.SeenState, ShouldEqual, Up)

			Convey("The snapshot is cached", func() {
				cached, e := f.m.LastStatus("alpha")
				So(e, ShouldBeNil)
				So(cached, ShouldNotBeNil)
				So(cached.MOTD, ShouldEqual, "hi")
			})
		}))
}

func TestConsole(t *testing.T) {
	Convey("Console passthrough", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			Convey("Rejected while down", func() {
				e := f.m.SendCommand("alpha", "list")
				So(errors.Is(e, ErrNotRunning), ShouldBeTrue)
			})

			Convey("Lines reach the session while up", func() {
				_, e := f.m.Do("alpha", OpStart, Params{})
				So(e, ShouldBeNil)
				So(f.m.SendCommand("alpha", "list"), ShouldBeNil)
				So(f.runner.session("alpha").sent(), ShouldContain, "list")

				f.runner.session("alpha").console = "[INFO] 2 players online"
				text, e := f.m.ConsoleTail("alpha", 10)
				So(e, ShouldBeNil)
				So(text, ShouldContainSubstring, "players online")
			})
		}))
}

func TestReload(t *testing.T) {
	Convey("Definition reload", t,
		WithManager(t, defs("alpha", "beta"), func(f *fixture) {
			_, e := f.m.Do("alpha", OpStart, Params{})
			So(e, ShouldBeNil)

			Convey("Removed instances are orphaned, not deleted", func() {
				So(f.m.Reload(defs("alpha")), ShouldBeNil)
				info, e := f.m.GetInstance("beta")
				So(e, ShouldBeNil)
				So(info.Orphaned, ShouldBeTrue)

				_, e = f.m.Do("beta", OpStart, Params{})
				So(errors.Is(e, ErrOrphaned), ShouldBeTrue)

				Convey("Reappearing clears the orphan mark", func() {
					So(f.m.Reload(defs("alpha", "beta")), ShouldBeNil)
					info, e := f.m.GetInstance("beta")
					So(e, ShouldBeNil)
					So(info.Orphaned, ShouldBeFalse)
				})
			})

			Convey("Runtime state survives a reload", func() {
				So(f.m.Reload(defs("alpha", "beta")), ShouldBeNil)
				So(stateOf(f.m, "alpha"), ShouldEqual, Up)
			})

			Convey("Surviving sessions are adopted for new names", func() {
				f.runner.surviving["gamma"] = &fakeSession{alive: true}
				So(f.m.Reload(defs("alpha", "gamma")), ShouldBeNil)
				So(stateOf(f.m, "gamma"), ShouldEqual, Up)
			})
		}))
}

func TestCrashDetection(t *testing.T) {
	Convey("A session that exits is noticed", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			_, e := f.m.Do("alpha", OpStart, Params{})
			So(e, ShouldBeNil)

			f.runner.session("alpha").die()
			f.m.checkInstance("alpha")

			So(stateOf(f.m, "alpha"), ShouldEqual, Down)
			recs, _, e := f.m.Events("alpha", 0)
			So(e, ShouldBeNil)
			last := recs[len(recs)-1]
			So(last.Op, ShouldEqual, OpCheck)
			So(last.Outcome, ShouldEqual, Failure)
		}))
}

func TestSelfHeal(t *testing.T) {
	Convey("Crash restart honors the definition flag", t, func() {
		ds := defs("alpha")
		ds[0].Restart = true
		WithManager(t, ds, func(f *fixture) {
			_, e := f.m.Do("alpha", OpStart, Params{})
			So(e, ShouldBeNil)

			f.runner.session("alpha").die()
			f.m.checkInstance("alpha")

			So(stateOf(f.m, "alpha"), ShouldEqual, Up)
			So(f.runner.session("alpha").Alive(), ShouldBeTrue)
		})()
	})
}

func TestWatchSerial(t *testing.T) {
	Convey("Serial watching", t,
		WithManager(t, defs("alpha"), func(f *fixture) {
			old := f.m.Serial()

			Convey("Expires with no change", func() {
				v := f.m.WatchSerial(old, 10*time.Millisecond)
				So(v, ShouldEqual, old)
			})

			Convey("Wakes on a state change", func() {
				done := make(chan int64, 1)
				go func() {
					done <- f.m.WatchSerial(old, 5*time.Second)
				}()
				_, e := f.m.Do("alpha", OpStart, Params{})
				So(e, ShouldBeNil)
				select {
				case v := <-done:
					So(v, ShouldBeGreaterThan, old)
				case <-time.After(5 * time.Second):
					t.Error("watch did not wake")
				}
			})
		}))
}
