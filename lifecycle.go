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
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcvisor/mcvisor/archive"
	"github.com/mcvisor/mcvisor/backup"
	"github.com/mcvisor/mcvisor/session"
	"github.com/mcvisor/mcvisor/status"
)

// Manager owns every instance's runtime state and serializes operations on
// it.  Operations on different instances proceed concurrently; two
// state-changing operations on the same instance never do.  Status queries
// and state reads take only the manager's short-lived structural lock,
// never the per-instance operation gate.
type Manager struct {
	name       string
	registry   *Registry
	instances  map[string]*Instance
	order      []string
	events     *EventLog // merged feed across all instances
	mlog       *MultiLogger
	logger     *log.Logger
	sessions   SessionRunner
	querier    StatusQuerier
	backups    func(InstanceDefinition) (BackupStore, error)
	archives   func(InstanceDefinition) (ArchiveStore, error)
	serial     int64
	listSerial int64
	createTime time.Time
	updateTime time.Time
	monitoring bool
	cleanup    bool
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

// ManagerInfo is top-level information about the manager, read consistently.
type ManagerInfo struct {
	Name       string    `json:"name"`
	Serial     int64     `json:"serial,string"`
	CreateTime time.Time `json:"createTime"`
	UpdateTime time.Time `json:"updateTime"`
}

// Instance is the runtime state for one defined instance.  All fields are
// guarded by the manager lock except the operation gate, which is held for
// the full duration of any state-changing call.
type Instance struct {
	def        InstanceDefinition
	state      State
	orphaned   bool
	session    SessionHandle
	lastStatus *StatusSnapshot
	lastResult *OpResult
	events     *EventLog
	backupSt   BackupStore
	archiveSt  ArchiveStore
	serial     int64
	stamp      time.Time
	cancel     context.CancelFunc
	curOp      Operation
	opID       string
	starts     []time.Time // self-heal window
	gate       sync.Mutex
}

// Config assembles a Manager.  Zero fields get the production defaults:
// tmux sessions, the Minecraft status client, and filesystem-backed backup
// and archive stores rooted at each definition's directories.
type Config struct {
	Name     string
	Sessions SessionRunner
	Status   StatusQuerier
	Backups  func(InstanceDefinition) (BackupStore, error)
	Archives func(InstanceDefinition) (ArchiveStore, error)
	Logger   *log.Logger
}

// NewManager builds a manager.  It fails only if the default session
// facility was requested and tmux is unavailable.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Name == "" {
		cfg.Name = "mcvisor"
	}
	m := &Manager{
		name:      cfg.Name,
		registry:  NewRegistry(),
		instances: make(map[string]*Instance),
		events:    NewEventLog(),
		mlog:      NewMultiLogger(),
		cvs:       make(map[*sync.Cond]bool),
		sessions:  cfg.Sessions,
		querier:   cfg.Status,
		backups:   cfg.Backups,
		archives:  cfg.Archives,
		// Serial numbers are seeded from the clock so a restarted daemon
		// invalidates anything a client cached.
		serial:     time.Now().UnixNano(),
		createTime: time.Now(),
	}
	m.listSerial = m.serial
	m.updateTime = m.createTime
	m.logger = m.mlog.Logger()
	if cfg.Logger != nil {
		m.logger = cfg.Logger
	} else {
		m.mlog.AddSink(os.Stderr)
	}
	if m.sessions == nil {
		t, err := session.NewTmux()
		if err != nil {
			return nil, err
		}
		m.sessions = tmuxRunner{t: t}
	}
	if m.querier == nil {
		m.querier = status.NewClient()
	}
	if m.backups == nil {
		m.backups = defaultBackups
	}
	if m.archives == nil {
		m.archives = defaultArchives
	}
	return m, nil
}

// Name returns the name the manager was allocated with.
func (m *Manager) Name() string {
	return m.name
}

// GetInfo returns a consistent snapshot of manager-level metadata.
func (m *Manager) GetInfo() *ManagerInfo {
	m.mx.Lock()
	defer m.mx.Unlock()
	return &ManagerInfo{
		Name:       m.name,
		Serial:     m.serial,
		CreateTime: m.createTime,
		UpdateTime: m.updateTime,
	}
}

func (m *Manager) logf(format string, v ...interface{}) {
	m.logger.Printf(format, v...)
}

// bumpSerial increments the global serial and wakes watchers.  Call with
// the manager lock held.
func (m *Manager) bumpSerial() int64 {
	m.updateTime = time.Now()
	m.serial++
	for cv := range m.cvs {
		cv.Broadcast()
	}
	return m.serial
}

// Serial returns the global serial number, incremented on any state change.
func (m *Manager) Serial() int64 {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.serial
}

func (m *Manager) watchSerial(old int64, src *int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&m.mx)
	var timer *time.Timer
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			m.mx.Lock()
			expired = true
			cv.Broadcast()
			m.mx.Unlock()
		})
	} else {
		expired = true
	}

	m.mx.Lock()
	m.cvs[cv] = true
	var rv int64
	for {
		rv = *src
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(m.cvs, cv)
	m.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// WatchSerial blocks until any instance changes state, or expire elapses.
func (m *Manager) WatchSerial(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.serial, expire)
}

// WatchInstances blocks until the set of instances changes.
func (m *Manager) WatchInstances(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.listSerial, expire)
}

// Reload replaces the definition set.  Runtime state for instances whose
// names persist is untouched; instances that disappear are orphaned (no
// further operations accepted) rather than deleted out from under an
// operation that may be in flight.
func (m *Manager) Reload(defs []InstanceDefinition) error {
	added, removed, err := m.registry.Replace(defs)
	if err != nil {
		return err
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	order := make([]string, 0, len(defs))
	for _, def := range defs {
		order = append(order, def.Name)
		if inst, ok := m.instances[def.Name]; ok {
			inst.def = def
			inst.orphaned = false
			continue
		}
		inst := &Instance{
			def:    def,
			state:  Down,
			events: NewEventLog(),
			stamp:  time.Now(),
		}
		// Adopt a session that survived a previous daemon run.
		if sess, ok := m.sessions.Find(def); ok {
			inst.session = sess
			inst.state = Up
			m.appendEventLocked(inst, OpCheck, Success, "adopted running session")
		}
		m.instances[def.Name] = inst
		inst.serial = m.bumpSerial()
	}
	for _, name := range removed {
		if inst, ok := m.instances[name]; ok {
			inst.orphaned = true
			inst.serial = m.bumpSerial()
			m.logf("[%s] orphaned: definition removed", name)
		}
	}
	m.order = order
	m.listSerial = m.bumpSerial()
	if len(added) > 0 || len(removed) > 0 {
		m.logf("definitions reloaded: %d added, %d removed", len(added), len(removed))
	}
	return nil
}

// Registry exposes the definition source.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Log exposes the fan-out text log so callers can attach and detach their
// own sinks, such as a streaming API connection.
func (m *Manager) Log() *MultiLogger {
	return m.mlog
}

// Instances returns a read-consistent view of every instance, in definition
// source order, orphans last.
func (m *Manager) Instances() []InstanceInfo {
	m.mx.Lock()
	defer m.mx.Unlock()
	infos := make([]InstanceInfo, 0, len(m.instances))
	seen := make(map[string]bool, len(m.instances))
	for _, name := range m.order {
		if inst, ok := m.instances[name]; ok {
			infos = append(infos, m.infoLocked(inst))
			seen[name] = true
		}
	}
	for name, inst := range m.instances {
		if !seen[name] {
			infos = append(infos, m.infoLocked(inst))
		}
	}
	return infos
}

// GetInstance returns the view of one instance.
func (m *Manager) GetInstance(name string) (InstanceInfo, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return InstanceInfo{}, ErrNoSuchInstance
	}
	return m.infoLocked(inst), nil
}

func (m *Manager) infoLocked(inst *Instance) InstanceInfo {
	def := inst.def
	info := InstanceInfo{
		Name:       inst.def.Name,
		State:      inst.state,
		Orphaned:   inst.orphaned,
		Definition: &def,
		Serial:     inst.serial,
		TimeStamp:  inst.stamp,
	}
	if inst.lastStatus != nil {
		st := *inst.lastStatus
		info.Status = &st
	}
	if inst.lastResult != nil {
		r := *inst.lastResult
		info.LastResult = &r
	}
	return info
}

// appendEventLocked records one terminal outcome in the instance log, the
// merged feed, and the text log.  Call with the manager lock held.
func (m *Manager) appendEventLocked(inst *Instance, op Operation, outcome Outcome, detail string) {
	inst.events.Append(inst.def.Name, op, outcome, detail)
	m.events.Append(inst.def.Name, op, outcome, detail)
	if detail != "" {
		m.logf("[%s] %s: %s (%s)", inst.def.Name, op, outcome, detail)
	} else {
		m.logf("[%s] %s: %s", inst.def.Name, op, outcome)
	}
}

// Events returns an instance's event records appended after the given ID,
// with the current cursor.  Pass 0 to replay from the start of retention.
func (m *Manager) Events(name string, after int64) ([]EventRecord, int64, error) {
	m.mx.Lock()
	inst, ok := m.instances[name]
	m.mx.Unlock()
	if !ok {
		return nil, 0, ErrNoSuchInstance
	}
	recs, id := inst.events.Since(after)
	return recs, id, nil
}

// WatchEvents blocks until the instance's event log moves past last, or
// expire elapses.
func (m *Manager) WatchEvents(name string, last int64, expire time.Duration) (int64, error) {
	m.mx.Lock()
	inst, ok := m.instances[name]
	m.mx.Unlock()
	if !ok {
		return 0, ErrNoSuchInstance
	}
	return inst.events.Watch(last, expire), nil
}

// ManagerEvents is the merged feed across all instances.
func (m *Manager) ManagerEvents(after int64) ([]EventRecord, int64) {
	return m.events.Since(after)
}

// WatchManagerEvents blocks on the merged feed.
func (m *Manager) WatchManagerEvents(last int64, expire time.Duration) int64 {
	return m.events.Watch(last, expire)
}

// Params carries the operation-specific arguments of a request.
type Params struct {
	Seq       int64                  `json:"seq,omitempty"`       // restore target
	Archive   string                 `json:"archive,omitempty"`   // extract_archive target
	Keep      int                    `json:"keep,omitempty"`      // prune_archives
	Retention backup.RetentionPolicy `json:"retention,omitempty"` // prune
	Line      string                 `json:"line,omitempty"`      // console
	Graceful  time.Duration          `json:"graceful,omitempty"`  // stop override
}

// opCtx tracks one in-flight operation from gate acquisition to its
// terminal outcome.
type opCtx struct {
	inst   *Instance
	op     Operation
	params Params
	id     string
	prior  State
	ctx    context.Context
	cancel context.CancelFunc
}

var transientFor = map[Operation]State{
	OpStart:          Starting,
	OpStop:           Stopping,
	OpRestart:        Stopping,
	OpKill:           Stopping,
	OpBackup:         BackingUp,
	OpArchive:        Archiving,
	OpRestore:        Restoring,
	OpExtractArchive: Restoring,
}

// beginOp validates a request, acquires the instance's operation gate, and
// publishes the transient state.  It returns a non-nil result (and no
// opCtx) for the acknowledged idempotent cases: start when already up, stop
// or kill when already down.
func (m *Manager) beginOp(name string, op Operation, params Params) (*opCtx, *OpResult, error) {
	switch op {
	case OpStart, OpStop, OpRestart, OpKill, OpBackup, OpArchive,
		OpRestore, OpPrune, OpPruneArchives, OpExtractArchive:
	default:
		return nil, nil, ErrBadOperation
	}

	m.mx.Lock()
	inst, ok := m.instances[name]
	if !ok {
		m.mx.Unlock()
		return nil, nil, ErrNoSuchInstance
	}
	if inst.orphaned {
		m.mx.Unlock()
		return nil, nil, ErrOrphaned
	}
	m.mx.Unlock()

	// The gate is the per-instance exclusive operation lock.  A busy gate
	// is an immediate rejection, not a queue.
	if !inst.gate.TryLock() {
		return nil, nil, ErrOpInProgress
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	// State checks happen under the gate, so the state is stable.
	switch op {
	case OpStart:
		if inst.state == Up {
			inst.gate.Unlock()
			return nil, &OpResult{
				ID: uuid.NewString(), Op: op, Outcome: Success,
				Detail: "already up", When: time.Now(),
			}, nil
		}
	case OpStop, OpKill:
		if inst.state == Down {
			inst.gate.Unlock()
			return nil, &OpResult{
				ID: uuid.NewString(), Op: op, Outcome: Success,
				Detail: "already down", When: time.Now(),
			}, nil
		}
	case OpRestore, OpExtractArchive:
		if inst.state != Down {
			inst.gate.Unlock()
			return nil, nil, &OpError{Instance: name, Op: op, Err: ErrMustBeDown}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	oc := &opCtx{
		inst:   inst,
		op:     op,
		params: params,
		id:     uuid.NewString(),
		prior:  inst.state,
		ctx:    ctx,
		cancel: cancel,
	}
	if next, ok := transientFor[op]; ok {
		if op == OpRestart && inst.state == Down {
			next = Starting
		}
		inst.state = next
	}
	inst.cancel = cancel
	inst.curOp = op
	inst.opID = oc.id
	inst.stamp = time.Now()
	inst.serial = m.bumpSerial()
	return oc, nil, nil
}

// Do runs an operation synchronously, returning its terminal result.  The
// error return covers only rejections; a failed operation is reported
// through the result's Outcome.
func (m *Manager) Do(name string, op Operation, params Params) (*OpResult, error) {
	oc, res, err := m.beginOp(name, op, params)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return m.execOp(oc), nil
}

// RequestOperation begins an operation asynchronously.  Acceptance means
// the operation has begun under the instance's lock; completion is observed
// by polling state or following the event log.  The returned ID ties later
// observations back to this request.
func (m *Manager) RequestOperation(name string, op Operation, params Params) (string, error) {
	oc, res, err := m.beginOp(name, op, params)
	if err != nil {
		return "", err
	}
	if res != nil {
		return res.ID, nil
	}
	go m.execOp(oc)
	return oc.id, nil
}

// Cancel asks the instance's in-flight operation to stop.  The operation
// observes the cancellation at its next checkpoint, restores the
// pre-operation state, and logs a Cancelled outcome.
func (m *Manager) Cancel(name string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return ErrNoSuchInstance
	}
	if inst.cancel == nil {
		return ErrNoOperation
	}
	inst.cancel()
	return nil
}

// execOp performs the work of an operation and resolves it to a stable
// state, exactly one event log entry, and a stored result.  The gate is
// released only after the state is stable again.
func (m *Manager) execOp(oc *opCtx) *OpResult {
	inst := oc.inst
	detail, opErr := m.dispatch(oc)

	outcome := Success
	switch {
	case opErr == nil:
	case errors.Is(opErr, context.Canceled):
		outcome = Cancelled
		detail = "cancelled"
	case errors.Is(opErr, errForced):
		outcome = Warning
		opErr = nil
	default:
		outcome = Failure
		detail = (&OpError{Instance: inst.def.Name, Op: oc.op, Err: opErr}).Error()
	}

	m.mx.Lock()
	switch {
	case outcome == Success || outcome == Warning:
		inst.state = successState(oc.op, oc.prior)
	default:
		// Failures and cancellations resolve to the pre-operation stable
		// state, with one exception: a start whose session died is Down.
		inst.state = failureState(oc.op, oc.prior, opErr)
	}
	if inst.state == Down {
		inst.session = nil
	}
	res := &OpResult{
		ID:      oc.id,
		Op:      oc.op,
		Outcome: outcome,
		Detail:  detail,
		When:    time.Now(),
	}
	inst.lastResult = res
	inst.cancel = nil
	inst.curOp = ""
	inst.opID = ""
	inst.stamp = time.Now()
	inst.serial = m.bumpSerial()
	m.appendEventLocked(inst, oc.op, outcome, detail)
	m.mx.Unlock()

	oc.cancel()
	inst.gate.Unlock()
	return res
}

// errForced marks a stop that had to fall back to a kill: success with a
// warning, not a failure.
var errForced = errors.New("forced kill after graceful timeout")

// errStopLeg marks a restart whose stop leg failed outright.  The process
// is still running, so the instance must resolve to its prior state rather
// than Down.
var errStopLeg = errors.New("could not stop running session")

func successState(op Operation, prior State) State {
	switch op {
	case OpStart, OpRestart:
		return Up
	case OpStop, OpKill, OpRestore, OpExtractArchive:
		return Down
	default: // backup, archive, prune: back to wherever we were
		return prior
	}
}

func failureState(op Operation, prior State, opErr error) State {
	switch op {
	case OpStart:
		return Down
	case OpRestart:
		if errors.Is(opErr, errStopLeg) {
			// The old session is still alive; nothing was torn down.
			return prior
		}
		return Down
	case OpStop, OpKill:
		// A stop that truly failed leaves the process running.
		return prior
	default:
		return prior
	}
}

func (m *Manager) dispatch(oc *opCtx) (string, error) {
	switch oc.op {
	case OpStart:
		return m.doStart(oc)
	case OpStop:
		return m.doStop(oc)
	case OpKill:
		return m.doKill(oc)
	case OpRestart:
		return m.doRestart(oc)
	case OpBackup:
		return m.doBackup(oc)
	case OpArchive:
		return m.doArchive(oc)
	case OpRestore:
		return m.doRestore(oc)
	case OpPrune:
		return m.doPrune(oc)
	case OpPruneArchives:
		return m.doPruneArchives(oc)
	case OpExtractArchive:
		return m.doExtractArchive(oc)
	}
	return "", ErrBadOperation
}

// startSettle is how long a freshly spawned session is watched before the
// start is declared good.  The status protocol usually takes far longer to
// come up; session liveness is the signal here.  Variable so tests can
// shorten it.
var startSettle = 3 * time.Second

func (m *Manager) doStart(oc *opCtx) (string, error) {
	inst := oc.inst
	sess, err := m.sessions.Start(inst.def)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			// State said down but a session exists; adopt it.
			if found, ok := m.sessions.Find(inst.def); ok {
				m.setSession(inst, found)
				return "adopted existing session", nil
			}
		}
		return "", err
	}
	m.setSession(inst, sess)

	tick := 250 * time.Millisecond
	if tick > startSettle/4 {
		tick = startSettle / 4
	}
	deadline := time.Now().Add(startSettle)
	for time.Now().Before(deadline) {
		select {
		case <-oc.ctx.Done():
			sess.Kill()
			return "", context.Cause(oc.ctx)
		case <-time.After(tick):
		}
		if !sess.Alive() {
			return "", fmt.Errorf("process exited during startup")
		}
	}
	return "session " + session.SessionName(inst.def.Name), nil
}

func (m *Manager) setSession(inst *Instance, sess SessionHandle) {
	m.mx.Lock()
	inst.session = sess
	m.mx.Unlock()
}

func (m *Manager) doStop(oc *opCtx) (string, error) {
	inst := oc.inst
	sess := m.sessionOf(inst)
	if sess == nil {
		return "no session", nil
	}
	graceful := oc.params.Graceful
	if graceful <= 0 {
		graceful = inst.def.stopTimeout()
	}
	forced, err := sess.Stop(oc.ctx, inst.def.stopCommand(), graceful)
	if err != nil {
		return "", err
	}
	if forced {
		return errForced.Error(), errForced
	}
	return "graceful", nil
}

func (m *Manager) doKill(oc *opCtx) (string, error) {
	sess := m.sessionOf(oc.inst)
	if sess == nil {
		return "no session", nil
	}
	if err := sess.Kill(); err != nil {
		return "", err
	}
	return "killed", nil
}

func (m *Manager) doRestart(oc *opCtx) (string, error) {
	inst := oc.inst
	if oc.prior == Up {
		if _, err := m.doStop(oc); err != nil && !errors.Is(err, errForced) {
			return "", fmt.Errorf("%w: %v", errStopLeg, err)
		}
		m.setSession(inst, nil)
		m.setState(inst, Starting)
	}
	return m.doStart(oc)
}

func (m *Manager) setState(inst *Instance, s State) {
	m.mx.Lock()
	inst.state = s
	inst.stamp = time.Now()
	inst.serial = m.bumpSerial()
	m.mx.Unlock()
}

// pauseWrites asks a live server to flush and stop writing its world while
// a snapshot or archive is taken.  Best effort: a console that cannot be
// reached degrades to a plain live copy, it never fails the operation.
func (m *Manager) pauseWrites(inst *Instance) (resume func()) {
	sess := m.sessionOf(inst)
	if sess == nil || !sess.Alive() {
		return func() {}
	}
	sess.SendLine("save-off")
	sess.SendLine("save-all")
	// Give the server a moment to flush.
	time.Sleep(time.Second)
	return func() { sess.SendLine("save-on") }
}

func (m *Manager) sessionOf(inst *Instance) SessionHandle {
	m.mx.Lock()
	defer m.mx.Unlock()
	return inst.session
}

func (m *Manager) doBackup(oc *opCtx) (string, error) {
	inst := oc.inst
	bs, err := m.backupStore(inst)
	if err != nil {
		return "", err
	}
	if oc.prior == Up {
		resume := m.pauseWrites(inst)
		defer resume()
	}
	entry, err := bs.Create(oc.ctx, inst.def.DataDir)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("snapshot %d (%d changed, %d deleted)",
		entry.Seq, entry.Changed, entry.Deleted), nil
}

func (m *Manager) doArchive(oc *opCtx) (string, error) {
	inst := oc.inst
	as, err := m.archiveStore(inst)
	if err != nil {
		return "", err
	}
	if oc.prior == Up {
		resume := m.pauseWrites(inst)
		defer resume()
	}
	rec, err := as.Create(oc.ctx, inst.def.DataDir)
	if err != nil {
		return "", err
	}
	return rec.Name, nil
}

func (m *Manager) doRestore(oc *opCtx) (string, error) {
	inst := oc.inst
	bs, err := m.backupStore(inst)
	if err != nil {
		return "", err
	}
	if err := bs.Restore(oc.ctx, oc.params.Seq, inst.def.DataDir); err != nil {
		return "", err
	}
	return fmt.Sprintf("restored snapshot %d", oc.params.Seq), nil
}

func (m *Manager) doPrune(oc *opCtx) (string, error) {
	bs, err := m.backupStore(oc.inst)
	if err != nil {
		return "", err
	}
	removed, err := bs.Prune(oc.params.Retention)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("retired %d snapshots", removed), nil
}

func (m *Manager) doPruneArchives(oc *opCtx) (string, error) {
	as, err := m.archiveStore(oc.inst)
	if err != nil {
		return "", err
	}
	removed, err := as.Prune(oc.params.Keep)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("removed %d archives", removed), nil
}

// doExtractArchive restores the data directory from a named full archive,
// the escape hatch when the incremental chain itself is suspect.
func (m *Manager) doExtractArchive(oc *opCtx) (string, error) {
	inst := oc.inst
	as, err := m.archiveStore(inst)
	if err != nil {
		return "", err
	}
	recs, err := as.List()
	if err != nil {
		return "", err
	}
	for _, rec := range recs {
		if rec.Name == oc.params.Archive {
			if err := as.Extract(oc.ctx, rec, inst.def.DataDir); err != nil {
				return "", err
			}
			return "extracted " + rec.Name, nil
		}
	}
	return "", ErrNoSuchArchive
}

func (m *Manager) backupStore(inst *Instance) (BackupStore, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if inst.backupSt == nil {
		bs, err := m.backups(inst.def)
		if err != nil {
			return nil, err
		}
		inst.backupSt = bs
	}
	return inst.backupSt, nil
}

func (m *Manager) archiveStore(inst *Instance) (ArchiveStore, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if inst.archiveSt == nil {
		as, err := m.archives(inst.def)
		if err != nil {
			return nil, err
		}
		inst.archiveSt = as
	}
	return inst.archiveSt, nil
}

// Snapshots lists the instance's incremental chain.
func (m *Manager) Snapshots(name string) ([]backup.EntryInfo, error) {
	inst, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	bs, err := m.backupStore(inst)
	if err != nil {
		return nil, err
	}
	return bs.Entries()
}

// Archives lists the instance's full archives.
func (m *Manager) Archives(name string) ([]archive.Record, error) {
	inst, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	as, err := m.archiveStore(inst)
	if err != nil {
		return nil, err
	}
	return as.List()
}

func (m *Manager) lookup(name string) (*Instance, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, ErrNoSuchInstance
	}
	return inst, nil
}

// Query performs a live status query.  It never takes the operation gate:
// a query may run concurrently with any operation, including none.  On
// success the snapshot (labeled with the state it was observed under) is
// cached and returned.  On failure the typed query error is returned as-is;
// the caller decides what to make of it, usually by also looking at session
// liveness.
func (m *Manager) Query(ctx context.Context, name string) (*StatusSnapshot, error) {
	m.mx.Lock()
	inst, ok := m.instances[name]
	if !ok {
		m.mx.Unlock()
		return nil, ErrNoSuchInstance
	}
	def := inst.def
	seen := inst.state
	m.mx.Unlock()

	host := def.Address
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	info, err := m.querier.Query(ctx, host, def.Port)
	if err != nil {
		return nil, err
	}
	snap := &StatusSnapshot{
		Players:    info.Players,
		MaxPlayers: info.MaxPlayers,
		MOTD:       info.MOTD,
		Version:    info.Version,
		Latency:    info.Latency,
		When:       time.Now(),
		SeenState:  seen,
	}
	m.mx.Lock()
	inst.lastStatus = snap
	m.mx.Unlock()
	return snap, nil
}

// LastStatus returns the cached snapshot without touching the network.
func (m *Manager) LastStatus(name string) (*StatusSnapshot, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	inst, ok := m.instances[name]
	if !ok {
		return nil, ErrNoSuchInstance
	}
	if inst.lastStatus == nil {
		return nil, nil
	}
	st := *inst.lastStatus
	return &st, nil
}

// Alive is the process-presence liveness signal, distinct from the status
// protocol; a session can be alive while the server is still initializing
// and refusing queries.
func (m *Manager) Alive(name string) (bool, error) {
	sessCopy, err := func() (SessionHandle, error) {
		m.mx.Lock()
		defer m.mx.Unlock()
		inst, ok := m.instances[name]
		if !ok {
			return nil, ErrNoSuchInstance
		}
		return inst.session, nil
	}()
	if err != nil {
		return false, err
	}
	if sessCopy == nil {
		return false, nil
	}
	return sessCopy.Alive(), nil
}

// SendCommand types one console line into an UP instance.  Best effort and
// gate-free; a vanished session triggers a liveness re-check on the next
// monitor pass rather than propagating raw.
func (m *Manager) SendCommand(name, line string) error {
	m.mx.Lock()
	inst, ok := m.instances[name]
	if !ok {
		m.mx.Unlock()
		return ErrNoSuchInstance
	}
	if inst.orphaned {
		m.mx.Unlock()
		return ErrOrphaned
	}
	sess := inst.session
	m.mx.Unlock()
	if sess == nil {
		return ErrNotRunning
	}
	if err := sess.SendLine(line); err != nil {
		if errors.Is(err, session.ErrSessionGone) {
			return ErrSessionGone
		}
		return err
	}
	m.mx.Lock()
	m.appendEventLocked(inst, OpConsole, Success, line)
	m.mx.Unlock()
	return nil
}

// ConsoleTail returns the last lines of console output for an instance
// with a live session.
func (m *Manager) ConsoleTail(name string, lines int) (string, error) {
	m.mx.Lock()
	inst, ok := m.instances[name]
	if !ok {
		m.mx.Unlock()
		return "", ErrNoSuchInstance
	}
	sess := inst.session
	m.mx.Unlock()
	if sess == nil {
		return "", ErrNotRunning
	}
	return sess.Tail(lines)
}

// StartMonitoring begins the background liveness sweep.
func (m *Manager) StartMonitoring() {
	m.mx.Lock()
	already := m.monitoring
	m.monitoring = true
	m.mx.Unlock()
	if !already {
		m.logf("*** %s: monitoring started ***", m.name)
		go m.monitor()
	}
}

// StopMonitoring pauses the background sweep.
func (m *Manager) StopMonitoring() {
	m.mx.Lock()
	m.monitoring = false
	m.mx.Unlock()
}

// selfHealLimit caps automatic restarts per instance within the window, so
// a crash-looping server does not get restarted forever.
const (
	selfHealLimit  = 3
	selfHealWindow = 10 * time.Minute
)

func (m *Manager) monitor() {
	for {
		m.mx.Lock()
		if m.cleanup {
			m.mx.Unlock()
			return
		}
		run := m.monitoring
		var names []string
		if run {
			for name := range m.instances {
				names = append(names, name)
			}
		}
		m.mx.Unlock()

		for _, name := range names {
			m.checkInstance(name)
		}

		// A prime number of milliseconds spreads the wakeups out.
		time.Sleep(time.Millisecond * 2003)
	}
}

// checkInstance notices a session that exited out from under an UP
// instance, marks it down, and (when the definition asks for it) attempts
// a rate-limited restart.
func (m *Manager) checkInstance(name string) {
	m.mx.Lock()
	inst, ok := m.instances[name]
	if !ok || inst.state != Up || inst.session == nil {
		m.mx.Unlock()
		return
	}
	sess := inst.session
	m.mx.Unlock()

	if sess.Alive() {
		return
	}

	// Confirm under the gate so we do not race a stop that is midway
	// through.  A busy gate means an operation owns the instance; leave
	// it alone.
	if !inst.gate.TryLock() {
		return
	}
	m.mx.Lock()
	if inst.state != Up || inst.session == nil || inst.session.Alive() {
		m.mx.Unlock()
		inst.gate.Unlock()
		return
	}
	inst.state = Down
	inst.session = nil
	inst.stamp = time.Now()
	inst.serial = m.bumpSerial()
	m.appendEventLocked(inst, OpCheck, Failure, "session exited unexpectedly")
	restart := inst.def.Restart && m.healAllowedLocked(inst)
	m.mx.Unlock()
	inst.gate.Unlock()

	if restart {
		m.logf("[%s] self-heal: restarting", name)
		m.Do(name, OpStart, Params{})
	}
}

// healAllowedLocked applies the self-heal rate limit.  Call with the
// manager lock held.
func (m *Manager) healAllowedLocked(inst *Instance) bool {
	now := time.Now()
	cutoff := now.Add(-selfHealWindow)
	kept := inst.starts[:0]
	for _, t := range inst.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	inst.starts = kept
	if len(inst.starts) >= selfHealLimit {
		return false
	}
	inst.starts = append(inst.starts, now)
	return true
}

// Shutdown stops monitoring and gracefully stops every UP instance.  The
// context bounds the whole shutdown; instances that cannot stop in time
// are force-killed by their own stop logic.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mx.Lock()
	m.monitoring = false
	m.cleanup = true
	var names []string
	for name, inst := range m.instances {
		if inst.state == Up {
			names = append(names, name)
		}
	}
	m.mx.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := m.Do(name, OpStop, Params{}); err != nil {
				m.logf("[%s] shutdown stop rejected: %v", name, err)
			}
		}(name)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	m.logf("*** %s: shut down ***", m.name)
}
