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
	"sync"
	"time"
)

const MaxEventRecords = 1000

// EventRecord is one append-only entry in an instance's event log: which
// operation ran, how it ended, and a display-ready detail message.
type EventRecord struct {
	ID       int64     `json:"id,string"`
	Time     time.Time `json:"time"`
	Instance string    `json:"instance"`
	Op       Operation `json:"op"`
	Outcome  Outcome   `json:"outcome"`
	Detail   string    `json:"detail,omitempty"`
}

// EventLog is a bounded, append-only record of operation outcomes.  Record
// IDs increase monotonically and never repeat, so they double as cache
// validators (Etags) and as resume cursors for tail-following readers.
type EventLog struct {
	records    []EventRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

// NewEventLog returns an empty event log.  IDs are seeded from the clock so
// that a restarted daemon invalidates any cursor a client held before.
func NewEventLog() *EventLog {
	return &EventLog{
		maxRecords: MaxEventRecords,
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
}

// Append records one terminal outcome and wakes any watchers.
func (l *EventLog) Append(instance string, op Operation, outcome Outcome, detail string) EventRecord {
	l.mx.Lock()
	if l.records == nil {
		l.records = make([]EventRecord, l.maxRecords)
		l.numRecords = 0
	}
	l.id++
	rec := EventRecord{
		ID:       l.id,
		Time:     time.Now(),
		Instance: instance,
		Op:       op,
		Outcome:  outcome,
		Detail:   detail,
	}
	l.records[l.numRecords%l.maxRecords] = rec
	l.numRecords++
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
	return rec
}

// GetRecords returns the retained records along with the current cursor.
// If last matches the cursor then nothing has changed and nil is returned
// immediately; this makes the cursor usable as an Etag.
func (l *EventLog) GetRecords(last int64) ([]EventRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	return l.tailLocked(0), l.id
}

// Since returns the records appended after the given ID, oldest first.  A
// caller replaying from the start passes 0.  Records that have already been
// overwritten by the ring are silently absent.
func (l *EventLog) Since(after int64) ([]EventRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	recs := l.tailLocked(after)
	return recs, l.id
}

func (l *EventLog) tailLocked(after int64) []EventRecord {
	cnt := l.numRecords
	if cnt > l.maxRecords {
		cnt = l.maxRecords
	}
	recs := make([]EventRecord, 0, cnt)
	for i := l.numRecords - cnt; i < l.numRecords; i++ {
		r := l.records[i%l.maxRecords]
		if r.ID > after {
			recs = append(recs, r)
		}
	}
	return recs
}

// Watch blocks until the log has a record newer than last, or until expire
// elapses.  It returns the current cursor; an unchanged cursor means the
// wait timed out.  A zero expire is an immediate poll.
func (l *EventLog) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&l.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			cv.Broadcast()
			l.mx.Unlock()
		})
	} else {
		expired = true
	}

	l.mx.Lock()
	l.cvs[cv] = true
	for {
		if l.id != last || expired {
			break
		}
		cv.Wait()
	}
	delete(l.cvs, cv)
	last = l.id
	l.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}
