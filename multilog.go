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
	"io"
	"log"
	"sync"
)

// MultiLogger fans a single log.Logger out to any number of writer sinks.
// Sinks receive whole lines; a sink that returns an error is not removed,
// logging is strictly best effort.
type MultiLogger struct {
	log   *log.Logger
	sinks []io.Writer
	lock  sync.Mutex
}

func NewMultiLogger() *MultiLogger {
	m := &MultiLogger{}
	m.log = log.New(m, "", log.LstdFlags)
	return m
}

// Logger returns the logger that feeds the fan-out.
func (m *MultiLogger) Logger() *log.Logger {
	return m.log
}

// Write implements io.Writer for the contained logger.
func (m *MultiLogger) Write(b []byte) (int, error) {
	m.lock.Lock()
	for _, w := range m.sinks {
		w.Write(b)
	}
	m.lock.Unlock()
	return len(b), nil
}

// AddSink registers a destination.  Adding the same sink twice is a no-op.
func (m *MultiLogger) AddSink(w io.Writer) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, x := range m.sinks {
		if x == w {
			return
		}
	}
	m.sinks = append(m.sinks, w)
}

// DelSink removes a previously registered destination.
func (m *MultiLogger) DelSink(w io.Writer) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, x := range m.sinks {
		if x == w {
			m.sinks = append(m.sinks[:i], m.sinks[i+1:]...)
			return
		}
	}
}
