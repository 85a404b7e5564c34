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
	"github.com/mcvisor/mcvisor"
	"github.com/mcvisor/mcvisor/backup"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader and PollTimeHeader turn a GET into a long poll: the
	// server holds the request until the resource moves past the given
	// etag, or the given number of seconds elapses.
	PollEtagHeader = "X-Mcvisor-Etag"
	PollTimeHeader = "X-Mcvisor-Wait"
)

var ok struct{}

// Error is the JSON error body; it doubles as the client-side error type
// for any non-2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// OpRequest is the optional body of an operation POST.  Every field is
// meaningful only to some operations; the rest ignore them.
type OpRequest struct {
	Seq          int64                  `json:"seq,omitempty"`
	Keep         int                    `json:"keep,omitempty"`
	Retention    backup.RetentionPolicy `json:"retention,omitempty"`
	GracefulSecs int                    `json:"gracefulSecs,omitempty"`
	Archive      string                 `json:"archive,omitempty"`
}

// OpAccepted acknowledges an operation POST.  The ID ties event records
// and results back to this request.
type OpAccepted struct {
	ID string `json:"id"`
}

// StatusReply pairs the two liveness signals: whether the session process
// exists, and what the server said over its status port.  A running process
// with an unanswerable port is reported with Error set and Snapshot nil.
type StatusReply struct {
	Alive    bool                    `json:"alive"`
	Snapshot *mcvisor.StatusSnapshot `json:"snapshot,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// ConsoleLine is the body of a console POST.
type ConsoleLine struct {
	Line string `json:"line"`
}

// ConsoleOutput is the response to a console GET.
type ConsoleOutput struct {
	Text string `json:"text"`
}
