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
	"errors"
	"fmt"
)

var (
	ErrNoSuchInstance  = errors.New("No such instance")
	ErrOrphaned        = errors.New("Instance removed from definitions")
	ErrOpInProgress    = errors.New("Operation already in progress")
	ErrAlreadyRunning  = errors.New("Session already running")
	ErrNotRunning      = errors.New("Instance is not running")
	ErrBadOperation    = errors.New("Unknown operation")
	ErrBadInstanceName = errors.New("Bad instance name")
	ErrSessionGone     = errors.New("Session no longer exists")
	ErrNoOperation     = errors.New("No operation in flight")
	ErrMustBeDown      = errors.New("Instance must be down")
	ErrNoSuchArchive   = errors.New("No such archive")
)

// OpError is the failure reported for a lifecycle operation.  It wraps the
// underlying cause and carries enough context that Error() is suitable for
// direct display to a user.
type OpError struct {
	Instance string
	Op       Operation
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Instance, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
