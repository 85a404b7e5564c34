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

// Package mcvisor provides lifecycle and backup management for game
// server instances.  Each instance is a long-running server process held
// in a detached terminal session, so the process survives the manager and
// an operator can still attach to its console directly.
//
// The manager serializes state-changing operations per instance: while a
// start, stop, backup, archive, or restore is in flight, a second request
// for the same instance is rejected immediately rather than queued.
// Reads (state, cached status, console output) are never blocked by an
// operation in flight.  Every operation resolves to exactly one event
// record with a Success, Failure, Warning, or Cancelled outcome.
//
// Protection of instance data takes two forms: an incremental snapshot
// chain with content-addressed storage and retention-based pruning, and
// self-contained compressed archives with digest verification.  Both may
// be taken while the instance is up; the manager asks a live server to
// pause world writes for the duration.
//
// An instance of the manager may be deployed using Go's HTTP handler
// framework, so that it is possible to register the manager within an
// existing server instance.
package mcvisor
