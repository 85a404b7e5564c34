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
	"regexp"
	"strconv"
	"time"
)

// State is the lifecycle state of an instance.  Down and Up are the stable
// states; every other state is transient and resolves back to a stable state
// before another operation is accepted.
type State int

const (
	Down State = iota
	Starting
	Up
	Stopping
	BackingUp
	Archiving
	Restoring
)

var stateNames = map[State]string{
	Down:      "down",
	Starting:  "starting",
	Up:        "up",
	Stopping:  "stopping",
	BackingUp: "backing_up",
	Archiving: "archiving",
	Restoring: "restoring",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Stable reports whether the state is one an operation may begin from.
func (s State) Stable() bool {
	return s == Down || s == Up
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Operation names the state-changing (and auditable) calls an instance
// accepts.  These appear verbatim in event log entries and REST paths.
type Operation string

const (
	OpStart          Operation = "start"
	OpStop           Operation = "stop"
	OpRestart        Operation = "restart"
	OpKill           Operation = "kill"
	OpBackup         Operation = "backup"
	OpArchive        Operation = "archive"
	OpRestore        Operation = "restore"
	OpPrune          Operation = "prune"
	OpPruneArchives  Operation = "prune_archives"
	OpExtractArchive Operation = "extract_archive"
	OpConsole        Operation = "console"
	OpCheck          Operation = "check"
)

// Outcome is the terminal result of an operation as recorded in the event
// log.  A forced kill after a graceful timeout is a Warning, not a Failure.
type Outcome string

const (
	Success   Outcome = "success"
	Failure   Outcome = "failure"
	Warning   Outcome = "warning"
	Cancelled Outcome = "cancelled"
)

// InstanceDefinition describes one managed game server.  Definitions are
// immutable; a reload replaces the definition wholesale rather than mutating
// it in place.
type InstanceDefinition struct {
	// Name uniquely identifies the instance.  Alphanumerics, dash and
	// underscore only.
	Name string `toml:"name" json:"name"`

	// DataDir is the server's working directory: the world, settings, and
	// everything backups and archives capture.
	DataDir string `toml:"data_dir" json:"dataDir"`

	// BackupDir holds the incremental snapshot chain.
	BackupDir string `toml:"backup_dir" json:"backupDir"`

	// ArchiveDir holds full tar.gz archives.
	ArchiveDir string `toml:"archive_dir" json:"archiveDir"`

	// Command is the server invocation, argv style.  If empty, a java
	// command line is synthesized from Jar and the memory settings.
	Command []string `toml:"command" json:"command"`

	// Jar names the server jar inside DataDir, used when Command is empty.
	Jar string `toml:"jar" json:"jar,omitempty"`

	// JavaXmxMB and JavaXmsMB bound the heap when the command line is
	// synthesized from Jar.
	JavaXmxMB int `toml:"java_xmx_mb" json:"javaXmxMB,omitempty"`
	JavaXmsMB int `toml:"java_xms_mb" json:"javaXmsMB,omitempty"`

	// StopCommand is the console line that asks the server to shut down
	// cleanly.  Defaults to "stop".
	StopCommand string `toml:"stop_command" json:"stopCommand,omitempty"`

	// StopTimeoutSecs bounds how long a graceful stop may take before the
	// session is force-killed.  Defaults to 30 seconds.
	StopTimeoutSecs int `toml:"stop_timeout_secs" json:"stopTimeoutSecs,omitempty"`

	// Address and Port are where the status protocol can reach the server.
	Address string `toml:"address" json:"address"`
	Port    int    `toml:"port" json:"port"`

	// Restart requests that the monitor restart the server if its session
	// exits without a stop having been asked for.
	Restart bool `toml:"restart" json:"restart"`
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Valid performs the structural checks done before any lock is taken.
func (d *InstanceDefinition) Valid() error {
	if !nameRe.MatchString(d.Name) {
		return ErrBadInstanceName
	}
	return nil
}

// CommandLine returns the argv to run, synthesizing a java invocation when
// no explicit command was configured.  This mirrors how stock server jars
// are launched.
func (d *InstanceDefinition) CommandLine() []string {
	if len(d.Command) != 0 {
		return d.Command
	}
	xmx, xms := d.JavaXmxMB, d.JavaXmsMB
	if xmx == 0 {
		xmx = 1024
	}
	if xms == 0 {
		xms = xmx / 2
	}
	jar := d.Jar
	if jar == "" {
		jar = "server.jar"
	}
	return []string{
		"java", "-server",
		"-Xmx" + strconv.Itoa(xmx) + "M",
		"-Xms" + strconv.Itoa(xms) + "M",
		"-jar", jar, "nogui",
	}
}

func (d *InstanceDefinition) stopCommand() string {
	if d.StopCommand != "" {
		return d.StopCommand
	}
	return "stop"
}

func (d *InstanceDefinition) stopTimeout() time.Duration {
	if d.StopTimeoutSecs > 0 {
		return time.Duration(d.StopTimeoutSecs) * time.Second
	}
	return 30 * time.Second
}

// StatusSnapshot is the last observation from the status protocol, labeled
// with the lifecycle state it was taken under so a reader can tell a stale
// snapshot from a current one.
type StatusSnapshot struct {
	Players    int           `json:"players"`
	MaxPlayers int           `json:"maxPlayers"`
	MOTD       string        `json:"motd"`
	Version    string        `json:"version,omitempty"`
	Latency    time.Duration `json:"latency"`
	When       time.Time     `json:"when"`
	SeenState  State         `json:"seenState"`
}

// OpResult records the terminal outcome of the most recent operation.
type OpResult struct {
	ID      string    `json:"id"`
	Op      Operation `json:"op"`
	Outcome Outcome   `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	When    time.Time `json:"when"`
}

// InstanceInfo is a consistent, read-only view of one instance's runtime
// state, suitable for serialization.
type InstanceInfo struct {
	Name       string              `json:"name"`
	State      State               `json:"state"`
	Orphaned   bool                `json:"orphaned,omitempty"`
	Definition *InstanceDefinition `json:"definition,omitempty"`
	Status     *StatusSnapshot     `json:"status,omitempty"`
	LastResult *OpResult           `json:"lastResult,omitempty"`
	Serial     int64               `json:"serial,string"`
	TimeStamp  time.Time           `json:"tstamp"`
}
