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

// Package session runs game server processes inside detached tmux sessions
// so they outlive the controlling daemon.  One tmux session per instance,
// named "mc-<instance>"; the server's console stays attached to the pane,
// which is what lets a graceful shutdown be typed into it later.
package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSessionExists = errors.New("session already exists")
	ErrSessionGone   = errors.New("session does not exist")
	ErrNoTmux        = errors.New("tmux not found in PATH")
)

// namePrefix keeps mcvisor sessions distinguishable from anything else
// running under the same tmux server.
const namePrefix = "mc-"

// probeTimeout bounds every tmux liveness probe.
const probeTimeout = 2 * time.Second

// Tmux spawns and controls detached sessions by shelling out to the tmux
// binary.  The zero value is not usable; call NewTmux.
type Tmux struct {
	bin string
}

// NewTmux locates tmux in PATH.
func NewTmux() (*Tmux, error) {
	bin, err := exec.LookPath("tmux")
	if err != nil {
		return nil, ErrNoTmux
	}
	return &Tmux{bin: bin}, nil
}

func (t *Tmux) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, t.bin, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// SessionName returns the tmux session name used for an instance.
func SessionName(instance string) string {
	return namePrefix + instance
}

// Has reports whether a session for the instance exists.  The probe is
// bounded; it never blocks on a wedged tmux server.
func (t *Tmux) Has(instance string) bool {
	// "=" forces an exact match, not a prefix match.
	_, err := t.run("has-session", "-t", "="+SessionName(instance))
	return err == nil
}

// Start spawns the command inside a new detached session rooted at dir.
// It fails with ErrSessionExists if the instance already has one.
func (t *Tmux) Start(instance, dir string, command []string) (*Session, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}
	if t.Has(instance) {
		return nil, ErrSessionExists
	}
	args := []string{"new-session", "-d", "-s", SessionName(instance), "-c", dir, "--"}
	args = append(args, command...)
	if out, err := t.run(args...); err != nil {
		return nil, fmt.Errorf("tmux new-session: %v: %s", err, out)
	}
	return &Session{tmux: t, instance: instance}, nil
}

// Find returns a handle to an already-running session, if any.  This is how
// a restarted daemon reattaches to servers that kept running without it.
func (t *Tmux) Find(instance string) (*Session, bool) {
	if !t.Has(instance) {
		return nil, false
	}
	return &Session{tmux: t, instance: instance}, true
}

// List returns the instance names that currently have a session.
func (t *Tmux) List() []string {
	out, err := t.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No tmux server running means no sessions.
		return nil
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, namePrefix) {
			names = append(names, strings.TrimPrefix(line, namePrefix))
		}
	}
	return names
}

// Session is a handle to one instance's detached tmux session.
type Session struct {
	tmux     *Tmux
	instance string
}

// Name returns the tmux session name.
func (s *Session) Name() string {
	return SessionName(s.instance)
}

// Alive reports whether the session still exists.
func (s *Session) Alive() bool {
	return s.tmux.Has(s.instance)
}

// SendLine types one line of input into the server console, followed by a
// newline.  Best effort: ErrSessionGone if the session has gone away.
func (s *Session) SendLine(line string) error {
	target := "=" + s.Name()
	// -l sends the text literally so console commands with spaces or
	// semicolons are not interpreted as key names.
	if _, err := s.tmux.run("send-keys", "-t", target, "-l", line); err != nil {
		if !s.Alive() {
			return ErrSessionGone
		}
		return fmt.Errorf("tmux send-keys: %v", err)
	}
	if _, err := s.tmux.run("send-keys", "-t", target, "Enter"); err != nil {
		if !s.Alive() {
			return ErrSessionGone
		}
		return fmt.Errorf("tmux send-keys: %v", err)
	}
	return nil
}

// Tail captures the last lines of console output from the session's pane.
func (s *Session) Tail(lines int) (string, error) {
	if lines <= 0 {
		lines = 25
	}
	out, err := s.tmux.run("capture-pane", "-p",
		"-t", "="+s.Name(), "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		if !s.Alive() {
			return "", ErrSessionGone
		}
		return "", fmt.Errorf("tmux capture-pane: %v", err)
	}
	return out, nil
}

// Stop asks the server to shut down by sending stopCmd to its console, then
// polls liveness until graceful elapses or ctx is done, and finally kills
// the session if it is still there.  It reports whether force was needed.
func (s *Session) Stop(ctx context.Context, stopCmd string, graceful time.Duration) (forced bool, err error) {
	if !s.Alive() {
		return false, nil
	}
	if err := s.SendLine(stopCmd); err != nil {
		if errors.Is(err, ErrSessionGone) {
			return false, nil
		}
		// Could not reach the console; skip straight to the kill.
		return true, s.Kill()
	}

	deadline := time.Now().Add(graceful)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return true, s.Kill()
		case <-tick.C:
		}
		if !s.Alive() {
			return false, nil
		}
	}
	return true, s.Kill()
}

// Kill terminates the session immediately.  Idempotent: a session that is
// already gone is not an error.
func (s *Session) Kill() error {
	out, err := s.tmux.run("kill-session", "-t", "="+s.Name())
	if err != nil {
		if !s.Alive() {
			return nil
		}
		return fmt.Errorf("tmux kill-session: %v: %s", err, out)
	}
	return nil
}
