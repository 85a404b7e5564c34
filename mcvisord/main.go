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

// mcvisord is the instance manager daemon.  It loads TOML instance
// definitions from a directory, supervises the matching server sessions,
// and exposes the management API over HTTP.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/mcvisor/mcvisor"
	"github.com/mcvisor/mcvisor/rest"
	"github.com/mcvisor/mcvisor/session"
)

var (
	addr     = "127.0.0.1:8480"
	dir      = "."
	name     = "mcvisord"
	lockPath = ""
	monitor  = true
)

// reloadDebounce coalesces the burst of fsnotify events an editor save
// produces into one reload.
const reloadDebounce = 500 * time.Millisecond

func main() {
	root := &cobra.Command{
		Use:   "mcvisord",
		Short: "Game server instance manager daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run()
		},
	}
	root.Flags().StringVarP(&addr, "addr", "a", addr, "listen address")
	root.Flags().StringVarP(&dir, "dir", "d", dir, "definitions directory")
	root.Flags().StringVarP(&name, "name", "n", name, "manager name")
	root.Flags().StringVar(&lockPath, "lock", "", "daemon lock file (default <dir>/.mcvisord.lock)")
	root.Flags().BoolVar(&monitor, "monitor", monitor, "monitor session liveness")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// One daemon per definitions directory.
	if lockPath == "" {
		lockPath = filepath.Join(dir, ".mcvisord.lock")
	}
	lock := flock.New(lockPath)
	held, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !held {
		logger.Error("another mcvisord holds the lock", "path", lockPath)
		os.Exit(1)
	}
	defer func() { _ = lock.Unlock() }()

	m, err := mcvisor.NewManager(mcvisor.Config{Name: name})
	if err != nil {
		return err
	}
	defs, err := reload(m, logger)
	if err != nil {
		return err
	}
	warnUnmanaged(defs, logger)
	if monitor {
		m.StartMonitoring()
	}

	// Re-read definitions when the directory changes.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	go watchDefinitions(watcher, m, logger)

	srv := &http.Server{Addr: addr, Handler: rest.NewHandler(m)}
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			logger.Info("SIGHUP: reloading definitions")
			if _, err := reload(m, logger); err != nil {
				logger.Error("reload failed", "error", err)
			}
			continue
		}
		break
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	srv.Shutdown(ctx)
	m.Shutdown(ctx)
	return nil
}

func reload(m *mcvisor.Manager, logger *slog.Logger) ([]mcvisor.InstanceDefinition, error) {
	defs, errs := mcvisor.LoadDefinitionDir(dir)
	for _, e := range errs {
		logger.Warn("definition skipped", "error", e)
	}
	if err := m.Reload(defs); err != nil {
		return nil, err
	}
	logger.Info("definitions loaded", "count", len(defs))
	return defs, nil
}

// warnUnmanaged reports sessions that exist under our prefix but match no
// definition; they keep running, unmanaged, until an operator deals with
// them.
func warnUnmanaged(defs []mcvisor.InstanceDefinition, logger *slog.Logger) {
	tm, err := session.NewTmux()
	if err != nil {
		return
	}
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Name] = true
	}
	for _, name := range tm.List() {
		if !known[name] {
			logger.Warn("unmanaged session", "instance", name)
		}
	}
}

func watchDefinitions(w *fsnotify.Watcher, m *mcvisor.Manager, logger *slog.Logger) {
	var timer *time.Timer
	for {
		select {
		case ev, open := <-w.Events:
			if !open {
				return
			}
			if filepath.Ext(ev.Name) != ".toml" {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if _, err := reload(m, logger); err != nil {
					logger.Error("reload failed", "error", err)
				}
			})
		case err, open := <-w.Errors:
			if !open {
				return
			}
			logger.Warn("definitions watch", "error", err)
		}
	}
}
