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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/mcvisor/mcvisor"
	"github.com/mcvisor/mcvisor/status"
)

// maxPollTime caps how long the server will hold a long poll, regardless
// of what the client asked for.
const maxPollTime = 300 * time.Second

// Handler wraps a Manager, adding http.Handler functionality.
type Handler struct {
	m  *mcvisor.Manager
	r  *mux.Router
	up websocket.Upgrader
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// toError maps the lifecycle sentinels onto HTTP status codes.
func toError(err error) *Error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, mcvisor.ErrNoSuchInstance),
		errors.Is(err, mcvisor.ErrNoSuchArchive):
		code = http.StatusNotFound
	case errors.Is(err, mcvisor.ErrOpInProgress):
		code = http.StatusConflict
	case errors.Is(err, mcvisor.ErrOrphaned):
		code = http.StatusGone
	case errors.Is(err, mcvisor.ErrMustBeDown),
		errors.Is(err, mcvisor.ErrBadOperation),
		errors.Is(err, mcvisor.ErrBadInstanceName),
		errors.Is(err, mcvisor.ErrNotRunning),
		errors.Is(err, mcvisor.ErrAlreadyRunning),
		errors.Is(err, mcvisor.ErrNoOperation):
		code = http.StatusBadRequest
	case errors.Is(err, mcvisor.ErrSessionGone):
		code = http.StatusBadGateway
	}
	var qe *status.QueryError
	if errors.As(err, &qe) {
		code = http.StatusBadGateway
	}
	return &Error{Code: code, Message: err.Error()}
}

// pollArg extracts the long-poll parameters, if the request carries them.
func pollArg(r *http.Request) (etag string, wait time.Duration) {
	etag = r.Header.Get(PollEtagHeader)
	if etag == "" {
		return "", 0
	}
	secs, err := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if err != nil || secs <= 0 {
		return "", 0
	}
	wait = time.Duration(secs) * time.Second
	if wait > maxPollTime {
		wait = maxPollTime
	}
	return etag, wait
}

// writeEtagJson emits v with an Etag, honoring If-None-Match.
func (h *Handler) writeEtagJson(w http.ResponseWriter, r *http.Request, etag int64, v interface{}) {
	tag := strconv.FormatInt(etag, 10)
	if r.Header.Get("If-None-Match") == tag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Etag", tag)
	h.writeJson(w, v)
}

func (h *Handler) getManager(w http.ResponseWriter, r *http.Request) {
	if etag, wait := pollArg(r); wait > 0 {
		if old, err := strconv.ParseInt(etag, 10, 64); err == nil {
			h.m.WatchSerial(old, wait)
		}
	}
	info := h.m.GetInfo()
	h.writeEtagJson(w, r, info.Serial, info)
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	if etag, wait := pollArg(r); wait > 0 {
		if old, err := strconv.ParseInt(etag, 10, 64); err == nil {
			h.m.WatchInstances(old, wait)
		}
	}
	infos := h.m.Instances()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	// A zero expiry reads the current list serial without blocking.
	h.writeEtagJson(w, r, h.m.WatchInstances(-1, 0), names)
}

func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	info, err := h.m.GetInstance(name)
	if err != nil {
		h.writeError(w, toError(err))
		return
	}
	if etag, wait := pollArg(r); wait > 0 {
		if old, err := strconv.ParseInt(etag, 10, 64); err == nil {
			// Any instance change bumps the global serial, so wait on
			// that and recheck until this instance actually moved.
			deadline := time.Now().Add(wait)
			for info.Serial == old && time.Now().Before(deadline) {
				global := h.m.Serial()
				if info, err = h.m.GetInstance(name); err != nil {
					h.writeError(w, toError(err))
					return
				}
				if info.Serial != old {
					break
				}
				h.m.WatchSerial(global, time.Until(deadline))
			}
		}
	}
	h.writeEtagJson(w, r, info.Serial, info)
}

func (h *Handler) opHandler(op mcvisor.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["instance"]
		var req OpRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				h.writeError(w, &Error{http.StatusBadRequest, err.Error()})
				return
			}
		}
		params := mcvisor.Params{
			Seq:       req.Seq,
			Keep:      req.Keep,
			Retention: req.Retention,
			Graceful:  time.Duration(req.GracefulSecs) * time.Second,
			Archive:   req.Archive,
		}
		id, err := h.m.RequestOperation(name, op, params)
		if err != nil {
			h.writeError(w, toError(err))
			return
		}
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(http.StatusAccepted)
		b, _ := json.Marshal(&OpAccepted{ID: id})
		w.Write(b)
	}
}

func (h *Handler) cancelOp(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	if err := h.m.Cancel(name); err != nil {
		h.writeError(w, toError(err))
		return
	}
	h.writeJson(w, ok)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	alive, err := h.m.Alive(name)
	if err != nil {
		h.writeError(w, toError(err))
		return
	}
	if r.URL.Query().Get("cached") != "" {
		snap, err := h.m.LastStatus(name)
		if err != nil {
			h.writeError(w, toError(err))
			return
		}
		h.writeJson(w, &StatusReply{Alive: alive, Snapshot: snap})
		return
	}
	snap, err := h.m.Query(r.Context(), name)
	if err != nil {
		// An unanswerable status port is an answer in itself; the
		// process-level signal still gets through.
		var qe *status.QueryError
		if errors.As(err, &qe) {
			h.writeJson(w, &StatusReply{Alive: alive, Error: qe.Error()})
			return
		}
		h.writeError(w, toError(err))
		return
	}
	h.writeJson(w, &StatusReply{Alive: alive, Snapshot: snap})
}

func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	if etag, wait := pollArg(r); wait > 0 {
		if last, err := strconv.ParseInt(etag, 10, 64); err == nil {
			if _, err := h.m.WatchEvents(name, last, wait); err != nil {
				h.writeError(w, toError(err))
				return
			}
		}
	}
	recs, cursor, err := h.m.Events(name, 0)
	if err != nil {
		h.writeError(w, toError(err))
		return
	}
	h.writeEtagJson(w, r, cursor, recs)
}

func (h *Handler) getManagerEvents(w http.ResponseWriter, r *http.Request) {
	if etag, wait := pollArg(r); wait > 0 {
		if last, err := strconv.ParseInt(etag, 10, 64); err == nil {
			h.m.WatchManagerEvents(last, wait)
		}
	}
	recs, cursor := h.m.ManagerEvents(0)
	h.writeEtagJson(w, r, cursor, recs)
}

func (h *Handler) getConsole(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	lines := 25
	if s := r.URL.Query().Get("lines"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			lines = n
		}
	}
	text, err := h.m.ConsoleTail(name, lines)
	if err != nil {
		h.writeError(w, toError(err))
		return
	}
	h.writeJson(w, &ConsoleOutput{Text: text})
}

func (h *Handler) postConsole(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	var req ConsoleLine
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &Error{http.StatusBadRequest, err.Error()})
		return
	}
	if err := h.m.SendCommand(name, req.Line); err != nil {
		h.writeError(w, toError(err))
		return
	}
	h.writeJson(w, ok)
}

func (h *Handler) getSnapshots(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	entries, err := h.m.Snapshots(name)
	if err != nil {
		h.writeError(w, toError(err))
		return
	}
	h.writeJson(w, entries)
}

func (h *Handler) getArchives(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	recs, err := h.m.Archives(name)
	if err != nil {
		h.writeError(w, toError(err))
		return
	}
	h.writeJson(w, recs)
}

// wsSink adapts a websocket connection into a log sink.  Writes after the
// peer goes away are swallowed; the read pump notices the close and
// detaches the sink.
type wsSink struct {
	c    *websocket.Conn
	dead bool
	mx   sync.Mutex
}

func (s *wsSink) Write(b []byte) (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.dead {
		return len(b), nil
	}
	if err := s.c.WriteMessage(websocket.TextMessage, b); err != nil {
		s.dead = true
	}
	return len(b), nil
}

// streamLog upgrades to a websocket and feeds the manager's text log to
// the peer until it disconnects.
func (h *Handler) streamLog(w http.ResponseWriter, r *http.Request) {
	c, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sink := &wsSink{c: c}
	h.m.Log().AddSink(sink)
	defer func() {
		h.m.Log().DelSink(sink)
		c.Close()
	}()
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(m *mcvisor.Manager) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r}
	r.HandleFunc("/", h.getManager).Methods("GET")
	r.HandleFunc("/events", h.getManagerEvents).Methods("GET")
	r.HandleFunc("/log/stream", h.streamLog).Methods("GET")
	r.HandleFunc("/instances", h.listInstances).Methods("GET")
	r.HandleFunc("/instances/{instance}", h.getInstance).Methods("GET")
	for _, op := range []mcvisor.Operation{
		mcvisor.OpStart, mcvisor.OpStop, mcvisor.OpRestart,
		mcvisor.OpKill, mcvisor.OpBackup, mcvisor.OpArchive,
		mcvisor.OpRestore, mcvisor.OpPrune, mcvisor.OpPruneArchives,
		mcvisor.OpExtractArchive,
	} {
		r.HandleFunc("/instances/{instance}/"+string(op),
			h.opHandler(op)).Methods("POST")
	}
	r.HandleFunc("/instances/{instance}/cancel", h.cancelOp).Methods("POST")
	r.HandleFunc("/instances/{instance}/status", h.getStatus).Methods("GET")
	r.HandleFunc("/instances/{instance}/events", h.getEvents).Methods("GET")
	r.HandleFunc("/instances/{instance}/console", h.getConsole).Methods("GET")
	r.HandleFunc("/instances/{instance}/console", h.postConsole).Methods("POST")
	r.HandleFunc("/instances/{instance}/snapshots", h.getSnapshots).Methods("GET")
	r.HandleFunc("/instances/{instance}/archives", h.getArchives).Methods("GET")
	return h
}
