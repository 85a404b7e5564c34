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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mcvisor/mcvisor"
	"github.com/mcvisor/mcvisor/archive"
	"github.com/mcvisor/mcvisor/backup"
)

// EventsInfo is a retained window of event records plus the cursor that
// makes WatchEvents a cheap no-change wait.
type EventsInfo struct {
	name    string
	etag    string
	Records []mcvisor.EventRecord
}

// Client talks to a remote manager.  It caches instance views and event
// windows keyed by etag, so watch calls only transfer on change.
type Client struct {
	user   string // HTTP Basic-Auth
	pass   string
	base   string // URI to root of tree on server
	auth   bool
	client *http.Client

	// Cached data
	instances map[string]*instanceCache
	names     []string
	etag      string // etag for the list of instances
	events    map[string]*EventsInfo
	lock      sync.Mutex
}

type instanceCache struct {
	info *mcvisor.InstanceInfo
	etag string
}

// NewClient returns a Client handle.  The transport may be nil to use a
// default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t http.RoundTripper, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base:      baseURI,
		client:    &http.Client{Transport: t},
		instances: make(map[string]*instanceCache),
		events:    make(map[string]*EventsInfo),
	}
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) url(name string) string {
	if name == "" {
		return c.base + "/instances"
	}
	return c.base + "/instances/" + url.QueryEscape(name)
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error
// will be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait time.Duration, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", url, nil)
	if e != nil {
		return "", e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader,
				strconv.Itoa(int(wait/time.Second)))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", decodeError(res)
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return "", e
	}
	if e := json.Unmarshal(body, v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

// decodeError prefers the server's JSON error body, falling back to the
// bare status.
func decodeError(res *http.Response) error {
	e := &Error{Code: res.StatusCode, Message: res.Status}
	if body, err := io.ReadAll(res.Body); err == nil {
		var je Error
		if json.Unmarshal(body, &je) == nil && je.Message != "" {
			e.Message = je.Message
		}
	}
	return e
}

func (c *Client) post(ctx context.Context, url string, body, v interface{}) error {
	var rd io.Reader
	if body != nil {
		b, e := json.Marshal(body)
		if e != nil {
			return e
		}
		rd = bytes.NewReader(b)
	}
	req, e := http.NewRequestWithContext(ctx, "POST", url, rd)
	if e != nil {
		return e
	}
	req.Header.Set("Content-Type", mimeJson)
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	default:
		return decodeError(res)
	}
	if v != nil {
		return json.NewDecoder(res.Body).Decode(v)
	}
	return nil
}

func (c *Client) pollInstances(ctx context.Context, wait time.Duration) ([]string, error) {
	v := []string{}

	c.lock.Lock()
	otag := c.etag
	onames := c.names
	c.lock.Unlock()

	etag, e := c.poll(ctx, c.url(""), otag, wait, &v)
	if e != nil {
		return nil, e
	}
	if etag == "" {
		return onames, nil
	}
	c.lock.Lock()
	c.etag = etag
	c.names = v
	c.lock.Unlock()
	return v, nil
}

// Instances returns the instance names.
func (c *Client) Instances(ctx context.Context) ([]string, error) {
	return c.pollInstances(ctx, 0)
}

// WatchInstances blocks until the set of instances changes, then returns
// the new list.
func (c *Client) WatchInstances(ctx context.Context) ([]string, error) {
	return c.pollInstances(ctx, maxPollTime)
}

func (c *Client) pollInstance(ctx context.Context, name string, wait time.Duration) (*mcvisor.InstanceInfo, error) {
	c.lock.Lock()
	cached, ok := c.instances[name]
	c.lock.Unlock()

	otag := ""
	if ok {
		otag = cached.etag
	} else {
		wait = 0
	}

	v := &mcvisor.InstanceInfo{}
	etag, e := c.poll(ctx, c.url(name), otag, wait, v)
	if e != nil {
		c.lock.Lock()
		delete(c.instances, name)
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		return cached.info, nil
	}
	c.lock.Lock()
	c.instances[name] = &instanceCache{info: v, etag: etag}
	c.lock.Unlock()
	return v, nil
}

// GetInstance returns one instance's view.
func (c *Client) GetInstance(ctx context.Context, name string) (*mcvisor.InstanceInfo, error) {
	return c.pollInstance(ctx, name, 0)
}

// WatchInstance blocks until the instance changes state, then returns the
// new view.
func (c *Client) WatchInstance(ctx context.Context, name string) (*mcvisor.InstanceInfo, error) {
	return c.pollInstance(ctx, name, maxPollTime)
}

func (c *Client) postOp(ctx context.Context, name string, op mcvisor.Operation, req *OpRequest) (string, error) {
	var acc OpAccepted
	e := c.post(ctx, c.url(name)+"/"+string(op), req, &acc)
	if e != nil {
		return "", e
	}
	return acc.ID, nil
}

func (c *Client) StartInstance(ctx context.Context, name string) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpStart, nil)
}

func (c *Client) StopInstance(ctx context.Context, name string) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpStop, nil)
}

func (c *Client) RestartInstance(ctx context.Context, name string) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpRestart, nil)
}

func (c *Client) KillInstance(ctx context.Context, name string) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpKill, nil)
}

func (c *Client) BackupInstance(ctx context.Context, name string) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpBackup, nil)
}

func (c *Client) ArchiveInstance(ctx context.Context, name string) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpArchive, nil)
}

// RestoreInstance restores the instance's data from chain entry seq.  The
// instance must be down.
func (c *Client) RestoreInstance(ctx context.Context, name string, seq int64) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpRestore, &OpRequest{Seq: seq})
}

func (c *Client) PruneSnapshots(ctx context.Context, name string, pol backup.RetentionPolicy) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpPrune, &OpRequest{Retention: pol})
}

func (c *Client) PruneArchives(ctx context.Context, name string, keep int) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpPruneArchives, &OpRequest{Keep: keep})
}

// ExtractArchive restores the instance's data from a named full archive.
// The instance must be down.
func (c *Client) ExtractArchive(ctx context.Context, name, archiveName string) (string, error) {
	return c.postOp(ctx, name, mcvisor.OpExtractArchive, &OpRequest{Archive: archiveName})
}

// CancelOperation asks the in-flight operation on the instance to stop.
func (c *Client) CancelOperation(ctx context.Context, name string) error {
	return c.post(ctx, c.url(name)+"/cancel", nil, nil)
}

// Status reports both liveness signals for the instance: whether the
// session process exists, and the server's answer over its status port.
// With cached set, the manager's last snapshot is returned without
// touching the network on the far side.
func (c *Client) Status(ctx context.Context, name string, cached bool) (*StatusReply, error) {
	u := c.url(name) + "/status"
	if cached {
		u += "?cached=1"
	}
	v := &StatusReply{}
	if _, e := c.poll(ctx, u, "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) pollEvents(ctx context.Context, name string, wait time.Duration, last *EventsInfo) (*EventsInfo, error) {
	v := &EventsInfo{name: name}

	c.lock.Lock()
	cached, ok := c.events[name]
	c.lock.Unlock()

	otag := ""
	if last == nil {
		wait = 0
	} else if ok && last.etag != cached.etag {
		wait = 0
		otag = cached.etag
	} else {
		otag = last.etag
	}

	u := c.url(name) + "/events"
	if name == "" {
		u = c.base + "/events"
	}
	etag, e := c.poll(ctx, u, otag, wait, &v.Records)
	if e != nil {
		c.lock.Lock()
		delete(c.events, name)
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		if cached != nil {
			return cached, nil
		}
		return last, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.events[name] = v
	c.lock.Unlock()
	return v, nil
}

// Events returns the instance's retained event window.  An empty name
// selects the manager's merged feed.
func (c *Client) Events(ctx context.Context, name string) (*EventsInfo, error) {
	return c.pollEvents(ctx, name, 0, nil)
}

// WatchEvents blocks until the event log moves past last, then returns
// the new window.
func (c *Client) WatchEvents(ctx context.Context, name string, last *EventsInfo) (*EventsInfo, error) {
	return c.pollEvents(ctx, name, maxPollTime, last)
}

// Console returns the last lines of the instance's console output.
func (c *Client) Console(ctx context.Context, name string, lines int) (string, error) {
	u := c.url(name) + "/console"
	if lines > 0 {
		u += "?lines=" + strconv.Itoa(lines)
	}
	v := &ConsoleOutput{}
	if _, e := c.poll(ctx, u, "", 0, v); e != nil {
		return "", e
	}
	return v.Text, nil
}

// SendCommand types one line into the instance's console.
func (c *Client) SendCommand(ctx context.Context, name, line string) error {
	return c.post(ctx, c.url(name)+"/console", &ConsoleLine{Line: line}, nil)
}

// Snapshots lists the instance's incremental chain.
func (c *Client) Snapshots(ctx context.Context, name string) ([]backup.EntryInfo, error) {
	v := []backup.EntryInfo{}
	if _, e := c.poll(ctx, c.url(name)+"/snapshots", "", 0, &v); e != nil {
		return nil, e
	}
	return v, nil
}

// Archives lists the instance's full archives.
func (c *Client) Archives(ctx context.Context, name string) ([]archive.Record, error) {
	v := []archive.Record{}
	if _, e := c.poll(ctx, c.url(name)+"/archives", "", 0, &v); e != nil {
		return nil, e
	}
	return v, nil
}
