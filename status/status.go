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

// Package status implements the Minecraft "server list ping" exchange: the
// lightweight query a launcher uses to show player counts and the MOTD
// without joining the game.  A failed query is a typed result, not a raw
// error, because a server that refuses the query may simply still be
// starting up.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"
)

// FailReason classifies why a query produced no status.
type FailReason string

const (
	ReasonTimeout  FailReason = "timeout"
	ReasonRefused  FailReason = "refused"
	ReasonProtocol FailReason = "protocol_error"
)

// QueryError is the typed failure returned by Query.  Callers should treat
// it as "status unknown", not "server down"; process presence is the
// authoritative liveness signal.
type QueryError struct {
	Reason FailReason
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("status query failed (%s): %v", e.Reason, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Info is a successful status response.
type Info struct {
	Version    string        `json:"version"`
	Protocol   int           `json:"protocol"`
	MOTD       string        `json:"motd"`
	Players    int           `json:"players"`
	MaxPlayers int           `json:"maxPlayers"`
	Latency    time.Duration `json:"latency"`
}

// Client issues status queries.  The zero value uses a 5 second probe
// timeout.
type Client struct {
	Timeout time.Duration
}

func NewClient() *Client {
	return &Client{Timeout: 5 * time.Second}
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}

// Query performs the handshake and status request against host:port.  On
// failure it returns a *QueryError whose Reason distinguishes a dead socket
// from a server that answered garbage.
func (c *Client) Query(ctx context.Context, host string, port int) (*Info, error) {
	d := net.Dialer{Timeout: c.timeout()}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout()))

	start := time.Now()

	// Handshake: protocol version -1 (status-only probe), next state 1.
	var hs []byte
	hs = appendVarint(hs, 0x00)
	hs = appendVarint(hs, -1)
	hs = appendVarint(hs, int32(len(host)))
	hs = append(hs, host...)
	hs = append(hs, byte(port>>8), byte(port))
	hs = appendVarint(hs, 1)
	if err := writePacket(conn, hs); err != nil {
		return nil, classify(err)
	}

	// Status request: empty packet 0x00.
	if err := writePacket(conn, appendVarint(nil, 0x00)); err != nil {
		return nil, classify(err)
	}

	payload, err := readPacket(conn)
	if err != nil {
		return nil, classify(err)
	}
	latency := time.Since(start)

	id, payload, err := takeVarint(payload)
	if err != nil || id != 0x00 {
		return nil, protoErr(errors.New("unexpected response packet"))
	}
	slen, payload, err := takeVarint(payload)
	if err != nil || int(slen) > len(payload) {
		return nil, protoErr(errors.New("truncated status payload"))
	}

	info, err := parseStatus(payload[:slen])
	if err != nil {
		return nil, protoErr(err)
	}
	info.Latency = latency
	return info, nil
}

func classify(err error) *QueryError {
	// Framing errors arrive already classified.
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		return &QueryError{Reason: ReasonTimeout, Err: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &QueryError{Reason: ReasonRefused, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &QueryError{Reason: ReasonTimeout, Err: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &QueryError{Reason: ReasonProtocol, Err: err}
	default:
		return &QueryError{Reason: ReasonRefused, Err: err}
	}
}

func protoErr(err error) *QueryError {
	return &QueryError{Reason: ReasonProtocol, Err: err}
}

// statusJSON is the wire shape of the status response.  The description is
// either a bare string or a chat component tree, so it is parsed lazily.
type statusJSON struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Online int `json:"online"`
		Max    int `json:"max"`
	} `json:"players"`
	Description json.RawMessage `json:"description"`
}

func parseStatus(b []byte) (*Info, error) {
	var sj statusJSON
	if err := json.Unmarshal(b, &sj); err != nil {
		return nil, err
	}
	return &Info{
		Version:    sj.Version.Name,
		Protocol:   sj.Version.Protocol,
		MOTD:       motdText(sj.Description),
		Players:    sj.Players.Online,
		MaxPlayers: sj.Players.Max,
	}, nil
}

func motdText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var comp struct {
		Text  string `json:"text"`
		Extra []struct {
			Text string `json:"text"`
		} `json:"extra"`
	}
	if json.Unmarshal(raw, &comp) != nil {
		return ""
	}
	out := comp.Text
	for _, e := range comp.Extra {
		out += e.Text
	}
	return out
}

// Packet framing: every packet is a varint length followed by that many
// bytes.  Varints are the protocol's 7-bit little-endian encoding.

const maxPacketLen = 1 << 21 // generous; status payloads are small

func writePacket(w io.Writer, payload []byte) error {
	buf := appendVarint(nil, int32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readPacket(r io.Reader) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > maxPacketLen {
		// The peer is talking, just not this protocol.
		return nil, protoErr(fmt.Errorf("bad packet length %d", n))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func appendVarint(b []byte, v int32) []byte {
	u := uint32(v)
	for {
		if u&^0x7F == 0 {
			return append(b, byte(u))
		}
		b = append(b, byte(u&0x7F|0x80))
		u >>= 7
	}
}

func readVarint(r io.Reader) (int32, error) {
	var v uint32
	var one [1]byte
	for i := 0; i < 5; i++ {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return 0, err
		}
		v |= uint32(one[0]&0x7F) << (7 * i)
		if one[0]&0x80 == 0 {
			return int32(v), nil
		}
	}
	return 0, protoErr(errors.New("varint too long"))
}

func takeVarint(b []byte) (int32, []byte, error) {
	var v uint32
	for i := 0; i < 5 && i < len(b); i++ {
		v |= uint32(b[i]&0x7F) << (7 * i)
		if b[i]&0x80 == 0 {
			return int32(v), b[i+1:], nil
		}
	}
	return 0, nil, errors.New("varint too long")
}
