// Copyright 2025 ProxyFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"proxyfs/internal/common"
)

// Request types of the client-facing protocol. One TCP connection is one
// client session; the proxy closes all of the session's handles when the
// connection drops.
const (
	RequestOpen   = "open"
	RequestRead   = "read"
	RequestWrite  = "write"
	RequestClose  = "close"
	RequestLseek  = "lseek"
	RequestUnlink = "unlink"
)

// Request represents one client operation.
type Request struct {
	Type   string          `json:"type"`
	Path   string          `json:"path,omitempty"`
	Mode   common.OpenMode `json:"mode,omitempty"`
	FD     int             `json:"fd,omitempty"`
	Count  int             `json:"count,omitempty"` // read: requested byte count
	Data   []byte          `json:"data,omitempty"`  // write payload
	Pos    int64           `json:"pos,omitempty"`
	Whence common.Whence   `json:"whence,omitempty"`
}

// Response carries the operation result: a handle, byte count or new
// position on success, a negative errno on failure. Read responses also
// carry the bytes.
type Response struct {
	Result int64  `json:"result"`
	Data   []byte `json:"data,omitempty"`
}

// Client speaks the client-facing protocol. It is the Go client library
// for the proxy; each Client is one session.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Connect opens a session with the proxy at addr.
func Connect(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Close ends the session. The proxy closes any handles left open,
// propagating unwritten data to the origin.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(req); err != nil {
		return nil, err
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("proxy closed connection")
		}
		return nil, err
	}
	return &resp, nil
}

// Open opens path in the given mode. Returns a handle, or a negative
// errno.
func (c *Client) Open(path string, mode common.OpenMode) (int, error) {
	resp, err := c.send(&Request{Type: RequestOpen, Path: path, Mode: mode})
	if err != nil {
		return 0, err
	}
	return int(resp.Result), nil
}

// Read reads up to len(buf) bytes from the handle into buf. Returns the
// byte count, 0 at EOF, or a negative errno.
func (c *Client) Read(fd int, buf []byte) (int64, error) {
	resp, err := c.send(&Request{Type: RequestRead, FD: fd, Count: len(buf)})
	if err != nil {
		return 0, err
	}
	if resp.Result > 0 {
		copy(buf, resp.Data)
	}
	return resp.Result, nil
}

// Write writes data at the handle's current position. Returns the byte
// count or a negative errno.
func (c *Client) Write(fd int, data []byte) (int64, error) {
	resp, err := c.send(&Request{Type: RequestWrite, FD: fd, Data: data})
	if err != nil {
		return 0, err
	}
	return resp.Result, nil
}

// CloseFile closes the handle. Returns 0 or a negative errno.
func (c *Client) CloseFile(fd int) (int, error) {
	resp, err := c.send(&Request{Type: RequestClose, FD: fd})
	if err != nil {
		return 0, err
	}
	return int(resp.Result), nil
}

// Lseek repositions the handle. Returns the new position or a negative
// errno.
func (c *Client) Lseek(fd int, pos int64, whence common.Whence) (int64, error) {
	resp, err := c.send(&Request{Type: RequestLseek, FD: fd, Pos: pos, Whence: whence})
	if err != nil {
		return 0, err
	}
	return resp.Result, nil
}

// Unlink deletes the origin copy of path. Returns 0 or a negative errno.
func (c *Client) Unlink(path string) (int, error) {
	resp, err := c.send(&Request{Type: RequestUnlink, Path: path})
	if err != nil {
		return 0, err
	}
	return int(resp.Result), nil
}
