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

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"proxyfs/internal/common"
	"proxyfs/internal/util"
)

// Client is the proxy's connection to the origin server. It keeps one
// TCP connection and serializes request/response pairs on it.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the origin server at addr, retrying with backoff so
// proxy and origin can start in either order.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := util.RetryWithResult(ctx, func() (net.Conn, error) {
		return net.Dial("tcp", addr)
	}, util.DialRetryOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to origin %s: %w", addr, err)
	}
	log.Debugf("rpc: connected to origin %s", addr)
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(req); err != nil {
		return nil, err
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("origin closed connection")
		}
		return nil, err
	}
	return &resp, nil
}

// Fetch asks the origin for a chunk of path starting at offset, letting
// it skip the transfer when knownVersion is current.
func (c *Client) Fetch(path string, mode common.OpenMode, knownVersion, offset int64) (*Response, error) {
	return c.call(&Request{
		Type:         RequestFetch,
		Path:         path,
		Mode:         mode,
		KnownVersion: knownVersion,
		Offset:       offset,
	})
}

// Write sends one chunk of write-back data. A chunk at offset 0 starts a
// new origin version; the returned version is negative on origin errors.
func (c *Client) Write(path string, data []byte, offset int64) (int64, error) {
	resp, err := c.call(&Request{
		Type:   RequestWrite,
		Path:   path,
		Data:   data,
		Offset: offset,
	})
	if err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// Unlink deletes the origin copy of path.
func (c *Client) Unlink(path string) (int, error) {
	resp, err := c.call(&Request{Type: RequestUnlink, Path: path})
	if err != nil {
		return 0, err
	}
	return resp.Result, nil
}
