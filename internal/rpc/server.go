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
	"encoding/json"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"proxyfs/internal/common"
)

// Server accepts proxy connections and dispatches their requests to a
// Handler. Each connection carries any number of request/response pairs.
type Server struct {
	listener net.Listener
	handler  Handler
}

// NewServer creates an RPC server around handler.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// Start begins listening on addr (e.g. "127.0.0.1:9090") and accepting
// connections in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	go s.accept()
	return nil
}

// Addr returns the bound listen address. Useful when addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting connections.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return // disconnect or garbage
		}
		resp := s.dispatch(&req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *Request) *Response {
	switch req.Type {
	case RequestFetch:
		return s.handler.Fetch(req.Path, req.Mode, req.KnownVersion, req.Offset)
	case RequestWrite:
		return &Response{Valid: true, Version: s.handler.Write(req.Path, req.Data, req.Offset)}
	case RequestUnlink:
		return &Response{Valid: true, Result: s.handler.Unlink(req.Path)}
	default:
		log.Warnf("rpc: unknown request type %q", req.Type)
		return Invalid(common.EINVAL)
	}
}
