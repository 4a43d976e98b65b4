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

// Package proxy runs the caching proxy daemon: it owns the local cache
// and the origin connection, accepts client connections and gives each
// one its own session.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"proxyfs/internal/cache"
	"proxyfs/internal/common"
	"proxyfs/internal/rpc"
	"proxyfs/internal/session"
)

// Proxy is the caching proxy daemon.
type Proxy struct {
	cfg      *Config
	lock     *flock.Flock
	cache    *cache.Cache
	origin   *rpc.Client
	fds      *session.FDSource
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a proxy daemon from cfg.
func New(cfg *Config) *Proxy {
	return &Proxy{cfg: cfg, fds: session.NewFDSource()}
}

// Start brings the proxy up: locks the cache directory, connects to the
// origin and begins accepting clients. It returns once the listener is
// ready.
func (p *Proxy) Start(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.CacheDir, 0700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Two proxies must never share one cache directory.
	p.lock = flock.New(filepath.Join(p.cfg.CacheDir, ".lock"))
	locked, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("cache directory %s is in use by another proxy", p.cfg.CacheDir)
	}

	origin, err := rpc.Dial(ctx, p.cfg.ServerAddr())
	if err != nil {
		p.lock.Unlock()
		return err
	}
	p.origin = origin
	p.cache = cache.New(osfs.New(p.cfg.CacheDir), p.cfg.Capacity)

	listener, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		origin.Close()
		p.lock.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.Listen, err)
	}
	p.listener = listener
	log.Infof("proxy: serving %s (origin %s, cache %s, capacity %d)",
		listener.Addr(), p.cfg.ServerAddr(), p.cfg.CacheDir, p.cfg.Capacity)

	p.wg.Add(1)
	go p.accept()
	return nil
}

// Addr returns the client-facing listen address. Useful when the
// configured listen port was 0.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop shuts the proxy down: stops accepting, waits for client
// goroutines, closes the origin connection and releases the cache lock.
func (p *Proxy) Stop() {
	if p.listener != nil {
		p.listener.Close()
	}
	p.wg.Wait()
	if p.origin != nil {
		p.origin.Close()
	}
	if p.lock != nil {
		p.lock.Unlock()
	}
	log.Info("proxy: stopped")
}

// Run starts the proxy and blocks until SIGINT or SIGTERM.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("proxy: received signal %v, shutting down", sig)
	case <-ctx.Done():
	}
	p.Stop()
	return nil
}

func (p *Proxy) accept() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return // listener closed
		}
		p.wg.Add(1)
		go p.serveClient(conn)
	}
}

// serveClient runs one client session: requests are dispatched in order
// until the connection drops, then the session's remaining handles are
// closed through the normal close path.
func (p *Proxy) serveClient(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	id := uuid.NewString()[:8]
	s := session.New(id, p.cache, p.origin, p.fds)
	log.Debugf("proxy: client %s connected from %s", id, conn.RemoteAddr())
	defer func() {
		if n := s.OpenHandles(); n > 0 {
			log.Debugf("proxy: client %s left %d open handles", id, n)
		}
		s.Done()
		log.Debugf("proxy: client %s disconnected", id)
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		if err := enc.Encode(dispatch(s, &req)); err != nil {
			return
		}
	}
}

// dispatch maps one wire request onto the session state machine.
func dispatch(s *session.Session, req *Request) *Response {
	switch req.Type {
	case RequestOpen:
		return &Response{Result: int64(s.Open(req.Path, req.Mode))}
	case RequestRead:
		count := req.Count
		if count < 0 {
			count = 0
		}
		if count > rpc.ChunkSize {
			count = rpc.ChunkSize // bound per-request allocation; clients loop
		}
		buf := make([]byte, count)
		n := s.Read(req.FD, buf)
		if n <= 0 {
			return &Response{Result: n}
		}
		return &Response{Result: n, Data: buf[:n]}
	case RequestWrite:
		return &Response{Result: s.Write(req.FD, req.Data)}
	case RequestClose:
		return &Response{Result: int64(s.Close(req.FD))}
	case RequestLseek:
		return &Response{Result: s.Lseek(req.FD, req.Pos, req.Whence)}
	case RequestUnlink:
		return &Response{Result: int64(s.Unlink(req.Path))}
	default:
		return &Response{Result: common.EINVAL}
	}
}
