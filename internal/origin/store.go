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

// Package origin implements the authoritative file store behind the
// caching proxy: whole files on a filesystem plus a strictly increasing
// per-path version counter. A write chunk at offset 0 starts a new
// version; unlink bumps the version so cached readers notice staleness
// on their next open.
package origin

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"proxyfs/internal/common"
	"proxyfs/internal/rpc"
)

// Store serves the three origin operations over a billy filesystem
// rooted at the server's export directory. It implements rpc.Handler.
// Operations are serialized under one mutex; per-path version decisions
// and file content can never be observed out of order.
type Store struct {
	mu       sync.Mutex
	fs       billy.Filesystem
	versions map[string]int64
	db       *VersionDB // optional write-through persistence
}

// NewStore creates a store over fs. If db is non-nil the version table
// is loaded from it and every version change is written through, so
// versions stay monotone across restarts.
func NewStore(fs billy.Filesystem, db *VersionDB) (*Store, error) {
	versions := make(map[string]int64)
	if db != nil {
		loaded, err := db.Load(context.Background())
		if err != nil {
			return nil, err
		}
		versions = loaded
		log.Infof("origin: loaded %d file versions", len(versions))
	}
	return &Store{fs: fs, versions: versions, db: db}, nil
}

// Fetch serves one chunk of path, or confirms the proxy's copy is
// current. The first request of an open carries offset 0 and the
// mode-specific existence checks; continuation requests carry a nonzero
// offset and just read bytes.
func (s *Store) Fetch(path string, mode common.OpenMode, knownVersion, offset int64) *rpc.Response {
	path = common.NormalizePath(path)
	if common.EscapesRoot(path) {
		return rpc.Invalid(common.EPERM)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if offset != 0 {
		return s.readChunkLocked(path, offset)
	}

	fi, err := s.fs.Stat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return rpc.Invalid(common.EPERM)
	}
	if exists && fi.IsDir() {
		return rpc.Invalid(common.EISDIR)
	}

	switch mode {
	case common.ModeCreate:
		if !exists {
			// Nothing to transfer; the proxy creates an empty copy at
			// the path's last known version (0 if never written).
			return rpc.Chunk(s.versions[path], 0, nil)
		}
	case common.ModeCreateNew:
		if exists {
			return rpc.Invalid(common.EEXIST)
		}
		return rpc.Chunk(s.versions[path], 0, nil)
	case common.ModeRead, common.ModeWrite:
		if !exists {
			return rpc.Invalid(common.ENOENT)
		}
	default:
		return rpc.Invalid(common.EINVAL)
	}

	// Existing file: register it at version 1 if this is the first time
	// the origin hands it out.
	if s.versions[path] == 0 {
		s.setVersionLocked(path, 1)
	}
	version := s.versions[path]
	if version == knownVersion {
		return rpc.UpToDate(version)
	}
	return s.readChunkLocked(path, 0)
}

// readChunkLocked reads up to ChunkSize bytes of path at offset.
func (s *Store) readChunkLocked(path string, offset int64) *rpc.Response {
	fi, err := s.fs.Stat(path)
	if err != nil {
		return rpc.Invalid(common.EPERM)
	}
	fileSize := fi.Size()

	f, err := s.fs.Open(path)
	if err != nil {
		return rpc.Invalid(common.EPERM)
	}
	defer f.Close()

	n := fileSize - offset
	if n < 0 {
		n = 0
	}
	if n > rpc.ChunkSize {
		n = rpc.ChunkSize
	}
	data := make([]byte, n)
	if n > 0 {
		if _, err := f.ReadAt(data, offset); err != nil && err != io.EOF {
			return rpc.Invalid(common.EPERM)
		}
	}
	return rpc.Chunk(s.versions[path], fileSize, data)
}

// Write stores one chunk of write-back data at offset. The chunk at
// offset 0 starts a new version; later chunks of the same close retain
// it. Returns the version, or a negative errno.
func (s *Store) Write(path string, data []byte, offset int64) int64 {
	path = common.NormalizePath(path)
	if common.EscapesRoot(path) {
		return common.EPERM
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	if offset == 0 {
		version = s.versions[path] + 1
		s.setVersionLocked(path, version)
	} else {
		version = s.versions[path]
		if version == 0 {
			return common.EPERM // continuation chunk without a first chunk
		}
	}

	if parent := common.ParentPath(path); parent != "" {
		if err := s.fs.MkdirAll(parent, 0755); err != nil {
			return common.EPERM
		}
	}
	f, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return common.EPERM
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return common.EPERM
	}
	if _, err := f.Write(data); err != nil {
		return common.EPERM
	}
	log.Debugf("origin: write %s offset=%d len=%d version=%d", path, offset, len(data), version)
	return version
}

// Unlink deletes path and, if the origin has already assigned it a
// version, bumps that version so stale cached copies fail the next
// check-on-open. A path that was never handed out keeps version 0.
func (s *Store) Unlink(path string) int {
	path = common.NormalizePath(path)
	if common.EscapesRoot(path) {
		return common.EPERM
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := s.fs.Stat(path)
	if err != nil {
		return common.ENOENT
	}
	if fi.IsDir() {
		return common.EISDIR
	}
	if s.versions[path] != 0 {
		s.setVersionLocked(path, s.versions[path]+1)
	}
	if err := s.fs.Remove(path); err != nil {
		return common.EPERM
	}
	log.Debugf("origin: unlink %s", path)
	return 0
}

// setVersionLocked records a version in memory and, when configured,
// writes it through to the version database. Persistence failures are
// logged and do not fail the client operation.
func (s *Store) setVersionLocked(path string, version int64) {
	s.versions[path] = version
	if s.db != nil {
		if err := s.db.Set(context.Background(), path, version); err != nil {
			log.Warnf("origin: persist version %s=%d: %v", path, version, err)
		}
	}
}

// Loopback adapts a Store to the error-returning shape of the RPC
// client, for in-process use and tests that skip the network.
type Loopback struct {
	Store *Store
}

func (l Loopback) Fetch(path string, mode common.OpenMode, knownVersion, offset int64) (*rpc.Response, error) {
	return l.Store.Fetch(path, mode, knownVersion, offset), nil
}

func (l Loopback) Write(path string, data []byte, offset int64) (int64, error) {
	return l.Store.Write(path, data, offset), nil
}

func (l Loopback) Unlink(path string) (int, error) {
	return l.Store.Unlink(path), nil
}
