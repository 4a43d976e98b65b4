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

// Package session implements the per-client file-handle state machine of
// the caching proxy: open with check-on-open freshness validation, local
// reads, copy-on-write isolation of writers, and write-back to the
// origin at close with last-writer-wins semantics.
package session

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"proxyfs/internal/cache"
	"proxyfs/internal/common"
	"proxyfs/internal/rpc"
)

// Origin is the session's view of the origin server. *rpc.Client
// implements it; origin.Loopback adapts an in-process store for tests.
type Origin interface {
	Fetch(path string, mode common.OpenMode, knownVersion, offset int64) (*rpc.Response, error)
	Write(path string, data []byte, offset int64) (int64, error)
	Unlink(path string) (int, error)
}

// FDSource allocates file descriptors unique across every session of
// the process. Writer-private cache file names embed the descriptor, so
// per-session numbering would let two sessions' copies collide on disk.
type FDSource struct {
	next atomic.Int64
}

// NewFDSource creates a descriptor allocator starting at 1.
func NewFDSource() *FDSource {
	return &FDSource{}
}

func (f *FDSource) alloc() int {
	return int(f.next.Add(1))
}

// handle is one open file descriptor.
type handle struct {
	entry    *cache.Entry
	file     billy.File
	written  bool // entry is a writer-private copy owned by this handle
	readOnly bool
	isDir    bool // reserved: directories are not cached yet
}

// Session is one client's handle table. All operations of a session are
// serialized under its mutex; a client never observes its own
// operations interleaved. Lock order is Session before Cache.
type Session struct {
	mu      sync.Mutex
	fs      billy.Filesystem
	cache   *cache.Cache
	origin  Origin
	fds     *FDSource
	log     *log.Entry
	handles map[int]*handle
}

// New creates a session over the shared cache, origin connection and
// descriptor allocator. id tags the session's log lines.
func New(id string, c *cache.Cache, origin Origin, fds *FDSource) *Session {
	return &Session{
		fs:      c.Filesystem(),
		cache:   c,
		origin:  origin,
		fds:     fds,
		log:     log.WithField("session", id),
		handles: make(map[int]*handle),
	}
}

// Open opens path in the given mode and returns a new handle, or a
// negative errno. The cache's open lock is held for the whole operation
// so concurrent opens of the same path observe one version decision.
func (s *Session) Open(path string, mode common.OpenMode) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = common.NormalizePath(path)
	if common.EscapesRoot(path) {
		return common.EPERM
	}
	if !mode.Valid() {
		return common.EINVAL
	}

	s.cache.BeginOpen()
	defer s.cache.EndOpen()

	// Lazily create parent directories in the cache directory.
	if parent := common.ParentPath(path); parent != "" {
		if err := s.fs.MkdirAll(parent, 0755); err != nil {
			return common.EPERM
		}
	}

	// Pin the local copy across the freshness RPC: writes and closes on
	// other sessions take only the cache state mutex, so an unpinned
	// entry could be evicted while this open is blocked on the origin.
	local := s.cache.LookupReadable(path)
	known := cache.UnknownVersion
	if local != nil {
		s.cache.Ref(local)
		known = local.Version()
	}

	resp, err := s.origin.Fetch(path, mode, known, 0)
	if err != nil {
		s.log.Warnf("open %s: fetch failed: %v", path, err)
		if local != nil {
			s.cache.Unref(local)
		}
		return common.EIO
	}
	if !resp.Valid {
		if local != nil {
			s.cache.Unref(local)
		}
		return resp.Errno
	}

	switch {
	case mode == common.ModeCreateNew:
		// The origin confirmed the file does not exist; start from an
		// empty copy at the server-supplied version.
		if local != nil {
			s.cache.Unref(local)
		}
		return s.installEmpty(path, resp.Version, mode)

	case local != nil && resp.Version == local.Version():
		// Cached copy is current: no bulk transfer. The pin taken above
		// becomes the handle's reference.
		f, err := s.fs.Open(local.Filename())
		if err != nil {
			s.cache.Unref(local)
			return common.EPERM
		}
		s.cache.Touch(local)
		s.log.Debugf("open %s: cache hit (version %d)", path, local.Version())
		return s.allocHandle(local, f, mode)

	default:
		// Miss or stale: fetch the whole file in chunks. Drop the pin
		// first so the stale copy is removable once the new one lands.
		if local != nil {
			s.cache.Unref(local)
		}
		return s.fetchAndInstall(path, mode, known, resp)
	}
}

// installEmpty creates an empty on-disk copy for CREATE_NEW.
func (s *Session) installEmpty(path string, version int64, mode common.OpenMode) int {
	name := cache.VersionedName(path, version)
	f, err := s.fs.Create(name)
	if err != nil {
		return common.EPERM
	}
	e := cache.NewEntry(path, name, version, 0)
	s.cache.RemoveStale(path)
	if err := s.cache.Insert(e); err != nil {
		f.Close()
		s.fs.Remove(name)
		return common.EBUSY
	}
	return s.allocHandle(e, f, mode)
}

// fetchAndInstall pulls the full origin copy into a fresh cache file,
// re-issuing fetches until the accumulated length equals the origin's
// file size. A failing fetch leaves no partial entry behind.
func (s *Session) fetchAndInstall(path string, mode common.OpenMode, known int64, first *rpc.Response) int {
	name := cache.VersionedName(path, first.Version)
	f, err := s.fs.Create(name)
	if err != nil {
		return common.EPERM
	}
	abort := func(errno int) int {
		f.Close()
		s.fs.Remove(name)
		return errno
	}

	if _, err := f.Write(first.Data); err != nil {
		return abort(common.EPERM)
	}
	offset := int64(len(first.Data))
	for offset < first.FileSize {
		next, err := s.origin.Fetch(path, mode, known, offset)
		if err != nil {
			s.log.Warnf("open %s: chunk fetch at %d failed: %v", path, offset, err)
			return abort(common.EIO)
		}
		if !next.Valid {
			return abort(next.Errno)
		}
		if len(next.Data) == 0 {
			return abort(common.EPERM) // origin shrank mid-transfer
		}
		if _, err := f.Write(next.Data); err != nil {
			return abort(common.EPERM)
		}
		offset += int64(len(next.Data))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return abort(common.EPERM)
	}

	e := cache.NewEntry(path, name, first.Version, first.FileSize)
	s.cache.RemoveStale(path)
	if err := s.cache.Insert(e); err != nil {
		return abort(common.EBUSY)
	}
	s.log.Debugf("open %s: fetched version %d (%d bytes)", path, first.Version, first.FileSize)
	return s.allocHandle(e, f, mode)
}

func (s *Session) allocHandle(e *cache.Entry, f billy.File, mode common.OpenMode) int {
	fd := s.fds.alloc()
	s.handles[fd] = &handle{
		entry:    e,
		file:     f,
		readOnly: mode == common.ModeRead,
	}
	return fd
}

// Read reads from the handle's current position into buf. Returns the
// byte count, 0 at EOF, or a negative errno.
func (s *Session) Read(fd int, buf []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[fd]
	if !ok {
		return common.EBADF
	}
	if h.isDir {
		return common.EISDIR
	}
	n, err := h.file.Read(buf)
	if err != nil && err != io.EOF {
		return common.ENOMEM
	}
	s.cache.Touch(h.entry)
	return int64(n)
}

// Write writes data at the handle's current position. The first write on
// a handle allocates a writer-private copy of the file, isolating
// concurrent readers of the shared copy. Returns the byte count or a
// negative errno.
func (s *Session) Write(fd int, data []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[fd]
	if !ok || h.readOnly {
		return common.EBADF
	}
	if !h.written {
		if errno := s.promoteWriter(h, fd); errno != 0 {
			return int64(errno)
		}
	}

	n, err := h.file.Write(data)
	if err != nil {
		return common.EPERM
	}
	fi, err := s.fs.Stat(h.entry.Filename())
	if err != nil {
		return common.EPERM
	}
	if err := s.cache.UpdateSize(h.entry, fi.Size()); err != nil {
		return common.EBUSY
	}
	return int64(n)
}

// promoteWriter switches a handle from the shared readable entry to a
// fresh writer-private copy, preserving the file position. On EBUSY the
// handle stays usable on the shared copy.
func (s *Session) promoteWriter(h *handle, fd int) int {
	e := h.entry
	pos, err := h.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return common.EPERM
	}

	name := cache.WriterName(e.Filename(), fd)
	wf, err := s.fs.Create(name)
	if err != nil {
		return common.EPERM
	}
	abort := func(errno int) int {
		wf.Close()
		s.fs.Remove(name)
		return errno
	}

	src, err := s.fs.Open(e.Filename())
	if err != nil {
		return abort(common.EPERM)
	}
	_, err = io.CopyBuffer(wf, src, make([]byte, rpc.ChunkSize))
	src.Close()
	if err != nil {
		return abort(common.EPERM)
	}
	if _, err := wf.Seek(pos, io.SeekStart); err != nil {
		return abort(common.EPERM)
	}

	we := cache.NewWriterEntry(e.Path(), name, e.Size())
	if err := s.cache.Insert(we); err != nil {
		return abort(common.EBUSY)
	}

	h.file.Close()
	s.cache.Unref(e)
	h.entry = we
	h.file = wf
	h.written = true
	s.log.Debugf("write %s: copy-on-write to %s", e.Path(), name)
	return 0
}

// Close closes a handle. A written handle first streams its private copy
// back to the origin, adopts the origin's new version and publishes the
// copy to future openers. A failing write-back reports the error but
// still releases the handle.
func (s *Session) Close(fd int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(fd)
}

func (s *Session) closeLocked(fd int) int {
	h, ok := s.handles[fd]
	if !ok {
		return common.EBADF
	}

	res := 0
	if h.written {
		res = s.commit(h)
	}
	s.cache.Touch(h.entry)
	s.cache.Unref(h.entry)
	delete(s.handles, fd)
	h.file.Close()
	return res
}

// commit streams the writer-private copy to the origin in chunks and,
// on success, renames it to the committed versioned name. An empty copy
// still sends one zero-length chunk so the origin assigns a version.
func (s *Session) commit(h *handle) int {
	e := h.entry
	if _, err := h.file.Seek(0, io.SeekStart); err != nil {
		return common.EPERM
	}

	size := e.Size()
	var version int64
	var offset int64
	for {
		n := size - offset
		if n > rpc.ChunkSize {
			n = rpc.ChunkSize
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(h.file, buf); err != nil {
				return common.EPERM
			}
		}
		v, err := s.origin.Write(e.Path(), buf, offset)
		if err != nil {
			s.log.Warnf("close %s: write-back at %d failed: %v", e.Path(), offset, err)
			return common.EIO
		}
		if v < 0 {
			return int(v)
		}
		version = v
		offset += n
		if offset >= size {
			break
		}
	}

	if err := s.cache.Commit(e, version); err != nil {
		s.log.Warnf("close %s: %v", e.Path(), err)
		return common.EPERM
	}
	s.cache.RemoveStale(e.Path())
	s.log.Debugf("close %s: committed version %d (%d bytes)", e.Path(), version, size)
	return 0
}

// Lseek repositions the handle's file offset and returns the new
// position, or a negative errno.
func (s *Session) Lseek(fd int, pos int64, whence common.Whence) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[fd]
	if !ok {
		return common.EBADF
	}

	var target int64
	switch whence {
	case common.SeekStart:
		target = pos
	case common.SeekEnd:
		target = h.entry.Size() + pos
	case common.SeekCurrent:
		cur, err := h.file.Seek(0, io.SeekCurrent)
		if err != nil {
			return common.EPERM
		}
		target = cur + pos
	default:
		return common.EINVAL
	}
	if target < 0 {
		return common.EINVAL
	}
	if _, err := h.file.Seek(target, io.SeekStart); err != nil {
		return common.EPERM
	}
	s.cache.Touch(h.entry)
	return target
}

// Unlink deletes the origin copy of path. Cached copies are not removed
// eagerly; the next open's version check invalidates them.
func (s *Session) Unlink(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = common.NormalizePath(path)
	if common.EscapesRoot(path) {
		return common.EPERM
	}
	res, err := s.origin.Unlink(path)
	if err != nil {
		s.log.Warnf("unlink %s: %v", path, err)
		return common.EIO
	}
	return res
}

// Done ends the session: every still-open handle is closed through the
// normal close path (propagating dirty data), then all state is cleared.
func (s *Session) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fd := range s.handles {
		if res := s.closeLocked(fd); res != 0 {
			s.log.Warnf("clientdone: close fd %d: errno %d", fd, res)
		}
	}
	s.handles = make(map[int]*handle)
	s.log.Debug("session done")
}

// OpenHandles returns the number of open handles. Used by the dispatcher
// for logging at teardown.
func (s *Session) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
