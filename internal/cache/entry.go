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

package cache

import "fmt"

// UnknownVersion marks a writer-private copy that has not been committed
// to the origin yet. The origin assigns the real version at close time.
const UnknownVersion int64 = -1

// Entry describes one on-disk copy of one logical path. Entries are owned
// by the Cache; all mutation happens under the cache mutex.
type Entry struct {
	path     string // logical server-relative path
	filename string // on-disk name, distinct from path (encodes version or writer identity)
	version  int64
	size     int64
	refcount int
	readable bool // false for a writer's private in-progress copy

	prev, next *Entry
}

// NewEntry creates a readable entry for a committed copy fetched from the
// origin. The entry starts pinned (refcount 1) for the opening handle.
func NewEntry(path, filename string, version, size int64) *Entry {
	return &Entry{
		path:     path,
		filename: filename,
		version:  version,
		size:     size,
		refcount: 1,
		readable: true,
	}
}

// NewWriterEntry creates a writer-private entry produced by copy-on-write.
// It is invisible to LookupReadable until the owning session commits it.
func NewWriterEntry(path, filename string, size int64) *Entry {
	return &Entry{
		path:     path,
		filename: filename,
		version:  UnknownVersion,
		size:     size,
		refcount: 1,
		readable: false,
	}
}

// Path returns the logical path the entry caches.
func (e *Entry) Path() string { return e.path }

// Filename returns the on-disk name inside the cache directory.
func (e *Entry) Filename() string { return e.filename }

// Version returns the origin version of the copy, or UnknownVersion for
// an uncommitted writer copy.
func (e *Entry) Version() int64 { return e.version }

// Size returns the byte length of the on-disk copy. Readable copies are
// immutable, so the value is stable outside the cache mutex; writer
// copies are only resized by their owning session.
func (e *Entry) Size() int64 { return e.size }

// Readable reports whether the copy is visible to future openers.
func (e *Entry) Readable() bool { return e.readable }

func (e *Entry) evictable() bool { return e.refcount == 0 }

// VersionedName returns the on-disk name for a committed copy of path.
func VersionedName(path string, version int64) string {
	return fmt.Sprintf("%s_v%d", path, version)
}

// WriterName returns the on-disk name for a writer-private copy derived
// from the named base copy by the given handle.
func WriterName(baseFilename string, fd int) string {
	return fmt.Sprintf("%s_write_%d", baseFilename, fd)
}
