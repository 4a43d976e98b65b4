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

// Package cache implements the proxy's whole-file cache: a byte-bounded,
// recency-ordered store of versioned on-disk file copies.
//
// Design principles:
//  1. LRU among evictable entries - copies pinned by open handles are
//     never evicted, eviction scans from least to most recent skipping
//     them.
//  2. Immutable readable copies - once a copy is visible to openers its
//     file is never written again; writers mutate private copies.
//
// The cache owns the on-disk files: removing an entry deletes its file.
// All file operations go through a billy.Filesystem rooted at the cache
// directory, so tests run against memfs.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
)

// ErrFull is returned when an insert or size update cannot fit within
// capacity even after evicting every unpinned entry.
var ErrFull = errors.New("cache full")

// Cache is the byte-bounded LRU index over on-disk file copies.
type Cache struct {
	fs       billy.Filesystem
	capacity int64

	// openMu serializes open operations so concurrent opens of the same
	// path observe a consistent version decision. Held across the open's
	// RPC round-trips; never acquired by any other cache operation.
	openMu sync.Mutex

	mu      sync.Mutex
	curSize int64
	buckets map[string][]*Entry
	head    *Entry // MRU sentinel
	tail    *Entry // LRU sentinel
}

// New creates an empty cache over fs with the given byte capacity.
// fs must be rooted at the cache directory.
func New(fs billy.Filesystem, capacity int64) *Cache {
	head := &Entry{}
	tail := &Entry{}
	head.next = tail
	tail.prev = head
	return &Cache{
		fs:       fs,
		capacity: capacity,
		buckets:  make(map[string][]*Entry),
		head:     head,
		tail:     tail,
	}
}

// Filesystem returns the filesystem the cache stores its copies on.
func (c *Cache) Filesystem() billy.Filesystem { return c.fs }

// Capacity returns the configured byte budget.
func (c *Cache) Capacity() int64 { return c.capacity }

// CurrentSize returns the summed size of all entries.
func (c *Cache) CurrentSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curSize
}

// BeginOpen acquires the open lock. Open holds it for its entire
// duration, including origin round-trips, so version decisions for the
// same path are serialized. Lock order is openMu before mu.
func (c *Cache) BeginOpen() { c.openMu.Lock() }

// EndOpen releases the open lock.
func (c *Cache) EndOpen() { c.openMu.Unlock() }

// LookupReadable returns the readable entry with the highest version for
// path, or nil if none is cached.
func (c *Cache) LookupReadable(path string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res *Entry
	maxVersion := UnknownVersion
	for _, e := range c.buckets[path] {
		if e.readable && e.version > maxVersion {
			res = e
			maxVersion = e.version
		}
	}
	return res
}

// Insert adds an entry at the MRU position, evicting least-recently-used
// evictable entries as needed. Returns ErrFull without inserting if the
// entry cannot fit even after evicting every unpinned entry.
func (c *Cache) Insert(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.curSize+e.size > c.capacity {
		if !c.evictOneLocked() {
			return ErrFull
		}
	}
	c.pushFrontLocked(e)
	c.buckets[e.path] = append(c.buckets[e.path], e)
	c.curSize += e.size
	return nil
}

// Touch moves an entry to the MRU position. Called on every file access.
func (c *Cache) Touch(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moveFrontLocked(e)
}

// Ref pins an entry for a newly opened handle.
func (c *Cache) Ref(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refcount++
}

// Unref releases one handle's pin on an entry. The entry stays cached
// and becomes eligible for eviction once its refcount reaches zero.
func (c *Cache) Unref(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.refcount > 0 {
		e.refcount--
	}
}

// RemoveStale removes every evictable entry for path. Called after a
// newer version is installed so outdated copies do not linger.
func (c *Cache) RemoveStale(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.buckets[path]
	for i := 0; i < len(bucket); {
		if bucket[i].evictable() {
			c.removeLocked(bucket[i])
			bucket = c.buckets[path]
			continue
		}
		i++
	}
}

// UpdateSize adjusts capacity accounting for an entry whose on-disk file
// grew or shrank, evicting as needed, and moves it to MRU. On ErrFull
// nothing is evicted and the accounted size is unchanged.
func (c *Cache) UpdateSize(e *Entry, newSize int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	diff := newSize - e.size
	if c.curSize+diff > c.capacity {
		var free int64
		for x := c.tail.prev; x != c.head; x = x.prev {
			if x.evictable() {
				free += x.size
			}
		}
		if c.curSize-free+diff > c.capacity {
			return ErrFull
		}
	}
	for c.curSize+diff > c.capacity {
		if !c.evictOneLocked() {
			return ErrFull
		}
	}
	c.curSize += diff
	e.size = newSize
	c.moveFrontLocked(e)
	return nil
}

// Remove unlinks an entry from the LRU list and its per-path bucket and
// deletes the on-disk file.
func (c *Cache) Remove(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(e)
}

// Commit makes a writer-private entry readable under its new origin
// version: the on-disk file is renamed to the versioned name and the
// entry becomes visible to LookupReadable.
func (c *Cache) Commit(e *Entry, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newName := VersionedName(e.path, version)
	if err := c.fs.Rename(e.filename, newName); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", e.filename, newName, err)
	}
	e.filename = newName
	e.version = version
	e.readable = true
	return nil
}

// pushFrontLocked links a detached entry in at the MRU position.
func (c *Cache) pushFrontLocked(e *Entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache) moveFrontLocked(e *Entry) {
	if e.prev == nil {
		return // not linked (already removed)
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	c.pushFrontLocked(e)
}

// removeLocked detaches the entry, drops it from its bucket, adjusts the
// accounted size and deletes the backing file. File deletion is
// best-effort: the in-memory entry goes away regardless so the size
// invariant holds.
func (c *Cache) removeLocked(e *Entry) {
	if e.prev == nil {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil

	bucket := c.buckets[e.path]
	for i, be := range bucket {
		if be == e {
			c.buckets[e.path] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(c.buckets[e.path]) == 0 {
		delete(c.buckets, e.path)
	}

	c.curSize -= e.size
	if err := c.fs.Remove(e.filename); err != nil {
		log.Debugf("cache: remove %s: %v", e.filename, err)
	}
}

// evictOneLocked removes the least recently used evictable entry.
// Returns false if every cached entry is pinned.
func (c *Cache) evictOneLocked() bool {
	for e := c.tail.prev; e != c.head; e = e.prev {
		if e.evictable() {
			log.Debugf("cache: evict %s (version %d, %d bytes)", e.path, e.version, e.size)
			c.removeLocked(e)
			return true
		}
	}
	return false
}
