package cache

import (
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fs billy.Filesystem, name string, size int) {
	t.Helper()
	f, err := fs.Create(name)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, size))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// newCached creates an entry with a backing file and inserts it.
func newCached(t *testing.T, c *Cache, path string, version, size int64) *Entry {
	t.Helper()
	name := VersionedName(path, version)
	writeFile(t, c.Filesystem(), name, int(size))
	e := NewEntry(path, name, version, size)
	require.NoError(t, c.Insert(e))
	return e
}

func TestLookupReadable(t *testing.T) {
	c := New(memfs.New(), 1000)

	assert.Nil(t, c.LookupReadable("foo"), "empty cache")

	e1 := newCached(t, c, "foo", 1, 10)
	assert.Same(t, e1, c.LookupReadable("foo"))

	// A newer readable copy wins.
	e2 := newCached(t, c, "foo", 2, 10)
	assert.Same(t, e2, c.LookupReadable("foo"))

	// Writer-private copies are invisible.
	w := NewWriterEntry("bar", "bar_v1_write_3", 10)
	writeFile(t, c.Filesystem(), "bar_v1_write_3", 10)
	require.NoError(t, c.Insert(w))
	assert.Nil(t, c.LookupReadable("bar"))
}

func TestInsertEvictsLRU(t *testing.T) {
	c := New(memfs.New(), 1000)

	// Three closed (unpinned) files of 400 bytes, opened in order f1 f2 f3.
	e1 := newCached(t, c, "f1", 1, 400)
	c.Unref(e1)
	e2 := newCached(t, c, "f2", 1, 400)
	c.Unref(e2)
	e3 := newCached(t, c, "f3", 1, 400)
	c.Unref(e3)
	assert.Equal(t, int64(800), c.CurrentSize(), "f1 evicted to fit f3")
	assert.Nil(t, c.LookupReadable("f1"))

	// Opening f4 evicts f2, the LRU among unpinned.
	newCached(t, c, "f4", 1, 400)
	assert.Nil(t, c.LookupReadable("f2"))
	assert.NotNil(t, c.LookupReadable("f3"))
	assert.NotNil(t, c.LookupReadable("f4"))
}

func TestInsertSkipsPinned(t *testing.T) {
	c := New(memfs.New(), 1000)

	e1 := newCached(t, c, "f1", 1, 400) // stays pinned
	e2 := newCached(t, c, "f2", 1, 400)
	c.Unref(e2)

	// f3 needs 400 bytes; f2 is evicted even though f1 is older in LRU order.
	newCached(t, c, "f3", 1, 400)
	assert.NotNil(t, c.LookupReadable("f1"))
	assert.Nil(t, c.LookupReadable("f2"))
	assert.Equal(t, 1, e1.refcount)
}

func TestInsertFullWhenAllPinned(t *testing.T) {
	c := New(memfs.New(), 500)

	newCached(t, c, "f1", 1, 400) // pinned by its opener

	writeFile(t, c.Filesystem(), VersionedName("f2", 1), 400)
	err := c.Insert(NewEntry("f2", VersionedName("f2", 1), 1, 400))
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, int64(400), c.CurrentSize(), "failed insert leaves accounting unchanged")
	assert.NotNil(t, c.LookupReadable("f1"))
}

func TestTouchChangesEvictionOrder(t *testing.T) {
	c := New(memfs.New(), 1000)

	e1 := newCached(t, c, "f1", 1, 400)
	c.Unref(e1)
	e2 := newCached(t, c, "f2", 1, 400)
	c.Unref(e2)

	// Access f1 so f2 becomes the LRU.
	c.Touch(e1)

	newCached(t, c, "f3", 1, 400)
	assert.NotNil(t, c.LookupReadable("f1"))
	assert.Nil(t, c.LookupReadable("f2"))
}

func TestRemoveStale(t *testing.T) {
	c := New(memfs.New(), 1000)

	old := newCached(t, c, "foo", 1, 100)
	c.Unref(old)
	cur := newCached(t, c, "foo", 2, 100)

	c.RemoveStale("foo")

	// The unpinned v1 is gone; the pinned v2 survives.
	assert.Same(t, cur, c.LookupReadable("foo"))
	assert.Equal(t, int64(100), c.CurrentSize())
	_, err := c.Filesystem().Stat(VersionedName("foo", 1))
	assert.Error(t, err, "stale copy's file should be deleted")
}

func TestRemoveStaleKeepsWriterCopies(t *testing.T) {
	c := New(memfs.New(), 1000)

	w := NewWriterEntry("foo", "foo_v1_write_2", 100)
	writeFile(t, c.Filesystem(), "foo_v1_write_2", 100)
	require.NoError(t, c.Insert(w))

	c.RemoveStale("foo")

	// Writer copy is pinned by its session; it must survive.
	_, err := c.Filesystem().Stat("foo_v1_write_2")
	assert.NoError(t, err)
	assert.Equal(t, int64(100), c.CurrentSize())
}

func TestUpdateSize(t *testing.T) {
	c := New(memfs.New(), 1000)

	e := newCached(t, c, "foo", 1, 100)

	require.NoError(t, c.UpdateSize(e, 300))
	assert.Equal(t, int64(300), c.CurrentSize())
	assert.Equal(t, int64(300), e.Size())

	require.NoError(t, c.UpdateSize(e, 50))
	assert.Equal(t, int64(50), c.CurrentSize())
}

func TestUpdateSizeEvicts(t *testing.T) {
	c := New(memfs.New(), 1000)

	old := newCached(t, c, "old", 1, 500)
	c.Unref(old)
	e := newCached(t, c, "foo", 1, 400)

	// Growing foo to 600 requires evicting old.
	require.NoError(t, c.UpdateSize(e, 600))
	assert.Nil(t, c.LookupReadable("old"))
	assert.Equal(t, int64(600), c.CurrentSize())
}

func TestUpdateSizeFull(t *testing.T) {
	c := New(memfs.New(), 1000)

	other := newCached(t, c, "other", 1, 500) // pinned
	e := newCached(t, c, "foo", 1, 400)

	err := c.UpdateSize(e, 600)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, int64(900), c.CurrentSize(), "accounting unchanged on failure")
	assert.Equal(t, int64(400), e.Size())
	assert.NotNil(t, c.LookupReadable("other"))
	_ = other
}

func TestRemoveDeletesFile(t *testing.T) {
	c := New(memfs.New(), 1000)

	e := newCached(t, c, "foo", 1, 100)
	c.Remove(e)

	assert.Equal(t, int64(0), c.CurrentSize())
	assert.Nil(t, c.LookupReadable("foo"))
	_, err := c.Filesystem().Stat(VersionedName("foo", 1))
	assert.Error(t, err)

	// Removing twice is harmless.
	c.Remove(e)
	assert.Equal(t, int64(0), c.CurrentSize())
}

func TestCommit(t *testing.T) {
	c := New(memfs.New(), 1000)

	w := NewWriterEntry("foo", "foo_v1_write_2", 100)
	writeFile(t, c.Filesystem(), "foo_v1_write_2", 100)
	require.NoError(t, c.Insert(w))

	require.NoError(t, c.Commit(w, 2))

	assert.True(t, w.Readable())
	assert.Equal(t, int64(2), w.Version())
	assert.Equal(t, VersionedName("foo", 2), w.Filename())
	assert.Same(t, w, c.LookupReadable("foo"))

	_, err := c.Filesystem().Stat(VersionedName("foo", 2))
	assert.NoError(t, err, "file renamed to versioned name")
	_, err = c.Filesystem().Stat("foo_v1_write_2")
	assert.Error(t, err)
}

func TestCapacityInvariant(t *testing.T) {
	c := New(memfs.New(), 1000)

	for i := 0; i < 20; i++ {
		path := string(rune('a' + i%10))
		e := newCached(t, c, path, int64(i+1), 150)
		c.Unref(e)
		assert.LessOrEqual(t, c.CurrentSize(), c.Capacity())
	}
}

func TestZeroSizeEntry(t *testing.T) {
	c := New(memfs.New(), 100)

	e := newCached(t, c, "empty", 1, 0)
	assert.Equal(t, int64(0), c.CurrentSize())
	assert.Same(t, e, c.LookupReadable("empty"))
}
