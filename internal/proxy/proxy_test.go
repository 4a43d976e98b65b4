package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	billyutil "github.com/go-git/go-billy/v5/util"
	"github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyfs/internal/common"
	"proxyfs/internal/origin"
	"proxyfs/internal/rpc"
)

type stack struct {
	proxy    *Proxy
	addr     string
	originFS billy.Filesystem
}

// startStack brings up an origin server and a proxy on loopback ports.
func startStack(t *testing.T) *stack {
	t.Helper()

	originFS := memfs.New()
	store, err := origin.NewStore(originFS, nil)
	require.NoError(t, err)
	srv := rpc.NewServer(store)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)

	cfg := &Config{
		ServerHost: "127.0.0.1",
		ServerPort: srv.Addr().(*net.TCPAddr).Port,
		Listen:     "127.0.0.1:0",
		CacheDir:   t.TempDir(),
		Capacity:   64 << 20,
	}
	p := New(cfg)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	return &stack{proxy: p, addr: p.Addr().String(), originFS: originFS}
}

func (st *stack) seed(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, billyutil.WriteFile(st.originFS, path, data, 0644))
}

func TestEndToEnd(t *testing.T) {
	st := startStack(t)
	st.seed(t, "hello.txt", []byte("hello from origin"))

	c, err := Connect(st.addr)
	require.NoError(t, err)
	defer c.Close()

	fd, err := c.Open("hello.txt", common.ModeRead)
	require.NoError(t, err)
	require.Greater(t, fd, 0)

	buf := make([]byte, 64)
	n, err := c.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello from origin"), buf[:n])

	pos, err := c.Lseek(fd, 6, common.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)
	n, err = c.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("from origin"), buf[:n])

	res, err := c.CloseFile(fd)
	require.NoError(t, err)
	assert.Equal(t, 0, res)

	// Write through a second handle and verify the origin copy.
	fd, err = c.Open("hello.txt", common.ModeWrite)
	require.NoError(t, err)
	nw, err := c.Write(fd, []byte("HELLO"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), nw)
	res, err = c.CloseFile(fd)
	require.NoError(t, err)
	require.Equal(t, 0, res)

	data, err := billyutil.ReadFile(st.originFS, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO from origin"), data)
}

func TestTwoClientsLastWriterWins(t *testing.T) {
	st := startStack(t)
	st.seed(t, "baz", []byte("0000"))

	a, err := Connect(st.addr)
	require.NoError(t, err)
	defer a.Close()
	b, err := Connect(st.addr)
	require.NoError(t, err)
	defer b.Close()

	fda, err := a.Open("baz", common.ModeWrite)
	require.NoError(t, err)
	require.Greater(t, fda, 0)
	fdb, err := b.Open("baz", common.ModeWrite)
	require.NoError(t, err)
	require.Greater(t, fdb, 0)

	_, err = a.Write(fda, []byte("AAAA"))
	require.NoError(t, err)
	_, err = b.Write(fdb, []byte("BBBB"))
	require.NoError(t, err)

	res, err := a.CloseFile(fda)
	require.NoError(t, err)
	require.Equal(t, 0, res)
	res, err = b.CloseFile(fdb)
	require.NoError(t, err)
	require.Equal(t, 0, res)

	// B committed last; a fresh client sees B's bytes.
	c, err := Connect(st.addr)
	require.NoError(t, err)
	defer c.Close()
	fd, err := c.Open("baz", common.ModeRead)
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := c.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBB"), buf[:n])
}

func TestDisconnectFlushesDirtyHandles(t *testing.T) {
	g := gomega.NewWithT(t)
	st := startStack(t)
	st.seed(t, "dirty", []byte("before"))

	c, err := Connect(st.addr)
	require.NoError(t, err)

	fd, err := c.Open("dirty", common.ModeWrite)
	require.NoError(t, err)
	_, err = c.Write(fd, []byte("after!"))
	require.NoError(t, err)

	// Drop the connection without closing the handle; the session
	// teardown must propagate the dirty copy.
	require.NoError(t, c.Close())

	g.Eventually(func() []byte {
		data, err := billyutil.ReadFile(st.originFS, "dirty")
		if err != nil {
			return nil
		}
		return data
	}, 5*time.Second, 20*time.Millisecond).Should(gomega.Equal([]byte("after!")))
}

func TestUnlinkViaClient(t *testing.T) {
	st := startStack(t)
	st.seed(t, "gone", []byte("x"))

	c, err := Connect(st.addr)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Unlink("gone")
	require.NoError(t, err)
	assert.Equal(t, 0, res)

	_, err = st.originFS.Stat("gone")
	assert.Error(t, err)

	fd, err := c.Open("gone", common.ModeRead)
	require.NoError(t, err)
	assert.Equal(t, common.ENOENT, fd)
}

func TestErrnosCrossTheWire(t *testing.T) {
	st := startStack(t)

	c, err := Connect(st.addr)
	require.NoError(t, err)
	defer c.Close()

	fd, err := c.Open("../escape", common.ModeRead)
	require.NoError(t, err)
	assert.Equal(t, common.EPERM, fd)

	fd, err = c.Open("missing", common.ModeRead)
	require.NoError(t, err)
	assert.Equal(t, common.ENOENT, fd)

	n, err := c.Read(999, make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(common.EBADF), n)

	res, err := c.CloseFile(999)
	require.NoError(t, err)
	assert.Equal(t, common.EBADF, res)
}

func TestSecondProxyCannotShareCacheDir(t *testing.T) {
	st := startStack(t)

	cfg := &Config{
		ServerHost: st.proxy.cfg.ServerHost,
		ServerPort: st.proxy.cfg.ServerPort,
		Listen:     "127.0.0.1:0",
		CacheDir:   st.proxy.cfg.CacheDir,
		Capacity:   1 << 20,
	}
	p := New(cfg)
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use by another proxy")
}
