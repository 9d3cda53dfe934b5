package vfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shannot/internal/session"
)

func newTestVFS(t *testing.T, mappings []Mapping) (*VFS, *session.Session) {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), time.Hour)
	require.NoError(t, err)
	sess, err := store.Create("x = 1", "x", "default", "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	return New(mappings, sess, ProcInfo{PID: 4242, Cmdline: []string{"interp", "script.py"}, Environ: []string{"FOO=bar"}}), sess
}

func TestStatAndReadHostPassthrough(t *testing.T) {
	hostDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "hello.txt"), []byte("hello world"), 0o644))

	v, _ := newTestVFS(t, []Mapping{{VirtualPrefix: "/data", HostRoot: hostDir, Kind: KindHostReadOnly}})

	st, err := v.Stat("/data/hello.txt")
	require.NoError(t, err)
	require.Equal(t, int64(11), st.Size)

	h, err := v.OpenRead("/data/hello.txt")
	require.NoError(t, err)
	defer v.Close(h)

	data, err := v.Read(h, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestUnmappedPathFailsBeforeHostCall(t *testing.T) {
	v, _ := newTestVFS(t, []Mapping{{VirtualPrefix: "/data", HostRoot: t.TempDir(), Kind: KindHostReadOnly}})

	_, err := v.Stat("/etc/passwd")
	require.Error(t, err)

	_, err = v.OpenRead("/etc/passwd")
	require.Error(t, err)
}

func TestSymlinkEscapeIsContained(t *testing.T) {
	hostDir := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(hostDir, "link.txt")))

	v, _ := newTestVFS(t, []Mapping{{VirtualPrefix: "/data", HostRoot: hostDir, Kind: KindHostReadOnly}})

	// SecureJoin resolves the symlink within the host root; since the
	// link target lives outside it, the read must not silently succeed
	// with the secret's content.
	h, err := v.OpenRead("/data/link.txt")
	if err == nil {
		data, rerr := v.Read(h, 0, 100)
		require.NoError(t, rerr)
		require.NotEqual(t, "nope", string(data))
	}
}

func TestWriteIsCapturedNotPersistedToHost(t *testing.T) {
	hostDir := t.TempDir()
	v, sess := newTestVFS(t, []Mapping{{VirtualPrefix: "/data", HostRoot: hostDir, Kind: KindWritableShadow}})

	wh, err := v.OpenWrite("/data/out.txt", 0o644)
	require.NoError(t, err)
	_, err = v.Write(wh, []byte("captured"))
	require.NoError(t, err)
	require.NoError(t, v.CloseWrite(wh))

	_, statErr := os.Stat(filepath.Join(hostDir, "out.txt"))
	require.True(t, os.IsNotExist(statErr))

	caps, err := sess.Captures()
	require.NoError(t, err)
	require.Len(t, caps, 1)
	pw, ok := caps[0].(session.PendingWrite)
	require.True(t, ok)
	require.Equal(t, "captured", string(pw.Bytes))
}

func TestReadYourWritesWithinSession(t *testing.T) {
	v, _ := newTestVFS(t, []Mapping{{VirtualPrefix: "/data", HostRoot: t.TempDir(), Kind: KindWritableShadow}})

	wh, err := v.OpenWrite("/data/out.txt", 0o644)
	require.NoError(t, err)
	_, err = v.Write(wh, []byte("round trip"))
	require.NoError(t, err)
	require.NoError(t, v.CloseWrite(wh))

	rh, err := v.OpenRead("/data/out.txt")
	require.NoError(t, err)
	defer v.Close(rh)

	data, err := v.Read(rh, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "round trip", string(data))
}

func TestOpenWriteUnmappedIsNotPermitted(t *testing.T) {
	v, _ := newTestVFS(t, []Mapping{{VirtualPrefix: "/data", HostRoot: t.TempDir(), Kind: KindHostReadOnly}})
	_, err := v.OpenWrite("/etc/passwd", 0o644)
	require.Error(t, err)
}

func TestProcSelfCmdline(t *testing.T) {
	v, _ := newTestVFS(t, []Mapping{{VirtualPrefix: "/proc", Kind: KindProc}})

	h, err := v.OpenRead("/proc/self/cmdline")
	require.NoError(t, err)
	defer v.Close(h)

	data, err := v.Read(h, 0, 1000)
	require.NoError(t, err)
	require.Contains(t, string(data), "script.py")
}

func TestProcUnmappedNodeIsNotFound(t *testing.T) {
	v, _ := newTestVFS(t, []Mapping{{VirtualPrefix: "/proc", Kind: KindProc}})
	_, err := v.OpenRead("/proc/sys/kernel/something")
	require.Error(t, err)
}

func TestReaddirListsMappedHostDir(t *testing.T) {
	hostDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(hostDir, "sub"), 0o755))

	v, _ := newTestVFS(t, []Mapping{{VirtualPrefix: "/data", HostRoot: hostDir, Kind: KindHostReadOnly}})

	entries, err := v.Readdir("/data")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestLongestPrefixWins(t *testing.T) {
	outer := t.TempDir()
	inner := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inner, "x.txt"), []byte("inner"), 0o644))

	v, _ := newTestVFS(t, []Mapping{
		{VirtualPrefix: "/data", HostRoot: outer, Kind: KindHostReadOnly},
		{VirtualPrefix: "/data/inner", HostRoot: inner, Kind: KindHostReadOnly},
	})

	h, err := v.OpenRead("/data/inner/x.txt")
	require.NoError(t, err)
	defer v.Close(h)
	data, err := v.Read(h, 0, 100)
	require.NoError(t, err)
	require.Equal(t, "inner", string(data))
}
