// Package vfs implements the virtual filesystem the sandboxed
// interpreter sees: a configured set of read-only host mappings, a
// synthesised /proc subtree, and an in-memory write buffer that turns
// close_write into a PendingWrite capture instead of a host mutation.
package vfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"shannot/internal/errs"
	"shannot/internal/session"
)

// MappingKind distinguishes how a virtual prefix resolves.
type MappingKind int

const (
	// KindHostReadOnly passes reads through to a host directory.
	KindHostReadOnly MappingKind = iota
	// KindWritableShadow behaves like KindHostReadOnly for reads but
	// accepts open_write under its prefix (used during replay
	// materialization, not during capture).
	KindWritableShadow
	// KindProc is served by the synthesiser, not the host filesystem.
	KindProc
)

// Mapping binds a virtual path prefix to a host root or the synthesiser.
type Mapping struct {
	VirtualPrefix string
	HostRoot      string
	Kind          MappingKind
}

// Entry describes one readdir result item.
type Entry struct {
	Name string
	Dir  bool
}

// StatResult is a stat-like summary, deliberately narrow: only what a
// restricted interpreter's os.stat needs.
type StatResult struct {
	Size  int64
	Dir   bool
	Mode  uint32
	MTime time.Time
}

type readHandle struct {
	f    *os.File
	mem  []byte // non-nil when serving a previously captured write
	vpath string
}

type writeHandle struct {
	vpath string
	mode  uint32
	buf   []byte
}

// VFS is one child's filesystem view, scoped to a single session.
type VFS struct {
	mappings []Mapping
	sess     *session.Session
	procInfo ProcInfo

	mu       sync.Mutex
	nextID   uint64
	reads    map[uint64]*readHandle
	writes   map[uint64]*writeHandle
	captured map[string][]byte // virtual path -> bytes, read-your-writes within session
}

// ProcInfo parameterises the /proc synthesiser with the sandboxed
// child's own identity, since none of it may leak the supervisor's.
type ProcInfo struct {
	PID     int
	Cmdline []string
	Environ []string
}

// New builds a VFS over an ordered mapping table. Mappings are checked
// longest-prefix-first regardless of input order.
func New(mappings []Mapping, sess *session.Session, proc ProcInfo) *VFS {
	sorted := make([]Mapping, len(mappings))
	copy(sorted, mappings)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].VirtualPrefix) > len(sorted[j].VirtualPrefix)
	})
	return &VFS{
		mappings: sorted,
		sess:     sess,
		procInfo: proc,
		reads:    make(map[uint64]*readHandle),
		writes:   make(map[uint64]*writeHandle),
		captured: make(map[string][]byte),
	}
}

// canonical strips "." and ".." components and collapses "//" the way
// path.Clean does, always anchored at "/".
func canonical(vpath string) string {
	if vpath == "" {
		return "/"
	}
	if !strings.HasPrefix(vpath, "/") {
		vpath = "/" + vpath
	}
	return path.Clean(vpath)
}

func (v *VFS) lookup(vpath string) (Mapping, string, bool) {
	clean := canonical(vpath)
	for _, m := range v.mappings {
		prefix := m.VirtualPrefix
		if clean == prefix || strings.HasPrefix(clean, strings.TrimSuffix(prefix, "/")+"/") {
			rel := strings.TrimPrefix(clean, prefix)
			rel = strings.TrimPrefix(rel, "/")
			return m, rel, true
		}
	}
	return Mapping{}, "", false
}

func (v *VFS) hostPath(m Mapping, rel string) (string, error) {
	host, err := securejoin.SecureJoin(m.HostRoot, rel)
	if err != nil {
		return "", errs.New("host_path", errs.KindInternal, err)
	}
	return host, nil
}

// Stat implements stat(vpath).
func (v *VFS) Stat(vpath string) (StatResult, error) {
	clean := canonical(vpath)

	v.mu.Lock()
	if bytes, ok := v.captured[clean]; ok {
		v.mu.Unlock()
		return StatResult{Size: int64(len(bytes)), MTime: time.Now()}, nil
	}
	v.mu.Unlock()

	m, rel, ok := v.lookup(vpath)
	if !ok {
		return StatResult{}, errs.New("stat", errs.KindNotFound, fmt.Errorf("unmapped path %q", clean))
	}
	if m.Kind == KindProc {
		return v.procStat(strings.TrimPrefix(clean, "/proc"))
	}

	host, err := v.hostPath(m, rel)
	if err != nil {
		return StatResult{}, err
	}
	info, err := os.Stat(host)
	if err != nil {
		if os.IsNotExist(err) {
			return StatResult{}, errs.New("stat", errs.KindNotFound, err)
		}
		return StatResult{}, errs.New("stat", errs.KindInternal, err)
	}
	return StatResult{Size: info.Size(), Dir: info.IsDir(), Mode: uint32(info.Mode().Perm()), MTime: info.ModTime()}, nil
}

// OpenRead implements open_read(vpath), returning an opaque handle id.
func (v *VFS) OpenRead(vpath string) (uint64, error) {
	clean := canonical(vpath)

	v.mu.Lock()
	if bytes, ok := v.captured[clean]; ok {
		id := v.allocID()
		v.reads[id] = &readHandle{mem: bytes, vpath: clean}
		v.mu.Unlock()
		return id, nil
	}
	v.mu.Unlock()

	m, rel, ok := v.lookup(vpath)
	if !ok {
		return 0, errs.New("open_read", errs.KindNotFound, fmt.Errorf("unmapped path %q", clean))
	}
	if m.Kind == KindProc {
		body, err := v.procRead(strings.TrimPrefix(clean, "/proc"))
		if err != nil {
			return 0, err
		}
		v.mu.Lock()
		id := v.allocID()
		v.reads[id] = &readHandle{mem: body, vpath: clean}
		v.mu.Unlock()
		return id, nil
	}

	host, err := v.hostPath(m, rel)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(host)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errs.New("open_read", errs.KindNotFound, err)
		}
		return 0, errs.New("open_read", errs.KindInternal, err)
	}

	v.mu.Lock()
	id := v.allocID()
	v.reads[id] = &readHandle{f: f, vpath: clean}
	v.mu.Unlock()
	return id, nil
}

// Read implements read(handle, offset, len).
func (v *VFS) Read(handle uint64, offset int64, length int) ([]byte, error) {
	v.mu.Lock()
	h, ok := v.reads[handle]
	v.mu.Unlock()
	if !ok {
		return nil, errs.New("read", errs.KindInvalidInput, fmt.Errorf("no such read handle %d", handle))
	}

	if h.mem != nil {
		if offset >= int64(len(h.mem)) {
			return nil, nil
		}
		end := offset + int64(length)
		if end > int64(len(h.mem)) {
			end = int64(len(h.mem))
		}
		return h.mem[offset:end], nil
	}

	buf := make([]byte, length)
	n, err := h.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, errs.New("read", errs.KindInternal, err)
	}
	return buf[:n], nil
}

// Close implements close(handle) for a read handle.
func (v *VFS) Close(handle uint64) error {
	v.mu.Lock()
	h, ok := v.reads[handle]
	delete(v.reads, handle)
	v.mu.Unlock()
	if !ok {
		return errs.New("close", errs.KindInvalidInput, fmt.Errorf("no such read handle %d", handle))
	}
	if h.f != nil {
		return h.f.Close()
	}
	return nil
}

// Readdir implements readdir(vpath): it lists the host directory (or
// synthesised /proc node) of the single longest-prefix mapping covering
// vpath. Entries from other mappings, including mapping prefixes nested
// below vpath, are not merged in.
func (v *VFS) Readdir(vpath string) ([]Entry, error) {
	clean := canonical(vpath)

	m, rel, ok := v.lookup(vpath)
	if !ok {
		return nil, errs.New("readdir", errs.KindNotFound, fmt.Errorf("unmapped path %q", clean))
	}
	if m.Kind == KindProc {
		return v.procReaddir(strings.TrimPrefix(clean, "/proc"))
	}

	host, err := v.hostPath(m, rel)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New("readdir", errs.KindNotFound, err)
		}
		return nil, errs.New("readdir", errs.KindInternal, err)
	}

	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		entries = append(entries, Entry{Name: de.Name(), Dir: de.IsDir()})
	}
	return entries, nil
}

// OpenWrite implements open_write(vpath, mode): never touches the host,
// buffers entirely in memory.
func (v *VFS) OpenWrite(vpath string, mode uint32) (uint64, error) {
	clean := canonical(vpath)
	m, _, ok := v.lookup(vpath)
	if !ok {
		return 0, errs.New("open_write", errs.KindNotPermitted, fmt.Errorf("unmapped path %q", clean))
	}
	if m.Kind != KindWritableShadow {
		return 0, errs.New("open_write", errs.KindNotPermitted, fmt.Errorf("path %q has no writable shadow", clean))
	}

	v.mu.Lock()
	id := v.allocID()
	v.writes[id] = &writeHandle{vpath: clean, mode: mode}
	v.mu.Unlock()
	return id, nil
}

// Write implements write(handle, bytes), appending to the in-memory
// buffer and returning the number of bytes accepted.
func (v *VFS) Write(handle uint64, data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.writes[handle]
	if !ok {
		return 0, errs.New("write", errs.KindInvalidInput, fmt.Errorf("no such write handle %d", handle))
	}
	h.buf = append(h.buf, data...)
	return len(data), nil
}

// CloseWrite implements close_write(handle): emits a PendingWrite
// capture and makes the bytes visible to subsequent reads of the same
// virtual path within this session.
func (v *VFS) CloseWrite(handle uint64) error {
	v.mu.Lock()
	h, ok := v.writes[handle]
	if !ok {
		v.mu.Unlock()
		return errs.New("close_write", errs.KindInvalidInput, fmt.Errorf("no such write handle %d", handle))
	}
	delete(v.writes, handle)
	v.captured[h.vpath] = h.buf
	v.mu.Unlock()

	caps, err := v.sess.Captures()
	if err != nil {
		return err
	}
	index := len(caps)

	return v.sess.AppendCapture(session.PendingWrite{
		Index:       index,
		VirtualPath: h.vpath,
		Bytes:       h.buf,
		Mode:        h.mode,
		CreatedAt:   time.Now(),
	})
}

// ReadlinkProc implements readlink_proc(vpath), valid only under /proc.
func (v *VFS) ReadlinkProc(vpath string) (string, error) {
	clean := canonical(vpath)
	if !strings.HasPrefix(clean, "/proc") {
		return "", errs.New("readlink_proc", errs.KindInvalidInput, fmt.Errorf("not a /proc path: %q", clean))
	}
	if strings.HasSuffix(clean, "/exe") {
		return fmt.Sprintf("/proc/%d/exe-target", v.procInfo.PID), nil
	}
	return "", errs.New("readlink_proc", errs.KindNotFound, fmt.Errorf("no such link %q", clean))
}

func (v *VFS) allocID() uint64 {
	v.nextID++
	return v.nextID
}
