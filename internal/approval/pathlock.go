package approval

import (
	"sort"
	"strings"
	"sync"
)

// pathLocker serialises replays whose pending-write destinations share a
// common ancestor. Two sessions writing under disjoint subtrees replay
// concurrently; two writing under the same ancestor (up to depth leading
// path components) take turns.
type pathLocker struct {
	depth int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocker(depth int) *pathLocker {
	return &pathLocker{depth: depth, locks: make(map[string]*sync.Mutex)}
}

// key truncates a virtual path to the locker's ancestor depth.
func (l *pathLocker) key(vpath string) string {
	parts := strings.Split(strings.Trim(vpath, "/"), "/")
	if len(parts) > l.depth {
		parts = parts[:l.depth]
	}
	return "/" + strings.Join(parts, "/")
}

// acquire locks the distinct ancestor keys covering vpaths, in sorted
// order so two replays contending on overlapping key sets cannot
// deadlock. The returned func releases them all.
func (l *pathLocker) acquire(vpaths []string) func() {
	keySet := make(map[string]bool)
	for _, p := range vpaths {
		keySet[l.key(p)] = true
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var held []*sync.Mutex
	for _, k := range keys {
		l.mu.Lock()
		m, ok := l.locks[k]
		if !ok {
			m = &sync.Mutex{}
			l.locks[k] = m
		}
		l.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
