package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"shannot/internal/errs"
	"shannot/internal/session"
	"shannot/internal/vfs"
)

// findWritableMapping locates the writable-shadow mapping covering a
// captured virtual path, longest prefix first.
func findWritableMapping(mappings []vfs.Mapping, vpath string) (vfs.Mapping, error) {
	best := -1
	var found vfs.Mapping
	for _, m := range mappings {
		if m.Kind != vfs.KindWritableShadow {
			continue
		}
		prefix := m.VirtualPrefix
		if vpath == prefix || strings.HasPrefix(vpath, strings.TrimSuffix(prefix, "/")+"/") {
			if len(prefix) > best {
				best = len(prefix)
				found = m
			}
		}
	}
	if best < 0 {
		return vfs.Mapping{}, errs.New("materialize", errs.KindNotPermitted, fmt.Errorf("no writable shadow covers %q", vpath))
	}
	return found, nil
}

// materializeToHost writes a captured buffer to its real host path,
// using a symlink-safe join so a captured virtual path can never escape
// its mapping's host root even at replay time.
func materializeToHost(m vfs.Mapping, pw session.PendingWrite) error {
	rel := strings.TrimPrefix(pw.VirtualPath, m.VirtualPrefix)
	rel = strings.TrimPrefix(rel, "/")

	host, err := securejoin.SecureJoin(m.HostRoot, rel)
	if err != nil {
		return errs.New("materialize", errs.KindInternal, err)
	}

	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return errs.New("materialize", errs.KindInternal, err)
	}

	mode := os.FileMode(pw.Mode)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.WriteFile(host, pw.Bytes, mode); err != nil {
		return errs.New("materialize", errs.KindInternal, err)
	}
	return nil
}
