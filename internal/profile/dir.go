package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"shannot/internal/errs"
)

// Dir resolves profile names against a directory of <name>.json files.
type Dir struct {
	root string
}

// NewDir wraps a profile directory. The directory may not exist yet;
// lookups will just report NotFound.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Load reads the named profile from <root>/<name>.json. Names are plain
// identifiers; anything path-like is rejected before touching the
// filesystem.
func (d *Dir) Load(name string) (*Profile, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return nil, errs.New("load_profile", errs.KindInvalidInput, fmt.Errorf("malformed profile name %q", name))
	}
	return Load(name, filepath.Join(d.root, name+".json"))
}

// List enumerates available profile names, sorted.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New("list_profiles", errs.KindInternal, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}
