package session

import (
	"fmt"
	"os"
	"path/filepath"

	"shannot/internal/errs"
)

const lockFileName = ".lock"

// acquireLock takes exclusive ownership of a session directory via an
// O_EXCL lockfile, the coordination primitive that works across separate
// supervisor/replayer processes.
func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errs.New("acquire_lock", errs.KindLocked, fmt.Errorf("session %s is owned by another process", filepath.Base(dir)))
		}
		return nil, errs.New("acquire_lock", errs.KindInternal, err)
	}
	pid := fmt.Sprintf("%d\n", os.Getpid())
	_, _ = f.WriteString(pid)
	return f, nil
}

// releaseLock removes the lockfile, returning ownership to nobody.
func releaseLock(dir string, f *os.File) error {
	if f != nil {
		_ = f.Close()
	}
	path := filepath.Join(dir, lockFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.New("release_lock", errs.KindInternal, err)
	}
	return nil
}
