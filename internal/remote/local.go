package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"shannot/internal/errs"
)

// UnconfiguredFactory is the TransportFactory used when no real
// transport (SSH or otherwise) has been wired in. Every connection
// attempt fails with TransportError, so a remote-targeted session
// finalises as failed instead of hanging.
func UnconfiguredFactory(context.Context, Target) (Transport, error) {
	return nil, fmt.Errorf("no remote transport configured")
}

// DirTransport implements Transport against a directory on the local
// filesystem: the "remote" is just another path. It exists to exercise
// the full deploy/push/run/fetch contract in tests and single-host
// setups without a network; a real SSH transport satisfies the same
// interface externally.
type DirTransport struct {
	// Root is the remote side's base directory.
	Root string
	// RunFunc runs the capture phase against a pushed session directory.
	RunFunc func(ctx context.Context, sessionDir string) error
}

// DirFactory builds DirTransports rooted at root, ignoring the resolved
// target's host details.
func DirFactory(root string, run func(ctx context.Context, sessionDir string) error) TransportFactory {
	return func(context.Context, Target) (Transport, error) {
		return &DirTransport{Root: root, RunFunc: run}, nil
	}
}

func (t *DirTransport) deployMarker(versionTag string) string {
	return filepath.Join(t.Root, "deploy-"+versionTag, ".deployed")
}

// Deploy drops a version marker; a marker already present means the
// copy is cached and nothing is transferred.
func (t *DirTransport) Deploy(_ context.Context, versionTag string) error {
	marker := t.deployMarker(versionTag)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return err
	}
	return os.WriteFile(marker, []byte(versionTag+"\n"), 0o644)
}

func (t *DirTransport) sessionDir(id string) string {
	return filepath.Join(t.Root, "sessions", id)
}

// PushSession writes the session's script and metadata under the remote
// root.
func (t *DirTransport) PushSession(_ context.Context, remoteSessionID string, script, metadata []byte) error {
	dir := t.sessionDir(remoteSessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "script.py"), script, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metadata, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "state"), []byte("running\n"), 0o644)
}

// RunSupervisor invokes the run callback against the pushed directory.
func (t *DirTransport) RunSupervisor(ctx context.Context, remoteSessionID string) error {
	if t.RunFunc == nil {
		return errs.New("run_supervisor", errs.KindTransportError, fmt.Errorf("no run callback configured"))
	}
	return t.RunFunc(ctx, t.sessionDir(remoteSessionID))
}

// FetchSession reads back whatever captures and result the remote run
// produced; either may be absent.
func (t *DirTransport) FetchSession(_ context.Context, remoteSessionID string) ([]byte, []byte, error) {
	dir := t.sessionDir(remoteSessionID)
	captureLog, err := os.ReadFile(filepath.Join(dir, "captures.log"))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}
	result, err := os.ReadFile(filepath.Join(dir, "result.json"))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}
	return captureLog, result, nil
}

// Close is a no-op; a directory holds no connection.
func (t *DirTransport) Close() error { return nil }
