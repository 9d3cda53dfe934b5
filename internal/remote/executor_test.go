package remote

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shannot/internal/errs"
	"shannot/internal/session"
)

func testTargets() map[string]Target {
	return map[string]Target{
		"prod": {Name: "prod", Host: "prod.example.com", User: "deploy", Port: 22},
	}
}

func TestResolve(t *testing.T) {
	e := NewExecutor(testTargets(), UnconfiguredFactory, "v1")

	got, err := e.Resolve("prod")
	require.NoError(t, err)
	require.Equal(t, "prod.example.com", got.Host)

	_, err = e.Resolve("deploy@prod.example.com")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindInvalidInput), "free-form user@host must be rejected, not looked up")

	_, err = e.Resolve("staging")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindNotFound))
}

func TestDirTransport_DeployIsCacheFirst(t *testing.T) {
	root := t.TempDir()
	tr := &DirTransport{Root: root}

	require.NoError(t, tr.Deploy(context.Background(), "v1"))
	marker := filepath.Join(root, "deploy-v1", ".deployed")
	require.FileExists(t, marker)

	// Scribble on the marker; a cache hit must leave it untouched.
	require.NoError(t, os.WriteFile(marker, []byte("sentinel"), 0o644))
	require.NoError(t, tr.Deploy(context.Background(), "v1"))
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "sentinel", string(data))

	// A new version tag is a different cache key.
	require.NoError(t, tr.Deploy(context.Background(), "v2"))
	require.FileExists(t, filepath.Join(root, "deploy-v2", ".deployed"))
}

func TestExecute_PushRunFetchMerge(t *testing.T) {
	root := t.TempDir()
	store, err := session.NewStore(filepath.Join(root, "sessions"), time.Hour)
	require.NoError(t, err)
	sess, err := store.Create("print('hi')", "remote-test", "default", "prod", "")
	require.NoError(t, err)
	defer sess.Close()

	remoteRoot := filepath.Join(root, "remote")
	var ranDir string
	factory := DirFactory(remoteRoot, func(_ context.Context, sessionDir string) error {
		ranDir = sessionDir

		// The remote side saw the pushed script and metadata.
		script, err := os.ReadFile(filepath.Join(sessionDir, "script.py"))
		if err != nil {
			return err
		}
		require.Equal(t, "print('hi')", string(script))

		// Produce a result the way a remote supervisor run would.
		result := session.Result{StdoutBytes: []byte("remote stdout"), ExitCode: 0}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(sessionDir, "result.json"), data, 0o644)
	})

	e := NewExecutor(testTargets(), factory, "v1")
	require.NoError(t, e.Execute(context.Background(), "prod", sess))
	require.Equal(t, filepath.Join(remoteRoot, "sessions", sess.ID), ranDir)

	// The remote result landed in the local session directory.
	result, err := sess.Result()
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, "remote stdout", string(result.StdoutBytes))
}

func TestExecute_UnknownTarget(t *testing.T) {
	root := t.TempDir()
	store, err := session.NewStore(filepath.Join(root, "sessions"), time.Hour)
	require.NoError(t, err)
	sess, err := store.Create("print('hi')", "x", "default", "", "")
	require.NoError(t, err)
	defer sess.Close()

	e := NewExecutor(testTargets(), UnconfiguredFactory, "v1")
	err = e.Execute(context.Background(), "nope", sess)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindNotFound))
}

func TestExecute_TransportFailure(t *testing.T) {
	root := t.TempDir()
	store, err := session.NewStore(filepath.Join(root, "sessions"), time.Hour)
	require.NoError(t, err)
	sess, err := store.Create("print('hi')", "x", "default", "prod", "")
	require.NoError(t, err)
	defer sess.Close()

	e := NewExecutor(testTargets(), UnconfiguredFactory, "v1")
	err = e.Execute(context.Background(), "prod", sess)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindTransportError))
}
