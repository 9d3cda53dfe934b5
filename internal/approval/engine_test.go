package approval

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shannot/internal/capture"
	"shannot/internal/errs"
	"shannot/internal/profile"
	"shannot/internal/session"
	"shannot/internal/vfs"
)

type fixture struct {
	store   *session.Store
	engine  *Engine
	shadow  string
	profDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	store, err := session.NewStore(filepath.Join(root, "sessions"), time.Hour)
	require.NoError(t, err)

	profDir := filepath.Join(root, "profiles")
	require.NoError(t, os.MkdirAll(profDir, 0o755))
	writeProfile(t, profDir, "default", map[string][]string{
		"auto_approve": {"echo", "true"},
		"always_deny":  {"rm -rf /"},
	})

	shadow := filepath.Join(root, "shadow")
	require.NoError(t, os.MkdirAll(shadow, 0o755))
	mappings := []vfs.Mapping{
		{VirtualPrefix: "/workspace", HostRoot: shadow, Kind: vfs.KindWritableShadow},
	}

	replayer := capture.NewReplayer(os.Environ(), mappings)
	engine := New(store, profile.NewDir(profDir), replayer, nil, nil, nil, 3)

	return &fixture{store: store, engine: engine, shadow: shadow, profDir: profDir}
}

func writeProfile(t *testing.T, dir, name string, lists map[string][]string) {
	t.Helper()
	data, err := json.Marshal(lists)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644))
}

// newParkedSession creates a session in pending_review carrying the given
// captures.
func (f *fixture) newParkedSession(t *testing.T, caps ...session.Capture) string {
	t.Helper()
	sess, err := f.store.Create("print('hi')", "test", "default", "", "")
	require.NoError(t, err)
	for _, c := range caps {
		require.NoError(t, sess.AppendCapture(c))
	}
	require.NoError(t, sess.SetState(session.StatePendingReview))
	require.NoError(t, sess.Close())
	return sess.ID
}

func subprocCapture(index int, argv ...string) session.PendingSubprocess {
	return session.PendingSubprocess{Index: index, Argv: argv, CreatedAt: time.Now()}
}

func TestReview_FastForwardsAllAutoAllow(t *testing.T) {
	f := newFixture(t)
	id := f.newParkedSession(t, subprocCapture(0, "echo", "hello"))

	outcome, err := f.engine.Review(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateExecuted, outcome.State)

	sess, err := f.store.Open(id, false)
	require.NoError(t, err)
	result, err := sess.Result()
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Ops, 1)
	require.Equal(t, 0, result.Ops[0].Exit)
	require.True(t, result.Ops[0].Replayed)
	require.Contains(t, result.Ops[0].Stdout, "hello")
}

func TestReview_ReturnsItemsForMixed(t *testing.T) {
	f := newFixture(t)
	id := f.newParkedSession(t,
		subprocCapture(0, "echo", "ok"),
		subprocCapture(1, "curl", "http://example.com"),
	)

	outcome, err := f.engine.Review(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StatePendingReview, outcome.State)
	require.Len(t, outcome.Items, 2)
	require.Equal(t, profile.AutoAllow, outcome.Items[0].Classified)
	require.Equal(t, profile.NeedsReview, outcome.Items[1].Classified)
	require.Equal(t, "curl http://example.com", outcome.Items[1].Summary)
}

func TestReview_DeniesOnAlwaysDeny(t *testing.T) {
	f := newFixture(t)
	id := f.newParkedSession(t, subprocCapture(0, "rm", "-rf", "/"))

	outcome, err := f.engine.Review(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StateDenied, outcome.State)

	sess, err := f.store.Open(id, false)
	require.NoError(t, err)
	result, err := sess.Result()
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Ops, 1)
	require.False(t, result.Ops[0].Replayed)
	require.Equal(t, "matched always_deny", result.Ops[0].DenyReason)
}

func TestReview_WritesNeedReview(t *testing.T) {
	f := newFixture(t)
	id := f.newParkedSession(t, session.PendingWrite{
		Index: 0, VirtualPath: "/workspace/out.txt", Bytes: []byte("hi"), CreatedAt: time.Now(),
	})

	outcome, err := f.engine.Review(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, session.StatePendingReview, outcome.State)
	require.Len(t, outcome.Items, 1)
	require.Equal(t, "write", outcome.Items[0].Kind)
}

func TestDecide_AllowReplaysAndMaterialisesWrites(t *testing.T) {
	f := newFixture(t)
	id := f.newParkedSession(t,
		subprocCapture(0, "echo", "staged"),
		session.PendingWrite{Index: 1, VirtualPath: "/workspace/out.txt", Bytes: []byte("hi"), CreatedAt: time.Now()},
	)

	state, err := f.engine.Decide(context.Background(), id, []session.Decision{
		{Index: 0, Decision: "allow"},
		{Index: 1, Decision: "allow"},
	}, "tester")
	require.NoError(t, err)
	require.Equal(t, session.StateExecuted, state)

	data, err := os.ReadFile(filepath.Join(f.shadow, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))

	sess, err := f.store.Open(id, false)
	require.NoError(t, err)
	app, err := sess.Approval()
	require.NoError(t, err)
	require.NotNil(t, app)
	require.Equal(t, "tester", app.DecidedBy)
	require.Len(t, app.Decisions, 2)
}

func TestDecide_SingleDenyPoisonsSession(t *testing.T) {
	f := newFixture(t)
	id := f.newParkedSession(t,
		subprocCapture(0, "echo", "ok"),
		subprocCapture(1, "curl", "http://example.com"),
	)

	state, err := f.engine.Decide(context.Background(), id, []session.Decision{
		{Index: 0, Decision: "allow"},
		{Index: 1, Decision: "deny"},
	}, "tester")
	require.NoError(t, err)
	require.Equal(t, session.StateDenied, state)

	// Nothing replayed: the allowed echo must not have run either.
	sess, err := f.store.Open(id, false)
	require.NoError(t, err)
	result, err := sess.Result()
	require.NoError(t, err)
	for _, op := range result.Ops {
		require.False(t, op.Replayed)
	}
}

func TestDecide_ValidatesCoverage(t *testing.T) {
	f := newFixture(t)
	id := f.newParkedSession(t,
		subprocCapture(0, "echo", "a"),
		subprocCapture(1, "echo", "b"),
	)

	_, err := f.engine.Decide(context.Background(), id, []session.Decision{
		{Index: 0, Decision: "allow"},
	}, "tester")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindInvalidInput))

	_, err = f.engine.Decide(context.Background(), id, []session.Decision{
		{Index: 0, Decision: "allow"},
		{Index: 5, Decision: "allow"},
	}, "tester")
	require.Error(t, err)

	_, err = f.engine.Decide(context.Background(), id, []session.Decision{
		{Index: 0, Decision: "allow"},
		{Index: 1, Decision: "maybe"},
	}, "tester")
	require.Error(t, err)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	id := f.newParkedSession(t, subprocCapture(0, "curl", "x"))

	require.NoError(t, f.engine.Cancel(id))

	sess, err := f.store.Open(id, false)
	require.NoError(t, err)
	state, err := sess.State()
	require.NoError(t, err)
	require.Equal(t, session.StateRejected, state)

	// Cancelling twice is an error: the session is already terminal.
	require.Error(t, f.engine.Cancel(id))
}

func TestDecide_RequiredOpFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	id := f.newParkedSession(t, session.PendingSubprocess{
		Index: 0, Argv: []string{"false"}, Required: true, CreatedAt: time.Now(),
	})

	state, err := f.engine.Decide(context.Background(), id, []session.Decision{
		{Index: 0, Decision: "allow"},
	}, "tester")
	require.NoError(t, err)
	require.Equal(t, session.StateFailed, state)

	sess, err := f.store.Open(id, false)
	require.NoError(t, err)
	result, err := sess.Result()
	require.NoError(t, err)
	require.NotNil(t, result.FailedOp)
	require.Equal(t, 0, *result.FailedOp)
}

func TestPathLocker_KeyDepth(t *testing.T) {
	l := newPathLocker(2)
	require.Equal(t, "/a/b", l.key("/a/b/c/d"))
	require.Equal(t, "/a", l.key("/a"))
	require.Equal(t, "/", l.key("/"))
}

func TestPathLocker_SerialisesOverlappingAncestors(t *testing.T) {
	l := newPathLocker(2)

	release := l.acquire([]string{"/workspace/project/a.txt"})

	acquired := make(chan struct{})
	go func() {
		r := l.acquire([]string{"/workspace/project/b.txt"})
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping ancestor acquired while still held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
}
