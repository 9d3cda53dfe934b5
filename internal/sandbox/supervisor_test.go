package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shannot/internal/channel"
	"shannot/internal/profile"
	"shannot/internal/session"
	"shannot/internal/vfs"
)

// childScript plays the restricted interpreter's side of the framed
// channel. Returning ends the fake child; a non-nil error becomes its
// wait status.
type childScript func(ch *channel.Channel, stdout, stderr io.Writer) error

// fakeLauncher launches an in-process fake child driven by a script.
type fakeLauncher struct {
	script childScript
}

func (l *fakeLauncher) Launch(_ context.Context, _ LaunchSpec) (*Child, error) {
	childReads, supWrites, err := pipePair()
	if err != nil {
		return nil, err
	}
	supReads, childWrites, err := pipePair()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := pipePair()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := pipePair()
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		ch := channel.New(childReads, childWrites)
		err := l.script(ch, stdoutW, stderrW)
		_ = ch.Close()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		done <- err
	}()

	stop := func() error {
		_ = childReads.Close()
		_ = childWrites.Close()
		return nil
	}

	return &Child{
		ControlIn:  supWrites,
		ControlOut: supReads,
		Stdout:     stdoutR,
		Stderr:     stderrR,
		wait:       func() error { return <-done },
		kill:       stop,
		terminate:  stop,
	}, nil
}

func (l *fakeLauncher) Close() error { return nil }

func pipePair() (*os.File, *os.File, error) {
	return os.Pipe()
}

type supFixture struct {
	store *session.Store
	sess  *session.Session
	prof  *profile.Profile
	vfs   *vfs.VFS
}

func newSupFixture(t *testing.T) *supFixture {
	t.Helper()

	root := t.TempDir()
	store, err := session.NewStore(filepath.Join(root, "sessions"), time.Hour)
	require.NoError(t, err)

	sess, err := store.Create("print('hi')", "test", "default", "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	hostRO := filepath.Join(root, "ro")
	require.NoError(t, os.MkdirAll(hostRO, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hostRO, "data.txt"), []byte("host data"), 0o644))

	mappings := []vfs.Mapping{
		{VirtualPrefix: "/data", HostRoot: hostRO, Kind: vfs.KindHostReadOnly},
		{VirtualPrefix: "/workspace", HostRoot: filepath.Join(root, "shadow"), Kind: vfs.KindWritableShadow},
		{VirtualPrefix: "/proc", Kind: vfs.KindProc},
	}
	v := vfs.New(mappings, sess, vfs.ProcInfo{PID: 1, Cmdline: []string{"python3", "script.py"}})

	prof := &profile.Profile{
		Name:        "default",
		AutoApprove: []string{"echo", "ls"},
		AlwaysDeny:  []string{"rm -rf /"},
	}

	return &supFixture{store: store, sess: sess, prof: prof, vfs: v}
}

func (f *supFixture) run(t *testing.T, script childScript) {
	t.Helper()
	sup := NewSupervisor(f.sess, f.vfs, f.prof, &fakeLauncher{script: script})
	require.NoError(t, sup.Run(context.Background(), LaunchSpec{Argv: []string{"python3", "script.py"}}))
}

func (f *supFixture) state(t *testing.T) session.State {
	t.Helper()
	state, err := f.sess.State()
	require.NoError(t, err)
	return state
}

func TestSupervisor_FastPathApproved(t *testing.T) {
	f := newSupFixture(t)

	f.run(t, func(ch *channel.Channel, stdout, _ io.Writer) error {
		_, _ = stdout.Write([]byte("hello from child\n"))

		body, _ := json.Marshal(procSpawnRequestBody{Argv: []string{"echo", "hi"}, Cwd: "/"})
		if err := ch.Send(1, channel.TagProcSpawnRequest, body); err != nil {
			return err
		}
		frame, err := ch.Recv()
		if err != nil {
			return err
		}
		if frame.Tag != channel.TagReply || frame.RequestID != 1 {
			return errors.New("unexpected reply frame")
		}
		var reply procSpawnReply
		if err := json.Unmarshal(frame.Body, &reply); err != nil {
			return err
		}
		if reply.Exit != 0 {
			return errors.New("synthetic result should report exit 0")
		}
		return nil
	})

	require.Equal(t, session.StateApproved, f.state(t))

	caps, err := f.sess.Captures()
	require.NoError(t, err)
	require.Len(t, caps, 1)
	sp, ok := caps[0].(session.PendingSubprocess)
	require.True(t, ok)
	require.Equal(t, []string{"echo", "hi"}, sp.Argv)

	out, err := f.sess.CaptureOutput()
	require.NoError(t, err)
	require.Contains(t, string(out.StdoutBytes), "hello from child")
}

func TestSupervisor_DeniedCommand(t *testing.T) {
	f := newSupFixture(t)

	f.run(t, func(ch *channel.Channel, _, _ io.Writer) error {
		body, _ := json.Marshal(procSpawnRequestBody{Argv: []string{"rm", "-rf", "/"}, Cwd: "/"})
		if err := ch.Send(1, channel.TagProcSpawnRequest, body); err != nil {
			return err
		}
		_, err := ch.Recv()
		return err
	})

	require.Equal(t, session.StateDenied, f.state(t))

	result, err := f.sess.Result()
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Contains(t, result.Reason, "denied")
	require.Len(t, result.Ops, 1)
	require.Equal(t, 0, result.Ops[0].Index)
	require.False(t, result.Ops[0].Replayed)
	require.Equal(t, "matched always_deny", result.Ops[0].DenyReason)
}

func TestSupervisor_SocketRecordedAndRefused(t *testing.T) {
	f := newSupFixture(t)

	f.run(t, func(ch *channel.Channel, _, _ io.Writer) error {
		body, _ := json.Marshal(sockCreateRequest{Family: 2, Type: 1, Protocol: 0})
		if err := ch.Send(1, channel.TagSockCreate, body); err != nil {
			return err
		}
		frame, err := ch.Recv()
		if err != nil {
			return err
		}
		if frame.Tag != channel.TagErrorReply {
			return errors.New("socket creation should be refused")
		}
		return nil
	})

	require.Equal(t, session.StatePendingReview, f.state(t))

	caps, err := f.sess.Captures()
	require.NoError(t, err)
	require.Len(t, caps, 1)
	require.Equal(t, session.CaptureSocket, caps[0].Kind())
}

func TestSupervisor_WriteCapturedReadBack(t *testing.T) {
	f := newSupFixture(t)

	f.run(t, func(ch *channel.Channel, _, _ io.Writer) error {
		send := func(id uint32, tag channel.Tag, v any) (channel.Frame, error) {
			body, _ := json.Marshal(v)
			if err := ch.Send(id, tag, body); err != nil {
				return channel.Frame{}, err
			}
			return ch.Recv()
		}

		frame, err := send(1, channel.TagFSOpenWrite, fsOpenWriteRequest{Path: "/workspace/out.txt", Mode: 0o644})
		if err != nil {
			return err
		}
		var handle fsHandleReply
		if err := json.Unmarshal(frame.Body, &handle); err != nil {
			return err
		}

		if _, err := send(2, channel.TagFSWrite, fsWriteRequest{Handle: handle.Handle, Data: []byte("staged")}); err != nil {
			return err
		}
		if _, err := send(3, channel.TagFSCloseWrite, fsCloseWriteRequest{Handle: handle.Handle}); err != nil {
			return err
		}

		// Read-your-writes inside the same session.
		frame, err = send(4, channel.TagFSOpenRead, fsOpenReadRequest{Path: "/workspace/out.txt"})
		if err != nil {
			return err
		}
		if err := json.Unmarshal(frame.Body, &handle); err != nil {
			return err
		}
		frame, err = send(5, channel.TagFSRead, fsReadRequest{Handle: handle.Handle, Length: 64})
		if err != nil {
			return err
		}
		var read fsReadReply
		if err := json.Unmarshal(frame.Body, &read); err != nil {
			return err
		}
		if string(read.Data) != "staged" {
			return errors.New("read-your-writes returned wrong bytes")
		}
		return nil
	})

	require.Equal(t, session.StatePendingReview, f.state(t))

	caps, err := f.sess.Captures()
	require.NoError(t, err)
	require.Len(t, caps, 1)
	pw, ok := caps[0].(session.PendingWrite)
	require.True(t, ok)
	require.Equal(t, "/workspace/out.txt", pw.VirtualPath)
	require.Equal(t, "staged", string(pw.Bytes))

	// No write reached the host shadow during capture.
	_, err = os.Stat(filepath.Join(filepath.Dir(f.sess.Dir), "..", "shadow", "out.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestSupervisor_UnmappedPathFails(t *testing.T) {
	f := newSupFixture(t)

	f.run(t, func(ch *channel.Channel, _, _ io.Writer) error {
		body, _ := json.Marshal(fsStatRequest{Path: "/etc/passwd"})
		if err := ch.Send(1, channel.TagFSStat, body); err != nil {
			return err
		}
		frame, err := ch.Recv()
		if err != nil {
			return err
		}
		if frame.Tag != channel.TagErrorReply {
			return errors.New("stat outside the mapping table should fail")
		}
		var errBody errorReplyBody
		if err := json.Unmarshal(frame.Body, &errBody); err != nil {
			return err
		}
		if errBody.Kind != "not_found" {
			return errors.New("unmapped path should classify as not_found")
		}
		return nil
	})

	require.Equal(t, session.StatePendingReview, f.state(t))
}

func TestSupervisor_Timeout(t *testing.T) {
	f := newSupFixture(t)

	sup := NewSupervisor(f.sess, f.vfs, f.prof, &fakeLauncher{script: func(ch *channel.Channel, _, _ io.Writer) error {
		// Hang until the supervisor tears the channel down.
		_, err := ch.Recv()
		return err
	}})
	sup.timeout = 100 * time.Millisecond

	require.NoError(t, sup.Run(context.Background(), LaunchSpec{Argv: []string{"python3"}}))
	require.Equal(t, session.StateFailed, f.state(t))

	result, err := f.sess.Result()
	require.NoError(t, err)
	require.Equal(t, "timeout", result.Reason)
}

func TestSupervisor_ChildCrash(t *testing.T) {
	f := newSupFixture(t)

	f.run(t, func(_ *channel.Channel, _, stderr io.Writer) error {
		_, _ = stderr.Write([]byte("Traceback: boom\n"))
		return errors.New("exit status 1")
	})

	require.Equal(t, session.StateFailed, f.state(t))

	result, err := f.sess.Result()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(result.Reason, "child crashed"))
	require.Contains(t, string(result.StderrBytes), "Traceback")

	caps, err := f.sess.Captures()
	require.NoError(t, err)
	require.Empty(t, caps)
}
