package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"shannot/internal/approval"
	"shannot/internal/capture"
	"shannot/internal/config"
	"shannot/internal/profile"
	"shannot/internal/session"
	"shannot/internal/vfs"
)

// scriptedRunner stands in for the sandbox supervisor: it applies a
// caller-provided function to the freshly created session.
type scriptedRunner struct {
	run func(sess *session.Session) error
}

func (r *scriptedRunner) Run(_ context.Context, sess *session.Session) error {
	return r.run(sess)
}

type testEnv struct {
	svc   *Service
	store *session.Store
	cfg   *config.Config
}

func newTestEnv(t *testing.T, run func(sess *session.Session) error) *testEnv {
	t.Helper()

	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Session.Root = filepath.Join(root, "sessions")
	cfg.Profiles.Dir = filepath.Join(root, "profiles")
	cfg.Profiles.Default = "default"

	store, err := session.NewStore(cfg.Session.Root, time.Hour)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(cfg.Profiles.Dir, 0o755))
	profJSON := `{"auto_approve": ["echo", "ls"], "always_deny": ["rm -rf /"]}`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Profiles.Dir, "default.json"), []byte(profJSON), 0o644))

	profiles := profile.NewDir(cfg.Profiles.Dir)

	shadow := filepath.Join(root, "shadow")
	require.NoError(t, os.MkdirAll(shadow, 0o755))
	replayer := capture.NewReplayer(os.Environ(), []vfs.Mapping{
		{VirtualPrefix: "/workspace", HostRoot: shadow, Kind: vfs.KindWritableShadow},
	})
	engine := approval.New(store, profiles, replayer, nil, nil, nil, 3)

	svc := NewService(cfg, store, profiles, &scriptedRunner{run: run}, engine, nil, nil, "test")
	return &testEnv{svc: svc, store: store, cfg: cfg}
}

// exchange runs the server over the given request lines and returns the
// responses keyed by request id.
func exchange(t *testing.T, svc *Service, lines ...string) map[string]Response {
	t.Helper()

	var out syncBuffer
	srv := NewServer(svc, strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	require.NoError(t, srv.Run(context.Background()))

	responses := make(map[string]Response)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses[string(resp.ID)] = resp
	}
	return responses
}

// syncBuffer is a bytes.Buffer safe for the server's serialised writes.
type syncBuffer struct {
	bytes.Buffer
}

func reqLine(id int, method string, params any) string {
	p, _ := json.Marshal(params)
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, p)
}

func TestSubmit_FastPathInlinesResult(t *testing.T) {
	env := newTestEnv(t, func(sess *session.Session) error {
		if err := sess.AppendCapture(session.PendingSubprocess{
			Index: 0, Argv: []string{"echo", "fast"}, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return sess.SetState(session.StateApproved)
	})

	responses := exchange(t, env.svc, reqLine(1, "submit_script", SubmitParams{Script: "import subprocess"}))
	resp := responses["1"]
	require.Nil(t, resp.Error)

	var result SubmitResult
	remarshal(t, resp.Result, &result)
	require.Equal(t, "approved", result.State)
	require.NotNil(t, result.Result)

	// The fast-path replay already ran: a poll now sees the terminal state.
	responses = exchange(t, env.svc, reqLine(2, "poll_session", PollParams{SessionID: result.SessionID}))
	var poll PollResult
	remarshal(t, responses["2"].Result, &poll)
	require.Equal(t, "executed", poll.State)
	require.NotNil(t, poll.Result)
}

func TestSubmit_DeniedReturnsResult(t *testing.T) {
	env := newTestEnv(t, func(sess *session.Session) error {
		if err := sess.AppendCapture(session.PendingSubprocess{
			Index: 0, Argv: []string{"rm", "-rf", "/"}, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		if err := sess.SetState(session.StateDenied); err != nil {
			return err
		}
		return sess.WriteResult(session.Result{Reason: "profile denied one or more captured subprocess invocations"})
	})

	responses := exchange(t, env.svc, reqLine(1, "submit_script", SubmitParams{Script: "import subprocess"}))
	resp := responses["1"]
	require.Nil(t, resp.Error)

	var result SubmitResult
	remarshal(t, resp.Result, &result)
	require.Equal(t, "denied", result.State)
	require.NotNil(t, result.Result)
}

func TestSubmit_PendingReviewThenPoll(t *testing.T) {
	env := newTestEnv(t, func(sess *session.Session) error {
		if err := sess.AppendCapture(session.PendingSubprocess{
			Index: 0, Argv: []string{"curl", "http://example.com"}, CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return sess.SetState(session.StatePendingReview)
	})

	responses := exchange(t, env.svc, reqLine(1, "submit_script", SubmitParams{Script: "import subprocess"}))
	var result SubmitResult
	remarshal(t, responses["1"].Result, &result)
	require.Equal(t, "pending_review", result.State)
	require.Nil(t, result.Result)

	responses = exchange(t, env.svc, reqLine(2, "poll_session", PollParams{SessionID: result.SessionID}))
	var poll PollResult
	remarshal(t, responses["2"].Result, &poll)
	require.Equal(t, "pending_review", poll.State)
	require.Nil(t, poll.Result)
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, func(sess *session.Session) error {
		return sess.SetState(session.StatePendingReview)
	})

	tests := []struct {
		name     string
		params   SubmitParams
		wantCode int
	}{
		{"empty script", SubmitParams{Script: ""}, -32602},
		{"bad profile", SubmitParams{Script: "x", Profile: "nope"}, -32602},
		{"bad target", SubmitParams{Script: "x", Target: "nope"}, -32602},
		{"invalid utf8", SubmitParams{Script: string([]byte{0xff, 0xfe})}, -32602},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := reqLine(7, "submit_script", tt.params)
			if !utf8.ValidString(tt.params.Script) {
				// json.Marshal would coerce the bytes to U+FFFD; put them on the wire as-is.
				line = fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"submit_script","params":{"script":"%s"}}`, tt.params.Script)
			}
			responses := exchange(t, env.svc, line)
			resp := responses["7"]
			require.NotNil(t, resp.Error)
			require.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestPoll_UnknownSession(t *testing.T) {
	env := newTestEnv(t, func(sess *session.Session) error { return nil })

	responses := exchange(t, env.svc, reqLine(1, "poll_session", PollParams{SessionID: "nope"}))
	resp := responses["1"]
	require.NotNil(t, resp.Error)
	require.Equal(t, -32000, resp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t, func(sess *session.Session) error { return nil })

	responses := exchange(t, env.svc, `{"jsonrpc":"2.0","id":1,"method":"bogus"}`)
	resp := responses["1"]
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	env := newTestEnv(t, func(sess *session.Session) error { return nil })

	responses := exchange(t, env.svc, `{not json`)
	resp, ok := responses[""]
	require.True(t, ok, "parse error response should carry no id")
	require.NotNil(t, resp.Error)
	require.Equal(t, ErrCodeParse, resp.Error.Code)
}

func TestListProfilesAndStatus(t *testing.T) {
	env := newTestEnv(t, func(sess *session.Session) error { return nil })
	env.cfg.Remote.Targets = map[string]config.TargetConfig{
		"prod": {Host: "prod.example.com", User: "deploy", Port: 22},
	}

	responses := exchange(t, env.svc,
		reqLine(1, "list_profiles", struct{}{}),
		reqLine(2, "list_targets", struct{}{}),
		reqLine(3, "status", struct{}{}),
	)

	var profiles []string
	remarshal(t, responses["1"].Result, &profiles)
	require.Equal(t, []string{"default"}, profiles)

	var targets []string
	remarshal(t, responses["2"].Result, &targets)
	require.Equal(t, []string{"prod"}, targets)

	var status StatusResult
	remarshal(t, responses["3"].Result, &status)
	require.Equal(t, "test", status.Version)
	require.Equal(t, env.cfg.Session.Root, status.SessionRoot)
	require.Equal(t, []string{"prod"}, status.Targets)
}

func TestNotificationGetsNoResponse(t *testing.T) {
	env := newTestEnv(t, func(sess *session.Session) error { return nil })

	var out syncBuffer
	srv := NewServer(env.svc, strings.NewReader(`{"jsonrpc":"2.0","method":"list_profiles"}`+"\n"), &out)
	require.NoError(t, srv.Run(context.Background()))
	require.Equal(t, "", strings.TrimSpace(out.String()))
}

func remarshal(t *testing.T, from any, to any) {
	t.Helper()
	data, err := json.Marshal(from)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, to))
}
