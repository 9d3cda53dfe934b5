// Package capture implements the subprocess capture-then-replay half of
// the sandbox: during capture it records a PendingSubprocess and hands
// the waiting child a deterministic synthetic result; during replay,
// triggered by the approval engine, it re-executes the recorded
// invocations for real and materialises pending writes.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"shannot/internal/errs"
	"shannot/internal/session"
	"shannot/internal/vfs"
)

// DefaultOpTimeout is the per-replay-op wall-clock budget.
const DefaultOpTimeout = 30 * time.Second

// SyntheticResult is what the child observes immediately during capture:
// deterministic so scripts that branch on exit code behave the same way
// regardless of whether the real command would have failed.
var SyntheticResult = session.OpResult{Exit: 0, Replayed: false}

// Capture builds a PendingSubprocess, appends it to the session, and
// returns the op's index plus the synthetic result the child should see.
func Capture(sess *session.Session, argv []string, cwd string, envDelta []string, stdin []byte, hasStdin bool, required bool) (int, session.OpResult, error) {
	caps, err := sess.Captures()
	if err != nil {
		return 0, session.OpResult{}, err
	}
	index := len(caps)

	op := session.PendingSubprocess{
		Index:      index,
		Argv:       append([]string(nil), argv...),
		Cwd:        cwd,
		EnvDelta:   append([]string(nil), envDelta...),
		StdinBytes: stdin,
		HasStdin:   hasStdin,
		Required:   required,
		CreatedAt:  time.Now(),
	}
	if err := sess.AppendCapture(op); err != nil {
		return 0, session.OpResult{}, err
	}

	result := SyntheticResult
	result.Index = index
	return index, result, nil
}

// Replayer re-executes captured subprocess ops and materialises captured
// writes against a real host filesystem, using the mapping table to
// resolve a virtual path's writable shadow.
type Replayer struct {
	BaseEnv     []string
	OpTimeout   time.Duration
	WriteShadow []vfs.Mapping
}

// NewReplayer constructs a Replayer with the default per-op timeout.
func NewReplayer(baseEnv []string, writeShadow []vfs.Mapping) *Replayer {
	return &Replayer{BaseEnv: baseEnv, OpTimeout: DefaultOpTimeout, WriteShadow: writeShadow}
}

// Replay walks every capture in recorded order: subprocess ops first,
// then pending writes. It stops at the first required-op failure or write failure,
// returning the failing op's index.
func (r *Replayer) Replay(ctx context.Context, sess *session.Session) (*session.Result, error) {
	caps, err := sess.Captures()
	if err != nil {
		return nil, err
	}

	result := &session.Result{}
	timeout := r.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}

	for _, c := range caps {
		v, ok := c.(session.PendingSubprocess)
		if !ok {
			continue
		}
		opResult, failed := r.replayOne(ctx, v, timeout)
		result.Ops = append(result.Ops, opResult)
		if failed && v.Required {
			idx := v.Index
			result.FailedOp = &idx
			result.Reason = "required op failed"
			return result, nil
		}
	}

	for _, c := range caps {
		pw, ok := c.(session.PendingWrite)
		if !ok {
			continue
		}
		if err := r.materialize(pw); err != nil {
			idx := pw.Index
			result.FailedOp = &idx
			result.Reason = fmt.Sprintf("write materialisation failed: %v", err)
			return result, nil
		}
	}

	return result, nil
}

// ReplaySocket always fails: sockets are captured but never replayed,
// so any direct replay attempt surfaces NotPermitted rather than
// silently doing nothing.
func ReplaySocket(session.CapturedSocket) error {
	return errs.New("replay_socket", errs.KindNotPermitted, fmt.Errorf("socket replay is not supported"))
}

func (r *Replayer) replayOne(ctx context.Context, op session.PendingSubprocess, timeout time.Duration) (session.OpResult, bool) {
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if len(op.Argv) == 0 {
		return session.OpResult{Index: op.Index, Exit: -1, Replayed: true, DenyReason: "empty argv"}, true
	}

	cmd := exec.CommandContext(opCtx, op.Argv[0], op.Argv[1:]...)
	cmd.Dir = op.Cwd
	cmd.Env = mergeEnv(r.BaseEnv, op.EnvDelta)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if op.HasStdin {
		cmd.Stdin = bytes.NewReader(op.StdinBytes)
	}

	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	exit := 0
	failed := false
	if err != nil {
		failed = true
		if exitErr, ok := err.(*exec.ExitError); ok {
			exit = exitErr.ExitCode()
		} else {
			exit = -1
		}
	}

	return session.OpResult{
		Index:     op.Index,
		Exit:      exit,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ElapsedMS: elapsed,
		Replayed:  true,
	}, failed
}

func (r *Replayer) materialize(pw session.PendingWrite) error {
	m, err := findWritableMapping(r.WriteShadow, pw.VirtualPath)
	if err != nil {
		return err
	}
	return materializeToHost(m, pw)
}

func mergeEnv(base, delta []string) []string {
	merged := make(map[string]string, len(base)+len(delta))
	order := make([]string, 0, len(base)+len(delta))
	set := func(kv string) {
		if i := indexByte(kv, '='); i > 0 {
			k := kv[:i]
			if _, exists := merged[k]; !exists {
				order = append(order, k)
			}
			merged[k] = kv[i+1:]
		}
	}
	for _, kv := range base {
		set(kv)
	}
	for _, kv := range delta {
		set(kv)
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
