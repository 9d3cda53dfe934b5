package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shannot/internal/capture"
	"shannot/internal/channel"
	"shannot/internal/errs"
	"shannot/internal/profile"
	"shannot/internal/session"
	"shannot/internal/vfs"
)

// DefaultOutputCap bounds how much of the child's stdout/stderr the
// supervisor retains; excess is dropped with a marker.
const DefaultOutputCap = 10 << 20 // 10 MiB

// DefaultCaptureTimeout is the capture-phase wall-clock budget.
const DefaultCaptureTimeout = 300 * time.Second

// terminateGrace is how long the supervisor waits after SIGTERM before
// escalating to SIGKILL.
const terminateGrace = 2 * time.Second

// ioConcurrency bounds how many handlers may be doing blocking host I/O
// at once; the frame task itself never blocks on a handler.
const ioConcurrency = 8

// Supervisor owns one child for the duration of its capture phase: the
// framed channel, the concurrent stdout/stderr drains, the wall-clock
// timeout, and the fast-path decision on clean exit.
type Supervisor struct {
	sess      *session.Session
	vfs       *vfs.VFS
	prof      *profile.Profile
	launcher  ChildLauncher
	outputCap int64
	timeout   time.Duration

	writeMu sync.Mutex
	ioSem   chan struct{}
}

// NewSupervisor builds a Supervisor for one session run.
func NewSupervisor(sess *session.Session, v *vfs.VFS, prof *profile.Profile, launcher ChildLauncher) *Supervisor {
	return &Supervisor{
		sess:      sess,
		vfs:       v,
		prof:      prof,
		launcher:  launcher,
		outputCap: DefaultOutputCap,
		timeout:   DefaultCaptureTimeout,
		ioSem:     make(chan struct{}, ioConcurrency),
	}
}

// Run launches the restricted interpreter, drives its capture phase to
// completion (clean exit, timeout, or external cancellation), and leaves
// the session in whichever non-running state the fast-path decision (or
// a failure) selects. The approval engine handles what comes next for
// pending_review and approved sessions.
func (s *Supervisor) Run(ctx context.Context, spec LaunchSpec) error {
	child, err := s.launcher.Launch(ctx, spec)
	if err != nil {
		_ = s.sess.SetState(session.StateFailed)
		return err
	}

	ch := channel.New(child.ControlOut, child.ControlIn)
	defer ch.Close()

	stdoutBuf := newBoundedBuffer(s.outputCap)
	stderrBuf := newBoundedBuffer(s.outputCap)

	var drainWG sync.WaitGroup
	drainWG.Add(2)
	go func() { defer drainWG.Done(); _, _ = io.Copy(stdoutBuf, child.Stdout) }()
	go func() { defer drainWG.Done(); _, _ = io.Copy(stderrBuf, child.Stderr) }()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		s.dispatchLoop(ch)
	}()

	exitCh := make(chan error, 1)
	go func() { exitCh <- child.Wait() }()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var abortReason string
	var childErr error
	select {
	case <-timer.C:
		abortReason = "timeout"
		s.cancel(child, exitCh)
	case <-ctx.Done():
		abortReason = "cancelled"
		s.cancel(child, exitCh)
	case waitErr := <-exitCh:
		childErr = waitErr
		if waitErr != nil {
			log.Debug().Err(waitErr).Str("session_id", s.sess.ID).Msg("child exited with error")
		}
	}

	<-dispatchDone
	drainWG.Wait()

	return s.finalize(abortReason, childErr, stdoutBuf.Bytes(), stderrBuf.Bytes())
}

// cancel runs the teardown sequence: close the write half so
// the child observes EOF on its control input, SIGTERM, wait out the
// grace period, then SIGKILL. exitCh is drained here; the caller must not
// read from it again afterwards.
func (s *Supervisor) cancel(child *Child, exitCh chan error) {
	_ = child.ControlIn.Close()
	if err := child.Terminate(); err != nil {
		log.Debug().Err(err).Str("session_id", s.sess.ID).Msg("terminate failed, falling back to kill")
	}
	select {
	case <-exitCh:
		return
	case <-time.After(terminateGrace):
	}
	_ = child.Kill()
	<-exitCh
}

// dispatchLoop is the frame task: it reads frames one at a time but
// dispatches each handler on its own goroutine so a slow handler never
// delays reading the next frame. Replies are serialised through s.send.
func (s *Supervisor) dispatchLoop(ch *channel.Channel) {
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		frame, err := ch.Recv()
		if err != nil {
			if err != channel.ErrClosed {
				log.Warn().Err(err).Str("session_id", s.sess.ID).Msg("framed channel error")
			}
			return
		}
		if frame.Tag == channel.TagKeepalive {
			continue
		}

		handlers.Add(1)
		go func(f channel.Frame) {
			defer handlers.Done()
			s.handleFrame(ch, f)
		}(frame)
	}
}

// handleFrame decodes one request frame, runs the matching subsystem
// operation, and writes back exactly one reply or error-reply frame.
func (s *Supervisor) handleFrame(ch *channel.Channel, f channel.Frame) {
	switch f.Tag {
	case channel.TagFSStat:
		s.withIO(func() { s.handleFSStat(ch, f) })
	case channel.TagFSOpenRead:
		s.withIO(func() { s.handleFSOpenRead(ch, f) })
	case channel.TagFSRead:
		s.withIO(func() { s.handleFSRead(ch, f) })
	case channel.TagFSClose:
		s.withIO(func() { s.handleFSClose(ch, f) })
	case channel.TagFSReaddir:
		s.withIO(func() { s.handleFSReaddir(ch, f) })
	case channel.TagFSOpenWrite:
		s.withIO(func() { s.handleFSOpenWrite(ch, f) })
	case channel.TagFSWrite:
		s.withIO(func() { s.handleFSWrite(ch, f) })
	case channel.TagFSCloseWrite:
		s.withIO(func() { s.handleFSCloseWrite(ch, f) })
	case channel.TagFSReadlink:
		s.withIO(func() { s.handleFSReadlink(ch, f) })
	case channel.TagProcSpawnRequest:
		s.handleProcSpawn(ch, f)
	case channel.TagSignalQuery, channel.TagSignalAction:
		s.sendErr(ch, f.RequestID, errs.New("signal", errs.KindNotPermitted, fmt.Errorf("signal delivery is not supported")))
	case channel.TagSockCreate:
		s.handleSockCreate(ch, f)
	default:
		s.sendErr(ch, f.RequestID, errs.New("dispatch", errs.KindInvalidInput, fmt.Errorf("unhandled tag 0x%02x", byte(f.Tag))))
	}
}

func (s *Supervisor) withIO(fn func()) {
	s.ioSem <- struct{}{}
	defer func() { <-s.ioSem }()
	fn()
}

func (s *Supervisor) handleFSStat(ch *channel.Channel, f channel.Frame) {
	var req fsStatRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("fs_stat", errs.KindInvalidInput, err))
		return
	}
	res, err := s.vfs.Stat(req.Path)
	if err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(fsStatReply{
		Size: res.Size, Dir: res.Dir, Mode: res.Mode, MTimeUnix: res.MTime.UnixMilli(),
	}))
}

func (s *Supervisor) handleFSOpenRead(ch *channel.Channel, f channel.Frame) {
	var req fsOpenReadRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("fs_open_read", errs.KindInvalidInput, err))
		return
	}
	handle, err := s.vfs.OpenRead(req.Path)
	if err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(fsHandleReply{Handle: handle}))
}

func (s *Supervisor) handleFSRead(ch *channel.Channel, f channel.Frame) {
	var req fsReadRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("fs_read", errs.KindInvalidInput, err))
		return
	}
	data, err := s.vfs.Read(req.Handle, req.Offset, req.Length)
	if err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(fsReadReply{Data: data}))
}

func (s *Supervisor) handleFSClose(ch *channel.Channel, f channel.Frame) {
	var req fsCloseRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("fs_close", errs.KindInvalidInput, err))
		return
	}
	if err := s.vfs.Close(req.Handle); err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(struct{}{}))
}

func (s *Supervisor) handleFSReaddir(ch *channel.Channel, f channel.Frame) {
	var req fsReaddirRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("fs_readdir", errs.KindInvalidInput, err))
		return
	}
	entries, err := s.vfs.Readdir(req.Path)
	if err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	wire := make([]fsEntryWire, len(entries))
	for i, e := range entries {
		wire[i] = fsEntryWire{Name: e.Name, Dir: e.Dir}
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(fsReaddirReply{Entries: wire}))
}

func (s *Supervisor) handleFSOpenWrite(ch *channel.Channel, f channel.Frame) {
	var req fsOpenWriteRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("fs_open_write", errs.KindInvalidInput, err))
		return
	}
	handle, err := s.vfs.OpenWrite(req.Path, req.Mode)
	if err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(fsHandleReply{Handle: handle}))
}

func (s *Supervisor) handleFSWrite(ch *channel.Channel, f channel.Frame) {
	var req fsWriteRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("fs_write", errs.KindInvalidInput, err))
		return
	}
	n, err := s.vfs.Write(req.Handle, req.Data)
	if err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(fsWriteReply{N: n}))
}

func (s *Supervisor) handleFSCloseWrite(ch *channel.Channel, f channel.Frame) {
	var req fsCloseWriteRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("fs_close_write", errs.KindInvalidInput, err))
		return
	}
	if err := s.vfs.CloseWrite(req.Handle); err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(struct{}{}))
}

func (s *Supervisor) handleFSReadlink(ch *channel.Channel, f channel.Frame) {
	var req fsReadlinkRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("fs_readlink", errs.KindInvalidInput, err))
		return
	}
	target, err := s.vfs.ReadlinkProc(req.Path)
	if err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(fsReadlinkReply{Target: target}))
}

// handleProcSpawn captures the requested invocation and replies
// with the synthetic result the child should observe immediately.
func (s *Supervisor) handleProcSpawn(ch *channel.Channel, f channel.Frame) {
	var req procSpawnRequestBody
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("proc_spawn", errs.KindInvalidInput, err))
		return
	}
	index, result, err := capture.Capture(s.sess, req.Argv, req.Cwd, req.EnvDelta, req.Stdin, req.HasStdin, req.Required)
	if err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.send(ch, f.RequestID, channel.TagReply, mustMarshal(procSpawnReply{
		Index: index, Exit: result.Exit, Stdout: result.Stdout, Stderr: result.Stderr,
	}))
}

func (s *Supervisor) handleSockCreate(ch *channel.Channel, f channel.Frame) {
	var req sockCreateRequest
	if err := json.Unmarshal(f.Body, &req); err != nil {
		s.sendErr(ch, f.RequestID, errs.New("sock_create", errs.KindInvalidInput, err))
		return
	}
	if err := s.recordSocket(req); err != nil {
		s.sendErr(ch, f.RequestID, err)
		return
	}
	s.sendErr(ch, f.RequestID, errs.New("sock_create", errs.KindNotPermitted, fmt.Errorf("socket creation is always denied")))
}

func (s *Supervisor) recordSocket(req sockCreateRequest) error {
	caps, err := s.sess.Captures()
	if err != nil {
		return err
	}
	return s.sess.AppendCapture(session.CapturedSocket{
		Index:     len(caps),
		Family:    req.Family,
		Type:      req.Type,
		Protocol:  req.Protocol,
		CreatedAt: time.Now(),
	})
}

func (s *Supervisor) send(ch *channel.Channel, reqID uint32, tag channel.Tag, body []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ch.Send(reqID, tag, body); err != nil {
		log.Debug().Err(err).Str("session_id", s.sess.ID).Msg("send reply failed")
	}
}

func (s *Supervisor) sendErr(ch *channel.Channel, reqID uint32, err error) {
	body := errorReplyBody{Kind: string(errs.KindOf(err)), Message: err.Error()}
	s.send(ch, reqID, channel.TagErrorReply, mustMarshal(body))
}

// fastPathOutcome is the verdict the fast-path decision reaches once
// the child has exited cleanly.
type fastPathOutcome int

const (
	fastPathPendingReview fastPathOutcome = iota
	fastPathApproved
	fastPathDenied
)

func (s *Supervisor) fastPathDecision() (fastPathOutcome, error) {
	caps, err := s.sess.Captures()
	if err != nil {
		return 0, err
	}

	var subprocessCount, writeCount, socketCount int
	allAutoAllow := true
	anyAutoDeny := false

	for _, c := range caps {
		switch v := c.(type) {
		case session.PendingSubprocess:
			subprocessCount++
			switch s.prof.Classify(v.Argv) {
			case profile.AutoDeny:
				anyAutoDeny = true
			case profile.AutoAllow:
			default:
				allAutoAllow = false
			}
		case session.PendingWrite:
			writeCount++
		case session.CapturedSocket:
			socketCount++
		}
	}

	switch {
	case anyAutoDeny:
		return fastPathDenied, nil
	case subprocessCount > 0 && allAutoAllow && writeCount == 0 && socketCount == 0:
		return fastPathApproved, nil
	default:
		return fastPathPendingReview, nil
	}
}

// finalize applies the fast-path decision (or the timeout outcome) to
// the session's state, stashing the capture-phase stdout/stderr for
// whichever component eventually reaches a terminal state and writes
// result.json.
func (s *Supervisor) finalize(abortReason string, childErr error, stdout, stderr []byte) error {
	if err := s.sess.WriteCaptureOutput(session.CaptureOutput{StdoutBytes: stdout, StderrBytes: stderr}); err != nil {
		log.Warn().Err(err).Str("session_id", s.sess.ID).Msg("failed to stash capture output")
	}

	if abortReason != "" {
		if err := s.sess.SetState(session.StateFailed); err != nil {
			return err
		}
		return s.sess.WriteResult(session.Result{
			StdoutBytes: stdout,
			StderrBytes: stderr,
			ExitCode:    -1,
			Reason:      abortReason,
		})
	}

	if childErr != nil {
		// The child died instead of shutting down cleanly; whatever was
		// captured up to that point stays on record, but the session
		// never proceeds toward approval.
		if err := s.sess.SetState(session.StateFailed); err != nil {
			return err
		}
		return s.sess.WriteResult(session.Result{
			StdoutBytes: stdout,
			StderrBytes: stderr,
			ExitCode:    exitCodeOf(childErr),
			Reason:      "child crashed: " + childErr.Error(),
		})
	}

	decision, err := s.fastPathDecision()
	if err != nil {
		_ = s.sess.SetState(session.StateFailed)
		_ = s.sess.WriteResult(session.Result{StdoutBytes: stdout, StderrBytes: stderr, Reason: err.Error()})
		return err
	}

	switch decision {
	case fastPathApproved:
		log.Info().Str("session_id", s.sess.ID).Msg("fast-path approved")
		return s.sess.SetState(session.StateApproved)
	case fastPathDenied:
		if err := s.sess.SetState(session.StateDenied); err != nil {
			return err
		}
		ops, err := s.deniedOps()
		if err != nil {
			return err
		}
		return s.sess.WriteResult(session.Result{
			StdoutBytes: stdout,
			StderrBytes: stderr,
			Ops:         ops,
			Reason:      "profile denied one or more captured subprocess invocations",
		})
	default:
		log.Info().Str("session_id", s.sess.ID).Msg("session requires manual review")
		return s.sess.SetState(session.StatePendingReview)
	}
}

// deniedOps builds the per-op result entries for a fast-path denial: one
// entry per capture, none replayed, each carrying why it never ran.
func (s *Supervisor) deniedOps() ([]session.OpResult, error) {
	caps, err := s.sess.Captures()
	if err != nil {
		return nil, err
	}

	ops := make([]session.OpResult, 0, len(caps))
	for i, c := range caps {
		op := session.OpResult{Index: i, Replayed: false, DenyReason: "session denied"}
		if v, ok := c.(session.PendingSubprocess); ok {
			op.Index = v.Index
			if s.prof.Classify(v.Argv) == profile.AutoDeny {
				op.DenyReason = "matched always_deny"
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func exitCodeOf(waitErr error) int {
	type exitCoder interface{ ExitCode() int }
	var ec exitCoder
	if errors.As(waitErr, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// boundedBuffer caps how many bytes of a stream it retains, appending a
// truncation marker once the cap is hit instead of growing unbounded.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	cap       int64
	truncated bool
}

func newBoundedBuffer(cap int64) *boundedBuffer {
	return &boundedBuffer{cap: cap}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return len(p), nil
	}
	remaining := b.cap - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		b.buf.WriteString("\n...[output truncated]\n")
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		b.buf.WriteString("\n...[output truncated]\n")
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
