// Package approval is the engine that moves a parked session through
// review and, once approved, drives the replay that actually touches the
// host. It is the only component that transitions a session into the
// executing state.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"shannot/internal/capture"
	"shannot/internal/errs"
	"shannot/internal/monitor"
	"shannot/internal/profile"
	"shannot/internal/remote"
	"shannot/internal/session"
	"shannot/internal/storage"
)

// Engine evaluates pending_review sessions, records reviewer decisions,
// and triggers replay on approval.
type Engine struct {
	store    *session.Store
	profiles *profile.Dir
	replayer *capture.Replayer
	remote   *remote.Executor // nil means every session replays locally
	metrics  *monitor.Metrics // nil disables metric recording
	audit    *storage.AuditWriter
	tracer   *monitor.Tracer

	writeLocks *pathLocker
}

// New builds an Engine. remote, metrics, and audit may be nil.
func New(store *session.Store, profiles *profile.Dir, replayer *capture.Replayer, rex *remote.Executor, metrics *monitor.Metrics, audit *storage.AuditWriter, lockDepth int) *Engine {
	if lockDepth < 1 {
		lockDepth = 3
	}
	return &Engine{
		store:      store,
		profiles:   profiles,
		replayer:   replayer,
		remote:     rex,
		metrics:    metrics,
		audit:      audit,
		tracer:     monitor.NewTracer(),
		writeLocks: newPathLocker(lockDepth),
	}
}

// ReviewItem describes one capture awaiting a decision.
type ReviewItem struct {
	Index      int              `json:"index"`
	Kind       string           `json:"kind"` // "subprocess" | "write" | "socket"
	Summary    string           `json:"summary"`
	Classified profile.Decision `json:"classified"`
}

// Outcome is what Review produced: either a fast-forwarded state, or the
// items an external reviewer must decide on.
type Outcome struct {
	State session.State `json:"state"`
	Items []ReviewItem  `json:"items,omitempty"`
}

// Review inspects a pending_review session under its metadata's profile.
// If every capture classifies auto-allow it fast-forwards straight to
// approved and replays; if any subprocess matches always_deny it
// finalises the session as denied; otherwise it returns the review
// payload and leaves the session parked. Writes and sockets always need
// a reviewer.
func (e *Engine) Review(ctx context.Context, id string) (*Outcome, error) {
	sess, err := e.store.Open(id, true)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	state, err := sess.State()
	if err != nil {
		return nil, err
	}
	if state != session.StatePendingReview {
		return nil, stateError("review", state)
	}

	items, allAutoAllow, anyDeny, err := e.classify(sess)
	if err != nil {
		return nil, err
	}

	if anyDeny {
		if err := e.finalizeDenied(sess, items); err != nil {
			return nil, err
		}
		return &Outcome{State: session.StateDenied}, nil
	}

	if allAutoAllow {
		if err := sess.SetState(session.StateApproved); err != nil {
			return nil, err
		}
		if err := e.executeApproved(ctx, sess); err != nil {
			return nil, err
		}
		final, err := sess.State()
		if err != nil {
			return nil, err
		}
		return &Outcome{State: final}, nil
	}

	return &Outcome{State: session.StatePendingReview, Items: items}, nil
}

// Decide records per-op reviewer decisions and finalises the session: a
// single deny poisons the whole session, otherwise it is approved and
// replayed.
func (e *Engine) Decide(ctx context.Context, id string, decisions []session.Decision, decidedBy string) (session.State, error) {
	sess, err := e.store.Open(id, true)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	state, err := sess.State()
	if err != nil {
		return "", err
	}
	if state != session.StatePendingReview {
		return "", stateError("decide", state)
	}

	caps, err := sess.Captures()
	if err != nil {
		return "", err
	}
	if err := validateDecisions(decisions, len(caps)); err != nil {
		return "", err
	}

	if err := sess.WriteApproval(session.Approval{
		Decisions: decisions,
		DecidedAt: time.Now().UTC(),
		DecidedBy: decidedBy,
	}); err != nil {
		return "", err
	}

	anyDeny := false
	for _, d := range decisions {
		if d.Decision == "deny" {
			anyDeny = true
			break
		}
	}

	if anyDeny {
		items, _, _, err := e.classify(sess)
		if err != nil {
			return "", err
		}
		if err := e.finalizeDenied(sess, items); err != nil {
			return "", err
		}
		return session.StateDenied, nil
	}

	if err := sess.SetState(session.StateApproved); err != nil {
		return "", err
	}
	if err := e.executeApproved(ctx, sess); err != nil {
		return "", err
	}
	return sess.State()
}

// Cancel rejects a pending_review session without replay.
func (e *Engine) Cancel(id string) error {
	sess, err := e.store.Open(id, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	state, err := sess.State()
	if err != nil {
		return err
	}
	if state != session.StatePendingReview {
		return stateError("cancel", state)
	}
	if err := sess.SetState(session.StateRejected); err != nil {
		return err
	}
	e.recordTerminal(sess, session.StateRejected)
	return nil
}

// ExecuteApproved replays a session that is already in the approved
// state (the supervisor's fast path hands off here). The caller must not
// hold the session lock.
func (e *Engine) ExecuteApproved(ctx context.Context, id string) error {
	sess, err := e.store.Open(id, true)
	if err != nil {
		return err
	}
	defer sess.Close()

	state, err := sess.State()
	if err != nil {
		return err
	}
	if state != session.StateApproved {
		return stateError("execute", state)
	}
	return e.executeApproved(ctx, sess)
}

// executeApproved transitions approved -> executing -> executed|failed,
// running captures locally or on the session's named remote target.
// The caller holds the session lock.
func (e *Engine) executeApproved(ctx context.Context, sess *session.Session) error {
	meta, err := sess.Metadata()
	if err != nil {
		return err
	}

	ctx, span := e.tracer.StartSpan(ctx, "replay",
		monitor.AttrSessionID.String(sess.ID),
		monitor.AttrTarget.String(meta.Target),
	)
	defer span.End()

	if err := sess.SetState(session.StateExecuting); err != nil {
		return err
	}

	if meta.Target != "" && e.remote != nil {
		return e.executeRemote(ctx, sess, meta.Target)
	}
	return e.executeLocal(ctx, sess)
}

func (e *Engine) executeLocal(ctx context.Context, sess *session.Session) error {
	unlock, err := e.lockWritePaths(sess)
	if err != nil {
		return err
	}
	defer unlock()

	result, err := e.replayer.Replay(ctx, sess)
	if err != nil {
		_ = sess.SetState(session.StateFailed)
		_ = sess.WriteResult(session.Result{Reason: err.Error()})
		e.recordTerminal(sess, session.StateFailed)
		return err
	}

	e.mergeCaptureOutput(sess, result)
	e.recordOps(result)

	final := session.StateExecuted
	if result.FailedOp != nil {
		final = session.StateFailed
	}
	if err := sess.SetState(final); err != nil {
		return err
	}
	if err := sess.WriteResult(*result); err != nil {
		return err
	}
	e.recordTerminal(sess, final)
	log.Info().Str("session_id", sess.ID).Str("state", string(final)).Msg("replay finished")
	return nil
}

func (e *Engine) executeRemote(ctx context.Context, sess *session.Session, target string) error {
	if err := e.remote.Execute(ctx, target, sess); err != nil {
		_ = sess.SetState(session.StateFailed)
		_ = sess.WriteResult(session.Result{Reason: err.Error()})
		e.recordTerminal(sess, session.StateFailed)
		return err
	}

	// The remote wrote captures.log and result.json back into the local
	// directory; its result decides the terminal state.
	result, err := sess.Result()
	if err != nil {
		return err
	}
	final := session.StateExecuted
	if result == nil || result.FailedOp != nil {
		final = session.StateFailed
	}
	if err := sess.SetState(final); err != nil {
		return err
	}
	if result == nil {
		if err := sess.WriteResult(session.Result{ExitCode: -1, Reason: "remote run produced no result"}); err != nil {
			return err
		}
	}
	e.recordTerminal(sess, final)
	return nil
}

// classify builds the review item list for every capture in the session.
func (e *Engine) classify(sess *session.Session) (items []ReviewItem, allAutoAllow, anyDeny bool, err error) {
	meta, err := sess.Metadata()
	if err != nil {
		return nil, false, false, err
	}
	prof, err := e.profiles.Load(meta.Profile)
	if err != nil {
		return nil, false, false, err
	}

	caps, err := sess.Captures()
	if err != nil {
		return nil, false, false, err
	}

	allAutoAllow = true
	for _, c := range caps {
		var item ReviewItem
		switch v := c.(type) {
		case session.PendingSubprocess:
			item = ReviewItem{
				Index:      v.Index,
				Kind:       "subprocess",
				Summary:    profile.Normalize(v.Argv),
				Classified: prof.Classify(v.Argv),
			}
			switch item.Classified {
			case profile.AutoDeny:
				anyDeny = true
			case profile.AutoAllow:
			default:
				allAutoAllow = false
			}
		case session.PendingWrite:
			item = ReviewItem{
				Index:      v.Index,
				Kind:       "write",
				Summary:    fmt.Sprintf("%s (%d bytes)", v.VirtualPath, len(v.Bytes)),
				Classified: profile.NeedsReview,
			}
			allAutoAllow = false
		case session.CapturedSocket:
			item = ReviewItem{
				Index:      v.Index,
				Kind:       "socket",
				Summary:    fmt.Sprintf("socket(%d, %d, %d)", v.Family, v.Type, v.Protocol),
				Classified: profile.NeedsReview,
			}
			allAutoAllow = false
		}
		items = append(items, item)
	}
	return items, allAutoAllow, anyDeny, nil
}

// finalizeDenied marks the session denied with a result describing which
// ops never ran. The caller holds the session lock.
func (e *Engine) finalizeDenied(sess *session.Session, items []ReviewItem) error {
	if err := sess.SetState(session.StateDenied); err != nil {
		return err
	}

	result := session.Result{Reason: "denied"}
	for _, item := range items {
		op := session.OpResult{Index: item.Index, Replayed: false}
		if item.Classified == profile.AutoDeny {
			op.DenyReason = "matched always_deny"
		} else {
			op.DenyReason = "session denied"
		}
		result.Ops = append(result.Ops, op)
	}
	e.mergeCaptureOutput(sess, &result)

	if err := sess.WriteResult(result); err != nil {
		return err
	}
	e.recordTerminal(sess, session.StateDenied)
	return nil
}

// mergeCaptureOutput copies the capture-phase stdout/stderr into a
// result that is about to become terminal.
func (e *Engine) mergeCaptureOutput(sess *session.Session, result *session.Result) {
	out, err := sess.CaptureOutput()
	if err != nil || out == nil {
		return
	}
	if len(result.StdoutBytes) == 0 {
		result.StdoutBytes = out.StdoutBytes
	}
	if len(result.StderrBytes) == 0 {
		result.StderrBytes = out.StderrBytes
	}
}

func (e *Engine) lockWritePaths(sess *session.Session) (func(), error) {
	caps, err := sess.Captures()
	if err != nil {
		return nil, err
	}
	var vpaths []string
	for _, c := range caps {
		if pw, ok := c.(session.PendingWrite); ok {
			vpaths = append(vpaths, pw.VirtualPath)
		}
	}
	return e.writeLocks.acquire(vpaths), nil
}

func (e *Engine) recordOps(result *session.Result) {
	if e.metrics == nil {
		return
	}
	for _, op := range result.Ops {
		outcome := "ok"
		if op.Exit != 0 {
			outcome = "failed"
		}
		e.metrics.RecordReplayOp("subprocess", outcome, float64(op.ElapsedMS)/1000)
	}
}

func (e *Engine) recordTerminal(sess *session.Session, state session.State) {
	if e.metrics != nil {
		e.metrics.RecordSession(string(state), 0)
	}
	if e.audit == nil {
		return
	}

	meta, err := sess.Metadata()
	if err != nil {
		return
	}
	caps, _ := sess.Captures()
	rec := &storage.SessionAudit{
		SessionID: sess.ID,
		State:     string(state),
		Profile:   meta.Profile,
		Target:    meta.Target,
		CreatedAt: meta.CreatedAt,
	}
	now := time.Now().UTC()
	rec.CompletedAt = &now
	for _, c := range caps {
		switch c.(type) {
		case session.PendingWrite:
			rec.WriteCount++
		case session.PendingSubprocess:
			rec.SubprocessCount++
		case session.CapturedSocket:
			rec.SocketCount++
		}
	}
	if result, err := sess.Result(); err == nil && result != nil {
		rec.ExitCode = result.ExitCode
	}
	e.audit.Log(rec)
}

func validateDecisions(decisions []session.Decision, captureCount int) error {
	seen := make(map[int]bool, len(decisions))
	for _, d := range decisions {
		if d.Index < 0 || d.Index >= captureCount {
			return errs.New("decide", errs.KindInvalidInput, fmt.Errorf("decision index %d out of range", d.Index))
		}
		if seen[d.Index] {
			return errs.New("decide", errs.KindInvalidInput, fmt.Errorf("duplicate decision for index %d", d.Index))
		}
		seen[d.Index] = true
		if d.Decision != "allow" && d.Decision != "deny" {
			return errs.New("decide", errs.KindInvalidInput, fmt.Errorf("decision must be allow or deny, got %q", d.Decision))
		}
	}
	if len(seen) != captureCount {
		return errs.New("decide", errs.KindInvalidInput, fmt.Errorf("decisions cover %d of %d captures", len(seen), captureCount))
	}
	return nil
}

func stateError(op string, state session.State) error {
	kind := errs.KindInvalidInput
	switch state {
	case session.StateExpired:
		kind = errs.KindExpired
	case session.StateExecuting, session.StateRunning:
		kind = errs.KindLocked
	}
	return errs.New(op, kind, fmt.Errorf("session is %s", strings.ReplaceAll(string(state), "_", " ")))
}
