package rpc

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"shannot/internal/approval"
	"shannot/internal/config"
	"shannot/internal/errs"
	"shannot/internal/monitor"
	"shannot/internal/profile"
	"shannot/internal/session"
	"shannot/internal/storage"
)

// CaptureRunner runs one session's capture phase to completion, leaving
// the session in whichever non-running state the run reached. The
// production implementation drives the sandbox supervisor; tests
// substitute a scripted one.
type CaptureRunner interface {
	Run(ctx context.Context, sess *session.Session) error
}

// Service implements the external method set, bridging the line protocol
// to the session store, the capture runner, and the approval engine.
type Service struct {
	cfg      *config.Config
	store    *session.Store
	profiles *profile.Dir
	runner   CaptureRunner
	engine   *approval.Engine
	analyzer *monitor.ScriptAnalyzer
	tracer   *monitor.Tracer
	metrics  *monitor.Metrics
	db       *storage.DB // nil when audit mirroring is off
	version  string
}

// NewService wires the method set's dependencies. metrics and db may be nil.
func NewService(cfg *config.Config, store *session.Store, profiles *profile.Dir, runner CaptureRunner, engine *approval.Engine, metrics *monitor.Metrics, db *storage.DB, version string) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		profiles: profiles,
		runner:   runner,
		engine:   engine,
		analyzer: monitor.NewScriptAnalyzer(),
		tracer:   monitor.NewTracer(),
		metrics:  metrics,
		db:       db,
		version:  version,
	}
}

// Submit implements submit_script: create the session, run the capture
// phase, and either inline the fast-path result or park the session for
// review.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*SubmitResult, error) {
	if params.Script == "" {
		return nil, errs.New("submit", errs.KindInvalidInput, fmt.Errorf("script must not be empty"))
	}
	if !utf8.ValidString(params.Script) {
		return nil, errs.New("submit", errs.KindInvalidInput, fmt.Errorf("script must be valid UTF-8"))
	}

	profName := params.Profile
	if profName == "" {
		profName = s.cfg.Profiles.Default
	}
	if _, err := s.profiles.Load(profName); err != nil {
		return nil, errs.New("submit", errs.KindInvalidInput, fmt.Errorf("unknown profile %q", profName))
	}

	if params.Target != "" && !s.targetExists(params.Target) {
		return nil, errs.New("submit", errs.KindInvalidInput, fmt.Errorf("unknown target %q", params.Target))
	}

	findings := s.analyzer.Analyze(params.Script)
	if s.metrics != nil {
		s.metrics.ScriptSizeBytes.Observe(float64(len(params.Script)))
		for _, f := range findings {
			s.metrics.RecordAnalysisFinding(f.Severity)
		}
	}

	sess, err := s.store.Create(params.Script, params.Name, profName, params.Target, summarizeFindings(findings))
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.StartSpan(ctx, "submit_script",
		monitor.AttrSessionID.String(sess.ID),
		monitor.AttrProfile.String(profName),
	)
	defer span.End()

	s.recordFindings(ctx, sess.ID, findings)

	captureStart := time.Now()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
	}
	runErr := s.runner.Run(ctx, sess)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
		s.metrics.CaptureDuration.Observe(time.Since(captureStart).Seconds())
	}
	if closeErr := sess.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Str("session_id", sess.ID).Msg("failed to release session lock")
	}
	if runErr != nil {
		log.Error().Err(runErr).Str("session_id", sess.ID).Msg("capture phase failed")
	}

	reopened, err := s.store.Open(sess.ID, false)
	if err != nil {
		return nil, err
	}
	state, err := reopened.State()
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		if caps, err := reopened.Captures(); err == nil {
			for _, c := range caps {
				s.metrics.RecordCapture(c.Kind().String())
			}
		}
		if out, err := reopened.CaptureOutput(); err == nil && out != nil {
			s.metrics.OutputSizeBytes.Observe(float64(len(out.StdoutBytes) + len(out.StderrBytes)))
		}
	}

	if state == session.StateRunning {
		// The runner died before moving the session anywhere; don't leave
		// a zombie for the TTL sweep to find.
		state = session.StateFailed
		if locked, err := s.store.Open(sess.ID, true); err == nil {
			_ = locked.SetState(session.StateFailed)
			_ = locked.WriteResult(session.Result{ExitCode: -1, Reason: "capture phase aborted"})
			_ = locked.Close()
		}
	}
	span.SetAttributes(monitor.AttrState.String(string(state)))

	result := &SubmitResult{SessionID: sess.ID, State: string(state)}

	switch state {
	case session.StateApproved:
		// Fast path: replay immediately and inline the outcome while
		// still reporting the approved decision to the caller.
		if err := s.engine.ExecuteApproved(ctx, sess.ID); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("fast-path replay failed")
		}
		if r, err := readResult(s.store, sess.ID); err == nil {
			result.Result = r
		}
	case session.StateDenied:
		if r, err := readResult(s.store, sess.ID); err == nil {
			result.Result = r
		}
	}

	return result, nil
}

// Poll implements poll_session. It never takes the session lock.
func (s *Service) Poll(_ context.Context, params PollParams) (*PollResult, error) {
	if params.SessionID == "" {
		return nil, errs.New("poll", errs.KindInvalidInput, fmt.Errorf("session_id must not be empty"))
	}

	sess, err := s.store.Open(params.SessionID, false)
	if err != nil {
		return nil, err
	}
	state, err := sess.State()
	if err != nil {
		return nil, err
	}

	out := &PollResult{State: string(state)}
	if state.Terminal() {
		if r, err := sess.Result(); err == nil && r != nil {
			out.Result = r
		}
	}
	return out, nil
}

// ListProfiles implements list_profiles.
func (s *Service) ListProfiles(context.Context) ([]string, error) {
	names, err := s.profiles.List()
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// ListTargets implements list_targets.
func (s *Service) ListTargets(context.Context) ([]string, error) {
	return s.targetNames(), nil
}

// Status implements status.
func (s *Service) Status(ctx context.Context) (*StatusResult, error) {
	profiles, err := s.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}

	runtimePresent := false
	if _, err := os.Stat(s.cfg.Runtime.InterpreterPath); err == nil {
		runtimePresent = true
	}

	return &StatusResult{
		Version:        s.version,
		RuntimePresent: runtimePresent,
		SessionRoot:    s.cfg.Session.Root,
		Targets:        s.targetNames(),
		Profiles:       profiles,
	}, nil
}

func (s *Service) targetNames() []string {
	names := make([]string, 0, len(s.cfg.Remote.Targets))
	for name := range s.cfg.Remote.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) targetExists(name string) bool {
	_, ok := s.cfg.Remote.Targets[name]
	return ok
}

func (s *Service) recordFindings(ctx context.Context, sessionID string, findings []monitor.Finding) {
	if s.db == nil {
		return
	}
	for _, f := range findings {
		rec := &storage.AnalysisRecord{
			SessionID: sessionID,
			Pattern:   f.Pattern,
			Severity:  f.Severity,
			Detail:    f.Detail,
			Line:      f.Line,
		}
		if err := s.db.LogAnalysisFinding(ctx, rec); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to mirror analysis finding")
		}
	}
}

func summarizeFindings(findings []monitor.Finding) string {
	if len(findings) == 0 {
		return ""
	}
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("%s(%s) line %d", f.Pattern, f.Severity, f.Line))
	}
	return strings.Join(parts, "; ")
}

func readResult(store *session.Store, id string) (*session.Result, error) {
	sess, err := store.Open(id, false)
	if err != nil {
		return nil, err
	}
	r, err := sess.Result()
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("no result yet")
	}
	return r, nil
}
