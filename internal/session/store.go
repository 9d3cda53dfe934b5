package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"shannot/internal/errs"
)

// DefaultTTL is the maximum wall-clock age of a non-terminal session
// before it is lazily flipped to expired.
const DefaultTTL = time.Hour

// expiryGrace pads the TTL boundary so that a
// poll racing the exact TTL boundary still sees a coherent read rather
// than a session that flips mid-inspection.
var expiryGrace = 30 * time.Second

var slugSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// Store owns a root directory of session subdirectories.
type Store struct {
	root string
	ttl  time.Duration
}

// NewStore opens (creating if necessary) a session root.
func NewStore(root string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.New("new_store", errs.KindInternal, err)
	}
	return &Store{root: root, ttl: ttl}, nil
}

// Session is a handle to one on-disk session directory.
type Session struct {
	ID   string
	Dir  string
	lock *os.File
}

func slugify(name string) string {
	if name == "" {
		name = "script"
	}
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugSanitizer.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 32 {
		s = s[:32]
	}
	if s == "" {
		s = "script"
	}
	return s
}

// Create assigns a new session id (timestamp + slug + short hash),
// creates its directory, writes the script and metadata, and sets
// state = running under an acquired lock.
func (s *Store) Create(script string, slugHint string, profile string, target string, analysis string) (*Session, error) {
	now := time.Now().UTC()
	id := fmt.Sprintf("%s-%s-%s", now.Format("20060102T150405Z"), slugify(slugHint), uuid.NewString()[:8])
	dir := filepath.Join(s.root, id)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("create", errs.KindInternal, err)
	}

	lock, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	sess := &Session{ID: id, Dir: dir, lock: lock}

	if err := os.WriteFile(filepath.Join(dir, "script.py"), []byte(script), 0o644); err != nil {
		_ = releaseLock(dir, lock)
		return nil, errs.New("create", errs.KindInternal, err)
	}

	meta := Metadata{
		ID:        id,
		Slug:      slugify(slugHint),
		CreatedAt: now,
		Profile:   profile,
		Target:    target,
		Analysis:  analysis,
	}
	if err := writeJSONAtomic(filepath.Join(dir, "metadata.json"), meta); err != nil {
		_ = releaseLock(dir, lock)
		return nil, err
	}

	if err := writeStateFile(dir, StateRunning); err != nil {
		_ = releaseLock(dir, lock)
		return nil, err
	}

	log.Info().Str("session_id", id).Str("profile", profile).Msg("session created")
	return sess, nil
}

// Open opens an existing session. If lock is true, the caller intends to
// mutate it and ownership is acquired; expired sessions are detected
// lazily here and flipped before the caller observes them.
func (s *Store) Open(id string, lock bool) (*Session, error) {
	dir := filepath.Join(s.root, id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New("open", errs.KindNotFound, fmt.Errorf("no such session %q", id))
		}
		return nil, errs.New("open", errs.KindInternal, err)
	}

	sess := &Session{ID: id, Dir: dir}

	if err := s.maybeExpire(sess); err != nil {
		return nil, err
	}

	if lock {
		f, err := acquireLock(dir)
		if err != nil {
			return nil, err
		}
		sess.lock = f
	}
	return sess, nil
}

// Close releases any lock this handle holds.
func (s *Session) Close() error {
	if s.lock == nil {
		return nil
	}
	err := releaseLock(s.Dir, s.lock)
	s.lock = nil
	return err
}

func (s *Store) maybeExpire(sess *Session) error {
	state, err := readStateFile(sess.Dir)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}

	meta, err := sess.Metadata()
	if err != nil {
		return err
	}
	if time.Since(meta.CreatedAt) <= s.ttl+expiryGrace {
		return nil
	}

	if err := writeStateFile(sess.Dir, StateExpired); err != nil {
		return err
	}
	// Best-effort: drop any stale lock from a supervisor that never cleaned up.
	_ = os.Remove(filepath.Join(sess.Dir, lockFileName))
	log.Warn().Str("session_id", sess.ID).Msg("session expired on inspection")
	return nil
}

// Metadata reads metadata.json.
func (s *Session) Metadata() (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(s.Dir, "metadata.json"))
	if err != nil {
		return meta, errs.New("metadata", errs.KindInternal, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, errs.New("metadata", errs.KindInternal, err)
	}
	return meta, nil
}

// Script reads the verbatim submitted script.
func (s *Session) Script() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, "script.py"))
	if err != nil {
		return "", errs.New("script", errs.KindInternal, err)
	}
	return string(data), nil
}

// State reads the current state.
func (s *Session) State() (State, error) {
	return readStateFile(s.Dir)
}

// SetState performs an atomic state transition, validating it is legal
// against the lifecycle table.
func (s *Session) SetState(next State) error {
	cur, err := readStateFile(s.Dir)
	if err != nil {
		return err
	}
	if !CanTransition(cur, next) {
		return errs.New("set_state", errs.KindInternal, fmt.Errorf("illegal transition %s -> %s", cur, next))
	}
	if err := writeStateFile(s.Dir, next); err != nil {
		return err
	}
	log.Info().Str("session_id", s.ID).Str("from", string(cur)).Str("to", string(next)).Msg("session state transition")
	return nil
}

// AppendCapture durably appends one capture record.
func (s *Session) AppendCapture(c Capture) error {
	return appendCaptureRecord(filepath.Join(s.Dir, "captures.log"), c)
}

// Captures returns the full decoded capture sequence in recorded order.
func (s *Session) Captures() ([]Capture, error) {
	return readCaptures(filepath.Join(s.Dir, "captures.log"))
}

// WriteResult writes result.json. Legal only when transitioning to a
// terminal state, which the caller is expected to have already done via
// SetState.
func (s *Session) WriteResult(r Result) error {
	state, err := readStateFile(s.Dir)
	if err != nil {
		return err
	}
	if !state.Terminal() {
		return errs.New("write_result", errs.KindInternal, fmt.Errorf("write_result called in non-terminal state %s", state))
	}
	return writeJSONAtomic(filepath.Join(s.Dir, "result.json"), r)
}

// Result reads result.json if present.
func (s *Session) Result() (*Result, error) {
	path := filepath.Join(s.Dir, "result.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New("result", errs.KindInternal, err)
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.New("result", errs.KindInternal, err)
	}
	return &r, nil
}

// WriteApproval writes approval.json.
func (s *Session) WriteApproval(a Approval) error {
	return writeJSONAtomic(filepath.Join(s.Dir, "approval.json"), a)
}

// Approval reads approval.json if present.
func (s *Session) Approval() (*Approval, error) {
	path := filepath.Join(s.Dir, "approval.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New("approval", errs.KindInternal, err)
	}
	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errs.New("approval", errs.KindInternal, err)
	}
	return &a, nil
}

// WriteCaptureOutput stashes the child's capture-phase stdout/stderr.
// Legal in any state; the approval engine copies it into Result once the
// session reaches a terminal state.
func (s *Session) WriteCaptureOutput(out CaptureOutput) error {
	return writeJSONAtomic(filepath.Join(s.Dir, "capture_output.json"), out)
}

// CaptureOutput reads capture_output.json if present.
func (s *Session) CaptureOutput() (*CaptureOutput, error) {
	path := filepath.Join(s.Dir, "capture_output.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New("capture_output", errs.KindInternal, err)
	}
	var out CaptureOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.New("capture_output", errs.KindInternal, err)
	}
	return &out, nil
}

// Filter selects sessions by predicate for List.
type Filter func(state State) bool

// List enumerates session ids matching filter, triggering lazy expiry
// along the way.
func (s *Store) List(filter Filter) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errs.New("list", errs.KindInternal, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.Open(e.Name(), false)
		if err != nil {
			continue
		}
		state, err := sess.State()
		if err != nil {
			continue
		}
		if filter == nil || filter(state) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// writeJSONAtomic marshals v and writes it durably via a sibling temp file
// + rename, so readers never observe a torn partial.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.New("write_json", errs.KindInternal, err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.New("write_atomic", errs.KindInternal, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.New("write_atomic", errs.KindInternal, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.New("write_atomic", errs.KindInternal, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.New("write_atomic", errs.KindInternal, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.New("write_atomic", errs.KindInternal, err)
	}
	return nil
}

func readStateFile(dir string) (State, error) {
	data, err := os.ReadFile(filepath.Join(dir, "state"))
	if err != nil {
		return "", errs.New("read_state", errs.KindInternal, err)
	}
	return State(strings.TrimSpace(string(data))), nil
}

func writeStateFile(dir string, st State) error {
	return writeFileAtomic(filepath.Join(dir, "state"), []byte(st+"\n"))
}
