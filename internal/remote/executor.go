package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog/log"

	"shannot/internal/errs"
	"shannot/internal/session"
)

// targetNameRe matches internal/config's validation rule; kept in sync
// so a target name that couldn't have passed config validation can never
// reach Resolve either.
var targetNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Target is one entry of the named-target table. It is never constructed from a caller-supplied
// "user@host" string — only looked up by name in a configured table.
type Target struct {
	Name string
	Host string
	User string
	Port int
}

// Executor drives a session's execution on a named remote target.
type Executor struct {
	targets map[string]Target
	factory TransportFactory
	version string
}

// NewExecutor builds an Executor over a fixed named-target table. version
// tags the deployed supervisor copy so Deploy can skip redundant work.
func NewExecutor(targets map[string]Target, factory TransportFactory, version string) *Executor {
	return &Executor{targets: targets, factory: factory, version: version}
}

// Resolve looks up a target strictly by name. A caller can never address
// a host by passing "user@host" or similar free-form addressing — only
// names already present in the configured table resolve to anything.
func (e *Executor) Resolve(name string) (Target, error) {
	if !targetNameRe.MatchString(name) {
		return Target{}, errs.New("resolve_target", errs.KindInvalidInput, fmt.Errorf("malformed target name %q", name))
	}
	t, ok := e.targets[name]
	if !ok {
		return Target{}, errs.New("resolve_target", errs.KindNotFound, fmt.Errorf("unknown remote target %q", name))
	}
	return t, nil
}

// Execute runs sess's capture phase on target, then merges the remote's
// captures and result back into the local session directory. The local
// session is expected to already be locked by the caller.
func (e *Executor) Execute(ctx context.Context, targetName string, sess *session.Session) error {
	target, err := e.Resolve(targetName)
	if err != nil {
		return err
	}

	transport, err := e.factory(ctx, target)
	if err != nil {
		return errs.New("remote_execute", errs.KindTransportError, err)
	}
	defer func() { _ = transport.Close() }()

	if err := transport.Deploy(ctx, e.version); err != nil {
		return errs.New("remote_execute", errs.KindTransportError, fmt.Errorf("deploy: %w", err))
	}

	script, err := sess.Script()
	if err != nil {
		return err
	}
	meta, err := sess.Metadata()
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errs.New("remote_execute", errs.KindInternal, err)
	}

	remoteID := sess.ID
	if err := transport.PushSession(ctx, remoteID, []byte(script), metaJSON); err != nil {
		return errs.New("remote_execute", errs.KindTransportError, fmt.Errorf("push: %w", err))
	}

	log.Info().Str("session_id", sess.ID).Str("target", targetName).Msg("running session on remote target")
	if err := transport.RunSupervisor(ctx, remoteID); err != nil {
		return errs.New("remote_execute", errs.KindTransportError, fmt.Errorf("run: %w", err))
	}

	captureLog, result, err := transport.FetchSession(ctx, remoteID)
	if err != nil {
		return errs.New("remote_execute", errs.KindTransportError, fmt.Errorf("fetch: %w", err))
	}

	return mergeRemoteSession(sess, captureLog, result)
}

// mergeRemoteSession writes the remote's raw captures.log and result.json
// bytes directly into the local session directory, matching the format
// internal/session already persists so the rest of the sandbox can read
// them back without knowing the session ran remotely.
func mergeRemoteSession(sess *session.Session, captureLog, result []byte) error {
	if len(captureLog) > 0 {
		if err := os.WriteFile(filepath.Join(sess.Dir, "captures.log"), captureLog, 0o644); err != nil {
			return errs.New("merge_remote", errs.KindInternal, err)
		}
	}
	if len(result) > 0 {
		if err := os.WriteFile(filepath.Join(sess.Dir, "result.json"), result, 0o644); err != nil {
			return errs.New("merge_remote", errs.KindInternal, err)
		}
	}
	return nil
}
