// Package remote implements the remote executor (C7): a transport-abstract
// adapter that deploys the supervisor to a named target, ships a session
// over, runs it there, and merges the captures and result back into the
// local session store.
package remote

import (
	"context"
)

// Transport is the abstraction over however bytes actually move to and
// run on a named target. Authentication and multiplexing are the
// transport's concern, not the executor's.
type Transport interface {
	// Deploy ensures a version-tagged copy of the supervisor binary and
	// its bundled interpreter stdlib exists on the remote, skipping the
	// copy when the version marker is already present. Cache-first and
	// idempotent: deploying twice transfers once.
	Deploy(ctx context.Context, versionTag string) error

	// PushSession serialises the local session directory's script and
	// metadata to the remote under remoteSessionID.
	PushSession(ctx context.Context, remoteSessionID string, script []byte, metadata []byte) error

	// RunSupervisor invokes the remote supervisor against the pushed
	// session and blocks until it reaches a terminal or approved state.
	RunSupervisor(ctx context.Context, remoteSessionID string) error

	// FetchSession reads back the remote session's captures.log and
	// result.json (either may be absent if the remote hasn't reached
	// that point yet).
	FetchSession(ctx context.Context, remoteSessionID string) (captureLog []byte, result []byte, err error)

	// Close releases any connection the transport holds open.
	Close() error
}

// TransportFactory builds a Transport bound to one resolved target.
type TransportFactory func(ctx context.Context, target Target) (Transport, error)
