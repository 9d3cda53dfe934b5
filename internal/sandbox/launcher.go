package sandbox

import (
	"context"
	"io"
)

// LaunchSpec describes the restricted interpreter child a ChildLauncher
// must bring up: its argv, its base environment, and the host-side
// working directory visible to it (only used by processLauncher; the
// container launcher gets its own read-only rootfs instead).
type LaunchSpec struct {
	Argv    []string
	Env     []string
	Dir     string
	Limits  ResourceLimits
	Network bool // always false; sandboxed code gets no network
}

// Child is a running restricted interpreter process: two framed-channel
// pipes distinct from the script's own stdout/stderr, which are streamed
// separately.
type Child struct {
	ControlIn  io.WriteCloser // supervisor -> child
	ControlOut io.ReadCloser  // child -> supervisor
	Stdout     io.ReadCloser
	Stderr     io.ReadCloser

	wait      func() error
	kill      func() error
	terminate func() error
}

// Wait blocks until the child exits, returning its wait error.
func (c *Child) Wait() error { return c.wait() }

// Kill forcibly terminates the child; used after a SIGTERM grace period
// expires.
func (c *Child) Kill() error { return c.kill() }

// Terminate asks the child to exit gracefully (SIGTERM, or its container
// equivalent). The supervisor follows this with a grace period and then
// Kill if the child hasn't exited.
func (c *Child) Terminate() error { return c.terminate() }

// ChildLauncher abstracts how the restricted interpreter process comes
// into being: a bare host process, or a hardened container. Both honour
// the same capture/replay session semantics; the launcher only changes
// how much OS-level isolation wraps the syscall-capture convention.
type ChildLauncher interface {
	Launch(ctx context.Context, spec LaunchSpec) (*Child, error)
	Close() error
}
