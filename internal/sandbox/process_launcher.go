package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"

	"shannot/internal/errs"
)

var errInterpreterArgvEmpty = errors.New("interpreter argv is empty")

// processLauncher runs the restricted interpreter as a plain host
// process: the fallback path on non-Linux hosts or when containerd is
// unavailable. The supervisor still enforces the full capture/replay
// contract; only the extra OS-level hardening a container would add is
// absent.
type processLauncher struct{}

// NewProcessLauncher constructs the bare-exec.Cmd fallback launcher.
func NewProcessLauncher() ChildLauncher {
	return &processLauncher{}
}

func (p *processLauncher) Launch(ctx context.Context, spec LaunchSpec) (*Child, error) {
	if len(spec.Argv) == 0 {
		return nil, errs.New("launch", errs.KindInvalidInput, errInterpreterArgvEmpty)
	}

	ctrlInR, ctrlInW, err := os.Pipe()
	if err != nil {
		return nil, errs.New("launch", errs.KindInternal, err)
	}
	ctrlOutR, ctrlOutW, err := os.Pipe()
	if err != nil {
		return nil, errs.New("launch", errs.KindInternal, err)
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// The child opens its control channel on fd 3 (read) and fd 4
	// (write), the same convention the container launcher exposes via
	// fixed FIFO paths instead of raw fd inheritance.
	cmd.ExtraFiles = []*os.File{ctrlInR, ctrlOutW}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.New("launch", errs.KindInternal, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.New("launch", errs.KindInternal, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.New("launch", errs.KindInternal, err)
	}
	// The supervisor owns the parent-side ends; the child-side ends were
	// only needed to set up fd inheritance across fork/exec.
	_ = ctrlInR.Close()
	_ = ctrlOutW.Close()

	return &Child{
		ControlIn:  ctrlInW,
		ControlOut: ctrlOutR,
		Stdout:     stdout,
		Stderr:     stderr,
		wait:       cmd.Wait,
		kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
		terminate: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Signal(syscall.SIGTERM)
		},
	}, nil
}

func (p *processLauncher) Close() error { return nil }
