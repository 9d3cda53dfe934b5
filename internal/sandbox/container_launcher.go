package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"shannot/internal/errs"
)

// containerLauncher runs the restricted interpreter inside a minimal
// OCI container for defense-in-depth beneath the syscall-capture
// convention. A container can't inherit arbitrary host FDs the
// way processLauncher's child does, so the two control-channel pipe
// ends become two named FIFOs instead, bind-mounted into the container
// and opened by the child at fixed paths passed through Process.Env.
type containerLauncher struct {
	client     *Client
	image      string
	runtimeDir string
	security   SecurityProfile
}

// NewContainerLauncher constructs the containerd-backed ChildLauncher.
func NewContainerLauncher(client *Client, image, runtimeDir string, security SecurityProfile) ChildLauncher {
	return &containerLauncher{
		client:     client,
		image:      image,
		runtimeDir: runtimeDir,
		security:   security,
	}
}

const (
	containerCtrlInPath  = "/run/shannot/ctrl-in"
	containerCtrlOutPath = "/run/shannot/ctrl-out"
)

type fifoSet struct {
	dir         string
	ctrlInPath  string
	ctrlOutPath string
}

func newFIFOSet(runtimeDir, id string) (*fifoSet, error) {
	dir := filepath.Join(runtimeDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.New("launch", errs.KindInternal, err)
	}
	fs := &fifoSet{
		dir:         dir,
		ctrlInPath:  filepath.Join(dir, "ctrl-in"),
		ctrlOutPath: filepath.Join(dir, "ctrl-out"),
	}
	for _, p := range []string{fs.ctrlInPath, fs.ctrlOutPath} {
		if err := syscall.Mkfifo(p, 0o600); err != nil {
			return nil, errs.New("launch", errs.KindInternal, fmt.Errorf("mkfifo %s: %w", p, err))
		}
	}
	return fs, nil
}

func (fs *fifoSet) cleanup() {
	_ = os.RemoveAll(fs.dir)
}

func (c *containerLauncher) Launch(ctx context.Context, spec LaunchSpec) (*Child, error) {
	if len(spec.Argv) == 0 {
		return nil, errs.New("launch", errs.KindInvalidInput, errInterpreterArgvEmpty)
	}
	if !c.client.Healthy(ctx) {
		return nil, errs.New("launch", errs.KindInternal, ErrContainerdDown)
	}

	id := "shannot-" + uuid.NewString()
	fifos, err := newFIFOSet(c.runtimeDir, id)
	if err != nil {
		return nil, err
	}

	image, err := c.client.PullImage(ctx, c.image)
	if err != nil {
		fifos.cleanup()
		return nil, errs.New("launch", errs.KindInternal, err)
	}

	env := append(append([]string(nil), spec.Env...),
		"SHANNOT_CTRL_IN="+containerCtrlInPath,
		"SHANNOT_CTRL_OUT="+containerCtrlOutPath,
	)

	nsCtx := c.client.WithNamespace(ctx)

	container, err := c.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Argv...),
			oci.WithEnv(env),
			oci.WithMounts([]specs.Mount{
				{Destination: containerCtrlInPath, Source: fifos.ctrlInPath, Type: "bind", Options: []string{"bind"}},
				{Destination: containerCtrlOutPath, Source: fifos.ctrlOutPath, Type: "bind", Options: []string{"bind"}},
			}),
			withLimitsAndSecurity(spec.Limits, c.security),
		),
	)
	if err != nil {
		fifos.cleanup()
		return nil, errs.New("launch", errs.KindInternal, fmt.Errorf("creating container: %w", err))
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		fifos.cleanup()
		return nil, errs.New("launch", errs.KindInternal, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		fifos.cleanup()
		return nil, errs.New("launch", errs.KindInternal, err)
	}

	task, err := container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, stdoutW, stderrW)))
	if err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		fifos.cleanup()
		return nil, errs.New("launch", errs.KindInternal, fmt.Errorf("creating task: %w", err))
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		_, _ = task.Delete(nsCtx)
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		fifos.cleanup()
		return nil, errs.New("launch", errs.KindInternal, err)
	}

	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx)
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		fifos.cleanup()
		return nil, errs.New("launch", errs.KindInternal, fmt.Errorf("starting task: %w", err))
	}

	// The child opens its ends of the control FIFOs once it execs;
	// open the supervisor's ends concurrently so neither side blocks
	// the other waiting for its peer to show up.
	type opened struct {
		f   *os.File
		err error
	}
	ctrlInCh := make(chan opened, 1)
	ctrlOutCh := make(chan opened, 1)
	go func() {
		f, err := os.OpenFile(fifos.ctrlInPath, os.O_WRONLY, 0)
		ctrlInCh <- opened{f, err}
	}()
	go func() {
		f, err := os.OpenFile(fifos.ctrlOutPath, os.O_RDONLY, 0)
		ctrlOutCh <- opened{f, err}
	}()
	ctrlIn := <-ctrlInCh
	ctrlOut := <-ctrlOutCh
	if ctrlIn.err != nil || ctrlOut.err != nil {
		_, _ = task.Delete(nsCtx)
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		fifos.cleanup()
		if ctrlIn.err != nil {
			return nil, errs.New("launch", errs.KindInternal, ctrlIn.err)
		}
		return nil, errs.New("launch", errs.KindInternal, ctrlOut.err)
	}

	log.Info().Str("container_id", id).Strs("argv", spec.Argv).Msg("launched containerized child")

	return &Child{
		ControlIn:  ctrlIn.f,
		ControlOut: ctrlOut.f,
		Stdout:     stdoutR,
		Stderr:     stderrR,
		wait: func() error {
			status := <-exitCh
			code, _, waitErr := status.Result()
			_, _ = task.Delete(nsCtx)
			_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
			fifos.cleanup()
			if waitErr != nil {
				return waitErr
			}
			// status.Result returns a nil error for any completed wait;
			// a non-zero exit code must still read as a crashed child,
			// matching what exec.Cmd reports for the bare-process path.
			if code != 0 {
				return &taskExitError{code: code}
			}
			return nil
		},
		kill: func() error {
			return task.Kill(nsCtx, syscall.SIGKILL)
		},
		terminate: func() error {
			return task.Kill(nsCtx, syscall.SIGTERM)
		},
	}, nil
}

func (c *containerLauncher) Close() error { return nil }

// taskExitError reports a container task's non-zero exit status. It
// exposes ExitCode the same way *exec.ExitError does, so the supervisor
// extracts the real code regardless of launcher.
type taskExitError struct {
	code uint32
}

func (e *taskExitError) Error() string {
	return fmt.Sprintf("task exited with status %d", e.code)
}

func (e *taskExitError) ExitCode() int { return int(e.code) }

func withLimitsAndSecurity(limits ResourceLimits, profile SecurityProfile) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		ApplyResourceLimits(s, limits)
		ApplySecurityProfile(s, profile)
		return nil
	}
}
