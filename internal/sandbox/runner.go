package sandbox

import (
	"context"
	"path/filepath"

	"shannot/internal/config"
	"shannot/internal/profile"
	"shannot/internal/session"
	"shannot/internal/vfs"
)

// Runner builds a fresh VFS and Supervisor per session and drives the
// capture phase. It is the production CaptureRunner behind the external
// submit method.
type Runner struct {
	cfg      *config.Config
	launcher ChildLauncher
	profiles *profile.Dir
}

// NewRunner wires the capture-phase dependencies.
func NewRunner(cfg *config.Config, launcher ChildLauncher, profiles *profile.Dir) *Runner {
	return &Runner{cfg: cfg, launcher: launcher, profiles: profiles}
}

// Run launches the restricted interpreter against the session's script
// and blocks until the capture phase finishes. The session must be
// locked by the caller.
func (r *Runner) Run(ctx context.Context, sess *session.Session) error {
	meta, err := sess.Metadata()
	if err != nil {
		return err
	}
	prof, err := r.profiles.Load(meta.Profile)
	if err != nil {
		return err
	}
	mappings, err := r.cfg.Runtime.VFSMappings()
	if err != nil {
		return err
	}

	scriptPath := filepath.Join(sess.Dir, "script.py")
	env := baseChildEnv(r.cfg.Runtime.RuntimeDir)

	// Inside its own PID namespace the child sees itself as pid 1; the
	// bare-process launcher keeps the same fiction so /proc contents do
	// not vary by launcher.
	v := vfs.New(mappings, sess, vfs.ProcInfo{
		PID:     1,
		Cmdline: []string{r.cfg.Runtime.InterpreterPath, scriptPath},
		Environ: env,
	})

	limits := ResourceLimits{
		CPUShares: r.cfg.Sandbox.DefaultLimits.CPUShares,
		MemoryMB:  r.cfg.Sandbox.DefaultLimits.MemoryMB,
		PidsLimit: r.cfg.Sandbox.DefaultLimits.PidsLimit,
		DiskMB:    r.cfg.Sandbox.DefaultLimits.DiskMB,
	}
	if meta.Profile == "dev" {
		limits = DevLimits()
	}

	sup := NewSupervisor(sess, v, prof, r.launcher)
	return sup.Run(ctx, LaunchSpec{
		Argv:   []string{r.cfg.Runtime.InterpreterPath, scriptPath},
		Env:    env,
		Dir:    sess.Dir,
		Limits: limits,
	})
}

// baseChildEnv is the minimal environment the child starts with: a PATH
// covering the bundled interpreter's standard library and nothing
// inherited from the daemon.
func baseChildEnv(runtimeDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"SANDBOX_RUNTIME_DIR=" + runtimeDir,
	}
}
