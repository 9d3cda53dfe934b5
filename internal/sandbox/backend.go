package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"shannot/internal/config"
)

// NewChildLauncher picks the launcher: try the hardened container path
// first, fall back to the bare-process path when containerd isn't
// reachable or isn't configured.
func NewChildLauncher(ctx context.Context, cfg *config.Config) (ChildLauncher, error) {
	preference := cfg.Sandbox.Launcher
	if preference == "" {
		preference = "auto"
	}

	security, err := SecurityProfileFor(cfg.Security.SeccompProfile)
	if err != nil {
		return nil, err
	}

	switch preference {
	case "process":
		return NewProcessLauncher(), nil
	case "container":
		client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
		if err != nil {
			return nil, fmt.Errorf("containerd required by sandbox.launcher=container: %w", err)
		}
		return NewContainerLauncher(client, cfg.Sandbox.Image, cfg.Runtime.RuntimeDir, security), nil
	case "auto":
		if runtime.GOOS == "linux" {
			client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
			if err == nil {
				log.Info().Msg("using container-backed child launcher")
				return NewContainerLauncher(client, cfg.Sandbox.Image, cfg.Runtime.RuntimeDir, security), nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, falling back to bare-process launcher")
		}
		return NewProcessLauncher(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox.launcher %q: must be auto, container, or process", preference)
	}
}
