package sandbox

import "errors"

// Sentinel errors for typed error checking within the sandbox package.
// Callers outside the package classify failures via internal/errs instead;
// these exist because limits.go and container_launcher.go wrap them with
// %w before the caller ever sees them.
var (
	ErrInvalidRequest = errors.New("invalid resource limits")
	ErrContainerdDown = errors.New("containerd unavailable")
)
