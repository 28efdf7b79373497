// Package runtime defines the narrow container-runtime boundary the kit
// builds on: build an image, run/stop/remove a named container, look one up
// by name. The Docker implementation lives in docker.go; tests substitute
// fakes through the same interface.
package runtime

import (
	"context"
	"errors"
	"fmt"
)

// Handle identifies one container known to the runtime.
type Handle struct {
	ID   string // Runtime-assigned container id.
	Name string // Caller-chosen name; unique within the runtime.
}

// BuildSpec describes an image build: a context directory containing the
// Dockerfile and the seed dataset, and the tag for the resulting image.
type BuildSpec struct {
	ContextDir string // Directory sent to the daemon as the build context.
	Dockerfile string // Path relative to ContextDir. Defaults to "Dockerfile".
	Tag        string // Name:tag for the built image.
	NoCache    bool   // Bypass the layer cache (pick up seed-data edits).
}

// RunSpec describes one container to create: which image, what name, and the
// single port mapping a database instance needs.
type RunSpec struct {
	Name          string   // Container name; creation fails on conflict with an existing name.
	Image         string   // Image reference to run.
	Env           []string // KEY=value pairs.
	ContainerPort uint16   // Port the database listens on inside the container.
	HostPort      uint16   // Host port mapped onto ContainerPort. Must be nonzero.
}

// ErrContainerNotFound is returned by FindContainer when no container with
// the requested name exists.
var ErrContainerNotFound = errors.New("container not found")

// ErrNameConflict is wrapped by CreateContainer when the requested name is
// already taken by an existing container. The instance manager uses it to
// detect leftovers from crashed runs.
var ErrNameConflict = errors.New("container name already in use")

// IsNameConflict reports whether err stems from a duplicate container name.
func IsNameConflict(err error) bool {
	return errors.Is(err, ErrNameConflict)
}

// BuildError reports a failed image build. The build tool's own diagnostic is
// preserved in Detail; builds are never retried.
type BuildError struct {
	Tag    string // Image tag the build was producing.
	Detail string // Raw diagnostic from the build tool, if any.
	Err    error  // Underlying error.
}

func (e *BuildError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("image build for %q failed: %s", e.Tag, e.Detail)
	}
	return fmt.Sprintf("image build for %q failed: %v", e.Tag, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Runtime abstracts the container runtime. All methods are safe for
// sequential use from the run-setup phase; nothing here is called
// concurrently in this design.
type Runtime interface {
	// BuildImage produces the image described by spec, overwriting any local
	// image with the same tag. Failures surface as *BuildError.
	BuildImage(ctx context.Context, spec BuildSpec) error
	// CreateContainer creates (but does not start) the container described
	// by spec. A duplicate name yields an error matching IsNameConflict.
	CreateContainer(ctx context.Context, spec RunSpec) (Handle, error)
	// StartContainer starts a created container.
	StartContainer(ctx context.Context, h Handle) error
	// StopContainer stops a running container, waiting up to the runtime's
	// grace period before killing it. Stopping an already stopped container
	// is not an error.
	StopContainer(ctx context.Context, h Handle) error
	// RemoveContainer force-removes the container, running or not.
	RemoveContainer(ctx context.Context, h Handle) error
	// FindContainer resolves a container name to a handle, in any lifecycle
	// state. Returns ErrContainerNotFound when absent.
	FindContainer(ctx context.Context, name string) (Handle, error)
	// Close releases the runtime client.
	Close() error
}
