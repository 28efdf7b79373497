package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// Docker implements Runtime against the Docker Engine API. The daemon is
// resolved from the environment (DOCKER_HOST etc.) with API version
// negotiation, so it works against Docker Desktop, rootless and remote
// daemons alike.
type Docker struct {
	cli         *client.Client
	stopTimeout time.Duration
	logger      *zap.Logger
}

var _ Runtime = (*Docker)(nil)

// NewDocker connects to the Docker daemon. stopTimeout is the grace period
// StopContainer allows before the container is killed.
func NewDocker(stopTimeout time.Duration, logger *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{
		cli:         cli,
		stopTimeout: stopTimeout,
		logger:      logger.With(zap.String("runtime", "docker")),
	}, nil
}

// BuildImage implements Runtime. The context directory is tarred and streamed
// to the daemon; the daemon's build output is consumed and any build failure
// is surfaced as a *BuildError carrying the daemon's diagnostic.
func (d *Docker) BuildImage(ctx context.Context, spec BuildSpec) error {
	dockerfile := spec.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	d.logger.Info("Building image",
		zap.String("tag", spec.Tag),
		zap.String("context", spec.ContextDir),
		zap.Bool("no_cache", spec.NoCache))

	buildCtx, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		// Bad context path fails here, before the daemon is ever contacted
		// and before any container is started.
		return &BuildError{Tag: spec.Tag, Err: fmt.Errorf("failed to tar build context %q: %w", spec.ContextDir, err)}
	}
	defer buildCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{spec.Tag},
		Dockerfile: dockerfile,
		NoCache:    spec.NoCache,
		Remove:     true,
	})
	if err != nil {
		return &BuildError{Tag: spec.Tag, Err: err}
	}
	defer resp.Body.Close()

	// The daemon reports build progress (and errors) as a JSON message
	// stream; draining it is what actually waits for the build to finish.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		detail := ""
		if jerr, ok := err.(*jsonmessage.JSONError); ok {
			detail = jerr.Message
		}
		return &BuildError{Tag: spec.Tag, Detail: detail, Err: err}
	}

	d.logger.Info("Image built", zap.String("tag", spec.Tag))
	return nil
}

// CreateContainer implements Runtime.
func (d *Docker) CreateContainer(ctx context.Context, spec RunSpec) (Handle, error) {
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(int(spec.ContainerPort)))
	if err != nil {
		return Handle{}, fmt.Errorf("invalid container port %d: %w", spec.ContainerPort, err)
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				containerPort: []nat.PortBinding{{
					HostIP:   "0.0.0.0",
					HostPort: strconv.Itoa(int(spec.HostPort)),
				}},
			},
		},
		nil, nil, spec.Name,
	)
	if err != nil {
		if errdefs.IsConflict(err) {
			return Handle{}, fmt.Errorf("%w: %q: %v", ErrNameConflict, spec.Name, err)
		}
		return Handle{}, fmt.Errorf("failed to create container %q: %w", spec.Name, err)
	}

	d.logger.Debug("Container created",
		zap.String("name", spec.Name),
		zap.String("id", created.ID),
		zap.Uint16("host_port", spec.HostPort))
	return Handle{ID: created.ID, Name: spec.Name}, nil
}

// StartContainer implements Runtime.
func (d *Docker) StartContainer(ctx context.Context, h Handle) error {
	if err := d.cli.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %q: %w", h.Name, err)
	}
	d.logger.Debug("Container started", zap.String("name", h.Name), zap.String("id", h.ID))
	return nil
}

// StopContainer implements Runtime.
func (d *Docker) StopContainer(ctx context.Context, h Handle) error {
	timeout := int(d.stopTimeout.Seconds())
	err := d.cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %q: %w", h.Name, err)
	}
	d.logger.Debug("Container stopped", zap.String("name", h.Name))
	return nil
}

// RemoveContainer implements Runtime.
func (d *Docker) RemoveContainer(ctx context.Context, h Handle) error {
	err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %q: %w", h.Name, err)
	}
	d.logger.Debug("Container removed", zap.String("name", h.Name))
	return nil
}

// FindContainer implements Runtime. The name filter is a substring match on
// the daemon side, so results are re-checked for an exact name.
func (d *Docker) FindContainer(ctx context.Context, name string) (Handle, error) {
	listed, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return Handle{}, fmt.Errorf("failed to list containers named %q: %w", name, err)
	}
	for _, c := range listed {
		for _, n := range c.Names {
			// The API reports names with a leading slash.
			if n == "/"+name {
				return Handle{ID: c.ID, Name: name}, nil
			}
		}
	}
	return Handle{}, fmt.Errorf("%w: %q", ErrContainerNotFound, name)
}

// Close implements Runtime.
func (d *Docker) Close() error {
	return d.cli.Close()
}
