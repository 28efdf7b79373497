package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/veiloq/forgekit/connection"
	"github.com/veiloq/forgekit/internal/cleanup"
	"github.com/veiloq/forgekit/runtime"
	"go.uber.org/zap"
)

// lockRetryInterval is the poll interval while waiting for another run to
// release the per-identity lock.
const lockRetryInterval = 50 * time.Millisecond

// releaseTimeout bounds the stop+remove sequence when Release runs from a
// cleanup stack with no caller context.
const releaseTimeout = 30 * time.Second

// defaultContainerPort is where the official postgres images listen.
const defaultContainerPort = 5432

// Spec describes the instance to acquire.
type Spec struct {
	Identity      string   // Container name. Required.
	Image         string   // Image reference to run. Required.
	Host          string   // Host the mapped port is reached on. Defaults to "localhost".
	HostPort      uint16   // Host port. 0 picks a random free port.
	ContainerPort uint16   // Database port inside the container. Defaults to 5432.
	Env           []string // KEY=value pairs for the container.
}

// Manager creates and destroys the run's single Instance through the
// container runtime boundary. Acquire and Release pair up as a scoped
// acquisition: the orchestrator registers Release on its cleanup stack so it
// runs exactly once on every exit path.
type Manager struct {
	rt           runtime.Runtime
	lockDir      string
	keepInstance bool
	logger       *zap.Logger
}

// NewManager returns a Manager using rt. Lock files for run exclusivity are
// kept under lockDir. When keepInstance is set, Release leaves the container
// running for post-mortem inspection.
func NewManager(rt runtime.Runtime, lockDir string, keepInstance bool, logger *zap.Logger) *Manager {
	if lockDir == "" {
		lockDir = ".forgekit"
	}
	return &Manager{
		rt:           rt,
		lockDir:      lockDir,
		keepInstance: keepInstance,
		logger:       logger,
	}
}

// Acquire creates and starts the instance named spec.Identity.
//
// If a container with that name already exists (typically a leftover from a
// crashed prior run), the stale container is force-removed and creation is
// retried exactly once. A second conflict is fatal and surfaces as
// *ConflictError. Parallel runs targeting the same identity queue on a file
// lock instead of fighting over the name.
func (m *Manager) Acquire(ctx context.Context, spec Spec) (_ *Instance, err error) {
	if spec.Identity == "" || spec.Image == "" {
		return nil, fmt.Errorf("instance spec requires Identity and Image")
	}
	if spec.Host == "" {
		spec.Host = "localhost"
	}
	if spec.ContainerPort == 0 {
		spec.ContainerPort = defaultContainerPort
	}

	lock, err := m.acquireLock(ctx, spec.Identity)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			m.releaseLock(lock)
		}
	}()

	if spec.HostPort == 0 {
		freePort, perr := connection.GetFreePort(spec.Host)
		if perr != nil {
			return nil, fmt.Errorf("failed to assign host port for instance %q: %w", spec.Identity, perr)
		}
		spec.HostPort = uint16(freePort)
		m.logger.Info("Assigned random free host port",
			zap.String("identity", spec.Identity),
			zap.Uint16("port", spec.HostPort))
	}

	inst := &Instance{
		identity: spec.Identity,
		image:    spec.Image,
		host:     spec.Host,
		port:     spec.HostPort,
		state:    StateAbsent,
		lock:     lock,
	}

	runSpec := runtime.RunSpec{
		Name:          spec.Identity,
		Image:         spec.Image,
		Env:           spec.Env,
		ContainerPort: spec.ContainerPort,
		HostPort:      spec.HostPort,
	}

	handle, err := m.rt.CreateContainer(ctx, runSpec)
	if runtime.IsNameConflict(err) {
		handle, err = m.reclaim(ctx, runSpec, err)
	}
	if err != nil {
		return nil, err
	}
	inst.handle = handle

	inst.setState(StateStarting)
	m.logger.Info("Starting instance",
		zap.String("identity", spec.Identity),
		zap.String("image", spec.Image),
		zap.Uint16("host_port", spec.HostPort))

	if err = m.rt.StartContainer(ctx, handle); err != nil {
		// The container exists but never ran; remove it so the identity is
		// not poisoned for the next run.
		if rmErr := m.rt.RemoveContainer(ctx, handle); rmErr != nil {
			m.logger.Warn("Failed to remove container after start failure",
				zap.String("identity", spec.Identity), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("failed to start instance %q: %w", spec.Identity, err)
	}

	inst.setState(StateRunning)
	m.logger.Info("Instance running", zap.String("identity", spec.Identity), zap.String("addr", inst.Addr()))
	return inst, nil
}

// reclaim handles the duplicate-name path of Acquire: remove the one stale
// container holding the identity, then retry creation a single time.
func (m *Manager) reclaim(ctx context.Context, spec runtime.RunSpec, conflictErr error) (runtime.Handle, error) {
	m.logger.Warn("Stale instance holds this identity, reclaiming",
		zap.String("identity", spec.Name),
		zap.Error(conflictErr))

	stale, err := m.rt.FindContainer(ctx, spec.Name)
	switch {
	case err == nil:
		if err := m.rt.RemoveContainer(ctx, stale); err != nil {
			return runtime.Handle{}, &ConflictError{Identity: spec.Name, Err: fmt.Errorf("removing stale container: %w", err)}
		}
		m.logger.Info("Removed stale instance", zap.String("identity", spec.Name), zap.String("stale_id", stale.ID))
	case errors.Is(err, runtime.ErrContainerNotFound):
		// The conflicting container vanished between create and lookup.
		// The retry below settles it either way.
	default:
		return runtime.Handle{}, &ConflictError{Identity: spec.Name, Err: fmt.Errorf("looking up stale container: %w", err)}
	}

	handle, err := m.rt.CreateContainer(ctx, spec)
	if err != nil {
		return runtime.Handle{}, &ConflictError{Identity: spec.Name, Err: err}
	}
	return handle, nil
}

// Release stops and removes the instance, transitioning
// Running→Stopping→Absent, and drops the identity lock. It is idempotent:
// the second and later calls are no-ops. With KeepInstance set the container
// is left running and only the lock is dropped.
func (m *Manager) Release(ctx context.Context, inst *Instance) error {
	if inst == nil || !inst.markReleased() {
		return nil
	}
	defer m.releaseLock(inst.lock)

	if m.keepInstance {
		m.logger.Info("KeepInstance set, leaving instance running",
			zap.String("identity", inst.identity),
			zap.String("addr", inst.Addr()))
		return nil
	}

	inst.setState(StateStopping)
	m.logger.Info("Releasing instance", zap.String("identity", inst.identity))

	var firstErr error
	if err := m.rt.StopContainer(ctx, inst.handle); err != nil {
		firstErr = fmt.Errorf("failed to stop instance %q: %w", inst.identity, err)
		m.logger.Error("Error stopping instance", zap.String("identity", inst.identity), zap.Error(err))
	}
	if err := m.rt.RemoveContainer(ctx, inst.handle); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to remove instance %q: %w", inst.identity, err)
		}
		m.logger.Error("Error removing instance", zap.String("identity", inst.identity), zap.Error(err))
	}

	inst.setState(StateAbsent)
	if firstErr == nil {
		m.logger.Info("Instance released", zap.String("identity", inst.identity))
	}
	return firstErr
}

// ReleaseFunc returns a cleanup function releasing inst, for registration on
// a cleanup.Manager stack. It runs with its own bounded context because the
// caller's context is typically gone by teardown time.
func (m *Manager) ReleaseFunc(inst *Instance) cleanup.Func {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		return m.Release(ctx, inst)
	}
}

func (m *Manager) acquireLock(ctx context.Context, identity string) (*flock.Flock, error) {
	if err := os.MkdirAll(m.lockDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %q: %w", m.lockDir, err)
	}
	lockPath := filepath.Join(m.lockDir, identity+".lock")
	fl := flock.New(lockPath)

	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock %s: %w", lockPath, err)
	}
	if !locked {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquiring run lock %s: %w", lockPath, ctx.Err())
		}
		return nil, fmt.Errorf("acquiring run lock %s: lock not acquired", lockPath)
	}
	m.logger.Debug("Acquired run lock", zap.String("path", lockPath))
	return fl, nil
}

// releaseLock drops the identity lock. The lock file itself stays on disk:
// removing it could invalidate a lock concurrently acquired by another run.
func (m *Manager) releaseLock(fl *flock.Flock) {
	if fl == nil {
		return
	}
	if err := fl.Close(); err != nil {
		m.logger.Debug("Failed to release run lock", zap.String("path", fl.Path()), zap.Error(err))
	}
}
