package instance

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veiloq/forgekit/runtime"
	"go.uber.org/zap/zaptest"
)

// fakeRuntime scripts the container runtime and records every call so tests
// can assert on sequencing.
type fakeRuntime struct {
	calls []string

	createErrs []error // popped per CreateContainer call; nil entry means success
	findHandle runtime.Handle
	findErr    error
	startErr   error
	stopErr    error
	removeErr  error

	nextID int
}

func (f *fakeRuntime) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeRuntime) BuildImage(ctx context.Context, spec runtime.BuildSpec) error {
	f.record("build " + spec.Tag)
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.RunSpec) (runtime.Handle, error) {
	f.record("create " + spec.Name)
	var err error
	if len(f.createErrs) > 0 {
		err = f.createErrs[0]
		f.createErrs = f.createErrs[1:]
	}
	if err != nil {
		return runtime.Handle{}, err
	}
	f.nextID++
	return runtime.Handle{ID: fmt.Sprintf("id-%d", f.nextID), Name: spec.Name}, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, h runtime.Handle) error {
	f.record("start " + h.ID)
	return f.startErr
}

func (f *fakeRuntime) StopContainer(ctx context.Context, h runtime.Handle) error {
	f.record("stop " + h.ID)
	return f.stopErr
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, h runtime.Handle) error {
	f.record("remove " + h.ID)
	return f.removeErr
}

func (f *fakeRuntime) FindContainer(ctx context.Context, name string) (runtime.Handle, error) {
	f.record("find " + name)
	if f.findErr != nil {
		return runtime.Handle{}, f.findErr
	}
	return f.findHandle, nil
}

func (f *fakeRuntime) Close() error {
	f.record("close")
	return nil
}

func newTestManager(t *testing.T, rt runtime.Runtime, keep bool) *Manager {
	t.Helper()
	return NewManager(rt, t.TempDir(), keep, zaptest.NewLogger(t))
}

func TestAcquire_HappyPath(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt, false)

	inst, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
		HostPort: 54321,
	})
	require.NoError(t, err)
	require.NotNil(t, inst)

	assert.Equal(t, StateRunning, inst.State())
	assert.False(t, inst.Ready(), "readiness requires explicit certification")
	assert.Equal(t, "localhost:54321", inst.Addr())
	assert.Equal(t, []string{"create test_db", "start id-1"}, rt.calls)
}

func TestAcquire_AssignsFreePort(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt, false)

	inst, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
	})
	require.NoError(t, err)
	assert.NotZero(t, inst.Port())
}

func TestAcquire_RequiresIdentityAndImage(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{}, false)

	_, err := m.Acquire(context.Background(), Spec{Image: "postgres:16-alpine"})
	require.Error(t, err)

	_, err = m.Acquire(context.Background(), Spec{Identity: "test_db"})
	require.Error(t, err)
}

func TestAcquire_ReclaimsStaleContainer(t *testing.T) {
	rt := &fakeRuntime{
		createErrs: []error{runtime.ErrNameConflict, nil},
		findHandle: runtime.Handle{ID: "stale-1", Name: "test_db"},
	}
	m := newTestManager(t, rt, false)

	inst, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
		HostPort: 54321,
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, inst.State())

	// Exactly one removal of the stale container and exactly one retry.
	assert.Equal(t, []string{
		"create test_db",
		"find test_db",
		"remove stale-1",
		"create test_db",
		"start id-1",
	}, rt.calls)
}

func TestAcquire_SecondConflictIsFatal(t *testing.T) {
	rt := &fakeRuntime{
		createErrs: []error{runtime.ErrNameConflict, runtime.ErrNameConflict},
		findHandle: runtime.Handle{ID: "stale-1", Name: "test_db"},
	}
	m := newTestManager(t, rt, false)

	_, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
		HostPort: 54321,
	})
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "test_db", conflict.Identity)
}

func TestAcquire_StaleRemovalFailureIsFatal(t *testing.T) {
	rt := &fakeRuntime{
		createErrs: []error{runtime.ErrNameConflict},
		findHandle: runtime.Handle{ID: "stale-1", Name: "test_db"},
		removeErr:  errors.New("permission denied"),
	}
	m := newTestManager(t, rt, false)

	_, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
		HostPort: 54321,
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestAcquire_VanishedConflictStillRetries(t *testing.T) {
	rt := &fakeRuntime{
		createErrs: []error{runtime.ErrNameConflict, nil},
		findErr:    runtime.ErrContainerNotFound,
	}
	m := newTestManager(t, rt, false)

	inst, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
		HostPort: 54321,
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, inst.State())
}

func TestAcquire_StartFailureRemovesContainer(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("no such image")}
	m := newTestManager(t, rt, false)

	_, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
		HostPort: 54321,
	})
	require.Error(t, err)
	assert.Contains(t, rt.calls, "remove id-1", "a created-but-unstartable container must not poison the identity")
}

func TestRelease_StopsAndRemovesOnce(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt, false)

	inst, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
		HostPort: 54321,
	})
	require.NoError(t, err)
	inst.Certify()

	require.NoError(t, m.Release(context.Background(), inst))
	assert.Equal(t, StateAbsent, inst.State())
	assert.False(t, inst.Ready())

	callsAfterFirst := len(rt.calls)
	require.NoError(t, m.Release(context.Background(), inst), "second release is a no-op")
	require.NoError(t, m.ReleaseFunc(inst)(), "release via cleanup func is also a no-op")
	assert.Len(t, rt.calls, callsAfterFirst, "runtime must not be touched again")
}

func TestRelease_KeepInstanceLeavesContainer(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt, true)

	inst, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
		HostPort: 54321,
	})
	require.NoError(t, err)

	require.NoError(t, m.Release(context.Background(), inst))
	assert.NotContains(t, rt.calls, "stop id-1")
	assert.NotContains(t, rt.calls, "remove id-1")
}

func TestRelease_FirstErrorWins(t *testing.T) {
	rt := &fakeRuntime{
		stopErr:   errors.New("stop failed"),
		removeErr: errors.New("remove failed"),
	}
	m := newTestManager(t, rt, false)

	inst, err := m.Acquire(context.Background(), Spec{
		Identity: "test_db",
		Image:    "postgres:16-alpine",
		HostPort: 54321,
	})
	require.NoError(t, err)

	err = m.Release(context.Background(), inst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop failed")
	// Removal is still attempted after a failed stop.
	assert.Contains(t, rt.calls, "remove id-1")
}

func TestRelease_NilInstance(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{}, false)
	require.NoError(t, m.Release(context.Background(), nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "absent", StateAbsent.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
}

func TestConflictError_Unwrap(t *testing.T) {
	cause := errors.New("still taken")
	err := &ConflictError{Identity: "test_db", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "test_db")
}
