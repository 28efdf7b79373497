// Package instance owns the lifecycle of the single database container a
// test run leans on: create-or-reclaim on acquire, stop-and-remove on
// release, with a per-identity file lock serializing runs against the same
// name.
package instance

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
	"github.com/veiloq/forgekit/runtime"
)

// State is the lifecycle position of an Instance.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Instance is one running database container, owned exclusively by the
// Manager that acquired it. At most one Instance per identity exists at any
// time; acquiring over a leftover from a crashed run removes the leftover
// first.
type Instance struct {
	identity string
	image    string
	handle   runtime.Handle
	host     string
	port     uint16

	mu       sync.Mutex
	state    State
	ready    bool
	released bool
	lock     *flock.Flock
}

// Identity returns the container name the instance was acquired under.
func (i *Instance) Identity() string { return i.identity }

// Image returns the image reference the instance runs.
func (i *Instance) Image() string { return i.image }

// Handle returns the runtime handle of the underlying container.
func (i *Instance) Handle() runtime.Handle { return i.handle }

// Host returns the host the mapped port listens on.
func (i *Instance) Host() string { return i.host }

// Port returns the host port mapped onto the database port.
func (i *Instance) Port() uint16 { return i.port }

// Addr returns the instance endpoint as host:port.
func (i *Instance) Addr() string {
	return net.JoinHostPort(i.host, strconv.Itoa(int(i.port)))
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Ready reports whether the readiness prober has certified this instance.
// A started container is not necessarily ready: process launch and accepting
// connections are decoupled, which is the whole reason the prober exists.
func (i *Instance) Ready() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ready
}

// Certify marks the instance ready. Called by the orchestrator exactly once
// per run, after the readiness prober has verified the endpoint answers
// queries. Sessions refuse to open against an uncertified instance.
func (i *Instance) Certify() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ready = true
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

// markReleased flips the released flag. Returns false when the instance was
// already released, making Release idempotent.
func (i *Instance) markReleased() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return false
	}
	i.released = true
	i.ready = false
	return true
}

// ConflictError reports an identity that could not be reclaimed: creation hit
// a duplicate name, the stale container was removed, and the single retry
// still failed. This is fatal; repeated retries would only mask a runtime
// misbehaving or another run fighting over the same identity.
type ConflictError struct {
	Identity string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("instance %q could not be reclaimed after removing stale container: %v", e.Identity, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }
