package forgekit

import (
	"context"
	"testing"

	"github.com/veiloq/forgekit/instance"
	"github.com/veiloq/forgekit/session"
)

// Kit is the test-run entry point: one seeded instance stood up per run, one
// isolated session handed out per test, teardown guaranteed on every exit
// path.
type Kit interface {
	// OpenSession yields a clean session against the ready instance. The
	// caller must Close it; prefer Run, which guarantees that.
	OpenSession(ctx context.Context) (*session.Session, error)
	// Run opens a session, hands it to fn and closes it afterwards, even
	// when fn fails or panics. Cleanup failures are reported separately
	// from fn's own failure.
	Run(ctx context.Context, t *testing.T, fn func(ctx context.Context, s *session.Session) error)
	// ConnectionString returns the DSN of the run's test database.
	ConnectionString() string
	// Instance returns the managed instance, or nil for the embedded and
	// external engines.
	Instance() *instance.Instance
	// Cleanup releases everything the run acquired: sessions' instance
	// access, the instance itself, the runtime client. It runs at most
	// once and is registered with t.Cleanup automatically when a
	// *testing.T was provided.
	Cleanup() error
}
