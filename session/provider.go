// Package session hands one isolated connection scope to each test against
// the run's shared instance, and guarantees the next test starts from a
// schema-only, data-empty state no matter how the previous one ended.
package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/veiloq/forgekit/config"
	"github.com/veiloq/forgekit/connection"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Endpoint is the view the provider needs of the instance it serves off:
// whether the readiness prober certified it, and its address for
// diagnostics. *instance.Instance satisfies it; so do the lightweight gates
// the orchestrator builds for the embedded and external engines.
type Endpoint interface {
	Ready() bool
	Addr() string
}

// NotReadyError reports a session requested before the instance was
// certified ready. This is a caller ordering bug, not a transient condition,
// and is never retried.
type NotReadyError struct {
	Endpoint string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("session requested before readiness was certified for %s (probe must run first)", e.Endpoint)
}

// Provider opens sessions against one ready instance. A weight-1 semaphore
// serializes sessions: the shared instance is never mutated by two sessions
// at once, making the isolation guarantee structural rather than lock-based
// inside the database.
type Provider struct {
	gate   Endpoint
	cfg    config.Config
	sts    *config.Settings
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// NewProvider wires a Provider to a certified-or-soon-certified endpoint.
func NewProvider(gate Endpoint, cfg config.Config, sts *config.Settings, logger *zap.Logger) *Provider {
	return &Provider{
		gate:   gate,
		cfg:    cfg,
		sts:    sts,
		sem:    semaphore.NewWeighted(1),
		logger: logger.With(zap.String("component", "session")),
	}
}

// Open yields a live session. Steps, each required: verify readiness was
// certified (NotReadyError otherwise), take exclusive instance access,
// establish pools, run hooks, apply the schema. The caller must Close the
// session; prefer Run, which guarantees it.
func (p *Provider) Open(ctx context.Context) (_ *Session, err error) {
	if !p.gate.Ready() {
		return nil, &NotReadyError{Endpoint: p.gate.Addr()}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for exclusive instance access: %w", err)
	}
	defer func() {
		if err != nil {
			p.sem.Release(1)
		}
	}()

	dbName := p.cfg.Database
	ownsDatabase := false
	if p.cfg.Isolation == config.IsolationDatabase {
		dbName = GenerateDBName("session_")
		if err = CreateDatabase(ctx, p.cfg.AdminDSN(), dbName, p.logger); err != nil {
			return nil, err
		}
		ownsDatabase = true
	}

	dsn := p.cfg.DSNFor(dbName)
	db, pool, err := connection.ConnectPools(ctx, dsn, p.logger)
	if err != nil {
		if ownsDatabase {
			if dropErr := DropDatabase(context.Background(), p.cfg.AdminDSN(), dbName, false, p.logger); dropErr != nil {
				p.logger.Warn("Failed to drop session database after connect failure", zap.Error(dropErr))
			}
		}
		return nil, err
	}

	s := &Session{
		provider:     p,
		dbName:       dbName,
		dsn:          dsn,
		db:           db,
		pool:         pool,
		ownsDatabase: ownsDatabase,
	}
	defer func() {
		if err != nil {
			s.discard()
		}
	}()

	if hook := p.sts.AfterConnectionHook(); hook != nil {
		p.logger.Debug("Running afterConnectionHook...")
		if err = hook(ctx, db, pool, p.logger); err != nil {
			return nil, fmt.Errorf("afterConnectionHook failed: %w", err)
		}
	}
	if hook := p.sts.BeforeMigrationHook(); hook != nil {
		p.logger.Debug("Running beforeMigrationHook...")
		if err = hook(ctx, dsn, p.logger); err != nil {
			return nil, fmt.Errorf("beforeMigrationHook failed: %w", err)
		}
	}

	if err = p.sts.Migrator().Apply(ctx, pool, p.logger); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	p.logger.Info("Session opened", zap.String("database", dbName))
	return s, nil
}

// Run opens a session, hands it to fn, and closes it on every exit path
// including panics inside fn. A cleanup failure is reported through t
// separately from fn's own failure so a dirty database state is never
// silently hidden behind the original test failure.
func (p *Provider) Run(ctx context.Context, t *testing.T, fn func(ctx context.Context, s *Session) error) {
	t.Helper()

	s, err := p.Open(ctx)
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Session cleanup failed (state may be dirty): %v", cerr)
		}
	}()

	if err := executeSessionFn(t, fn, ctx, s); err != nil {
		t.Errorf("Session test function failed: %v", err)
	}
}

// executeSessionFn wraps the test driver's function, converting a panic into
// an error so the deferred Close in Run still executes and both outcomes are
// reported.
func executeSessionFn(t *testing.T, fn func(ctx context.Context, s *Session) error, ctx context.Context, s *Session) (err error) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("test panicked: %v", r)
		}
	}()
	err = fn(ctx, s)
	return err
}
