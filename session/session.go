package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/forgekit/connection"
	"go.uber.org/zap"
)

// resetTimeout bounds the data wipe on Close, which runs with its own
// context because the test's context is often already canceled by then.
const resetTimeout = 30 * time.Second

// bookkeepingTables survive the truncate reset: wiping migration state would
// break schema-apply idempotence for versioned migrators.
var bookkeepingTables = map[string]bool{
	"atlas_schema_revisions": true,
	"schema_migrations":      true,
}

// CleanupError reports that the post-test data reset failed. It is surfaced
// alongside, never instead of, the test's own failure, so a dirty database
// state cannot hide behind a red test or vice versa.
type CleanupError struct {
	Database string
	Err      error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("session cleanup for database %q failed: %v", e.Database, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Session is one test's isolated connection scope against the shared
// instance. Closing it wipes the data the test wrote (or drops the
// session's private database, depending on isolation mode) and releases
// exclusive instance access.
type Session struct {
	provider     *Provider
	dbName       string
	dsn          string
	db           *sql.DB
	pool         *pgxpool.Pool
	ownsDatabase bool

	closeOnce sync.Once
	closeErr  error
}

// DB returns the standard library connection pool for the session database.
func (s *Session) DB() *sql.DB { return s.db }

// Pool returns the pgx connection pool for the session database.
func (s *Session) Pool() *pgxpool.Pool { return s.pool }

// ConnectionString returns the DSN of the session database.
func (s *Session) ConnectionString() string { return s.dsn }

// Database returns the name of the database this session runs against.
func (s *Session) Database() string { return s.dbName }

// Close resets the session's data, closes both pools and releases exclusive
// instance access. It runs at most once; later calls return the stored
// result. A failed reset yields *CleanupError; connections are still
// closed and the semaphore still released, the failure is not swallowed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		defer s.provider.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
		defer cancel()

		logger := s.provider.logger
		var resetErr error

		if s.ownsDatabase {
			// Private database mode: the pools must go first, the drop
			// afterwards terminates anything that lingered.
			s.closePools(logger)
			resetErr = DropDatabase(ctx, s.provider.cfg.AdminDSN(), s.dbName, s.provider.cfg.KeepDatabase, logger)
		} else {
			resetErr = s.resetData(ctx)
			s.closePools(logger)
		}

		if resetErr != nil {
			s.closeErr = &CleanupError{Database: s.dbName, Err: resetErr}
			logger.Warn("Session cleanup failed, database state may be dirty",
				zap.String("database", s.dbName),
				zap.Error(resetErr))
			return
		}
		logger.Info("Session closed", zap.String("database", s.dbName))
	})
	return s.closeErr
}

// discard closes the pools without resetting data. Used on failed Open paths
// where nothing was handed to a test yet.
func (s *Session) discard() {
	s.closeOnce.Do(func() {
		s.closePools(s.provider.logger)
		// Semaphore release is handled by Open's error path.
	})
}

// closePools closes both pools through connection's cleanup funcs, which nil
// the fields on success so a later Close cannot double-close.
func (s *Session) closePools(logger *zap.Logger) {
	if err := connection.ClosePool(&s.pool, s.dsn, logger)(); err != nil {
		logger.Warn("Error closing pgx pool", zap.String("database", s.dbName), zap.Error(err))
	}
	if err := connection.CloseDB(&s.db, s.dsn, logger)(); err != nil {
		logger.Warn("Error closing sql.DB connection", zap.String("database", s.dbName), zap.Error(err))
	}
}

// resetData truncates every user table in the public schema so the next
// session observes schema-only, data-empty state. Sequences restart and
// foreign keys cascade, so insertion order between tables does not matter.
func (s *Session) resetData(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT tablename FROM pg_tables WHERE schemaname = 'public'`)
	if err != nil {
		return fmt.Errorf("failed to list tables for reset: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		if bookkeepingTables[name] {
			continue
		}
		tables = append(tables, pgx.Identifier{name}.Sanitize())
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to enumerate tables for reset: %w", err)
	}
	if len(tables) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(tables, ", "))
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	s.provider.logger.Debug("Session data reset", zap.Int("tables", len(tables)))
	return nil
}

// --- Transaction runners ---

// executeTestFn wraps the execution of the user's test function, handling
// panics and returning any error produced by the function. Generic so it
// works with both transaction types (*sql.Tx, pgx.Tx).
func executeTestFn[T any](t *testing.T, fn func(ctx context.Context, tx T) error, ctx context.Context, tx T) (err error) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("test panicked: %v", r)
		}
	}()
	err = fn(ctx, tx)
	return err
}

// RunSQLTx runs the test function within a standard library sql.Tx on the
// session database. The transaction is always rolled back, so the function
// leaves no trace regardless of outcome.
func (s *Session) RunSQLTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx *sql.Tx) error) {
	t.Helper()

	tx, err := s.db.BeginTx(ctx, s.provider.cfg.SQLTxOptions)
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}

	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			t.Logf("Warning: failed to rollback transaction: %v", rollbackErr)
		}
	}()

	// Errors from the test function are logged, not failed: rollback tests
	// may expect them.
	if testErr := executeTestFn(t, testFn, ctx, tx); testErr != nil {
		t.Logf("Test function returned error (expected in some cases): %v", testErr)
	}
}

// RunTx runs the test function within a pgx.Tx on the session database,
// with the same always-rollback contract as RunSQLTx.
func (s *Session) RunTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx pgx.Tx) error) {
	t.Helper()

	if s.pool == nil {
		t.Fatal("Session pool is not initialized; was the session already closed?")
	}

	tx, err := s.pool.BeginTx(ctx, s.provider.cfg.PgxTxOptions)
	if err != nil {
		t.Fatalf("Failed to begin pgx transaction: %v", err)
	}

	defer func() {
		rollbackCtx, rollbackCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer rollbackCancel()
		if rollbackErr := tx.Rollback(rollbackCtx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			t.Logf("Warning: failed to rollback pgx transaction: %v", rollbackErr)
		}
	}()

	if testErr := executeTestFn(t, testFn, ctx, tx); testErr != nil {
		t.Logf("Test function returned error (expected in some cases): %v", testErr)
	}
}
