// Package migration defines the interface for bringing a test database to its
// target schema. Implementations range from a no-op (empty database) over a
// plain SQL script to Atlas-managed versioned migrations.
package migration

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Migrator applies the full schema known to the test suite. Apply must be
// idempotent: the session provider may invoke it once per run or once per
// session depending on the configured isolation granularity.
type Migrator interface {
	// Apply brings the database reachable through pool to the target schema
	// state. Implementations should log through the provided logger and
	// respect ctx for cancellation.
	Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error
}

// NoOpMigrator is the default Migrator. It applies nothing, leaving the
// database schema-less. Tests that rely solely on seed data baked into the
// image use this.
type NoOpMigrator struct{}

// Apply implements Migrator.
func (m *NoOpMigrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	logger.Debug("Schema application skipped (NoOpMigrator).")
	return nil
}

// SQLMigrator applies a single SQL script (DDL plus optional reference data).
// The script is treated as opaque and executed in one round trip using the
// simple query protocol, so it may contain multiple semicolon-separated
// statements. Scripts must be written idempotently (CREATE TABLE IF NOT
// EXISTS and friends) because Apply can run more than once per instance.
type SQLMigrator struct {
	path string
}

// NewSQLMigrator returns a SQLMigrator reading the script at path. The file
// is read lazily on each Apply so edits between runs are picked up.
func NewSQLMigrator(path string) *SQLMigrator {
	return &SQLMigrator{path: path}
}

// Apply implements Migrator.
func (m *SQLMigrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	script, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("failed to read schema script %q: %w", m.path, err)
	}
	if len(script) == 0 {
		logger.Warn("Schema script is empty, nothing to apply", zap.String("path", m.path))
		return nil
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for schema script: %w", err)
	}
	defer conn.Release()

	// Exec without arguments uses the simple query protocol, which accepts
	// multi-statement strings.
	if _, err := conn.Exec(ctx, string(script)); err != nil {
		return fmt.Errorf("failed to apply schema script %q: %w", m.path, err)
	}
	logger.Info("Schema script applied", zap.String("path", m.path))
	return nil
}
