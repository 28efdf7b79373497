package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CreateDatabase connects to the administrative database behind adminDSN and
// creates the named database. Used by IsolationDatabase mode, where every
// session gets its own uniquely named database on the shared instance.
func CreateDatabase(ctx context.Context, adminDSN, name string, logger *zap.Logger) error {
	db, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return fmt.Errorf("failed to open connection to admin database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping admin database: %w", err)
	}

	quoted := pgx.Identifier{name}.Sanitize()
	logger.Debug("Creating session database", zap.String("database", name))
	if _, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", quoted)); err != nil {
		return fmt.Errorf("failed to create session database %q: %w", name, err)
	}

	logger.Info("Session database created", zap.String("database", name))
	return nil
}

// DropDatabase terminates remaining connections to the named database and
// drops it. Respects keep: when set, the drop is skipped and logged, which
// leaves the database around for post-mortem inspection.
func DropDatabase(ctx context.Context, adminDSN, name string, keep bool, logger *zap.Logger) error {
	if keep {
		logger.Info("KeepDatabase set, skipping drop", zap.String("database", name))
		return nil
	}

	logger.Debug("Dropping session database", zap.String("database", name))
	db, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to admin database to drop %q: %w", name, err)
	}
	defer db.Close()

	// Lingering connections block DROP DATABASE; kick them first. Failure
	// here is logged but the drop is still attempted.
	termCtx, termCancel := context.WithTimeout(ctx, 15*time.Second)
	defer termCancel()
	_, termErr := db.ExecContext(termCtx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		name,
	)
	if termErr != nil {
		logger.Warn("Failed to terminate connections before drop, proceeding anyway",
			zap.String("database", name), zap.Error(termErr))
	}

	dropCtx, dropCancel := context.WithTimeout(ctx, 15*time.Second)
	defer dropCancel()
	quoted := pgx.Identifier{name}.Sanitize()
	if _, err := db.ExecContext(dropCtx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoted)); err != nil {
		return fmt.Errorf("failed to drop session database %q: %w", name, err)
	}

	logger.Info("Session database dropped", zap.String("database", name))
	return nil
}

// GenerateDBName creates a unique, sanitized database name from the given
// prefix and a random suffix. The result is lowercased, dash-free and
// truncated to PostgreSQL's 63-character identifier limit.
func GenerateDBName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	name := strings.ToLower(prefix + suffix)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
