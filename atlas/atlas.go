// Package atlas provides a migration.Migrator backed by the Atlas library,
// reading the migration directory from an atlas.hcl file. It suits suites
// that already manage their schema with versioned Atlas migrations.
package atlas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ariga.io/atlas/sql/migrate"
	atlaspg "ariga.io/atlas/sql/postgres"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/forgekit/connection"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the Atlas connection
)

// Migrator implements migration.Migrator using the Atlas core library.
// Initialization (HCL parsing, migration directory resolution) is lazy and
// happens on the first Apply.
type Migrator struct {
	hclPath string
	logger  *zap.Logger

	initOnce   func() error
	migrateDir migrate.Dir
	dirPath    string
	initErr    error
}

// NewMigrator creates an Atlas-backed Migrator reading configuration from
// the HCL file at hclPath.
func NewMigrator(hclPath string, logger *zap.Logger) *Migrator {
	m := &Migrator{
		hclPath: hclPath,
		logger:  logger.With(zap.String("migrator", "atlas")),
	}
	var ran bool
	m.initOnce = func() error {
		if ran {
			return m.initErr
		}
		ran = true
		m.migrateDir, m.dirPath, m.initErr = m.resolveMigrationDir()
		switch {
		case m.initErr != nil:
			m.logger.Warn("Atlas migrator initialization failed; Apply will be skipped.", zap.Error(m.initErr))
		case m.migrateDir == nil:
			m.logger.Info("No Atlas migration directory resolved; Apply will be skipped.")
		default:
			m.logger.Info("Atlas migrator initialized.", zap.String("migration_dir", m.dirPath))
		}
		return m.initErr
	}
	return m
}

// Apply implements migration.Migrator.
func (m *Migrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	_ = m.initOnce()

	if m.initErr != nil {
		logger.Warn("Migrations skipped due to Atlas initialization error.", zap.Error(m.initErr))
		return nil
	}
	if m.migrateDir == nil {
		logger.Warn("Migrations skipped: no Atlas migration directory.")
		return nil
	}

	dsn := pool.Config().ConnString()
	dbName := connection.DatabaseFromDSN(dsn)

	logger.Info("Applying Atlas migrations...",
		zap.String("database", dbName),
		zap.String("source_dir", m.dirPath))

	applyCtx, applyCancel := context.WithTimeout(ctx, 90*time.Second)
	defer applyCancel()

	drv, closeDrv, err := m.openDriver(applyCtx, dsn)
	if err != nil {
		return fmt.Errorf("failed to prepare Atlas driver for %q: %w", dbName, err)
	}
	defer closeDrv()

	exec, err := migrate.NewExecutor(drv, m.migrateDir, migrate.NopRevisionReadWriter{},
		migrate.WithLogger(&zapMigrateLogger{logger: m.logger}))
	if err != nil {
		return fmt.Errorf("failed to create atlas executor for %q: %w", dbName, err)
	}

	// n=0 executes all pending migrations.
	if err := exec.ExecuteN(applyCtx, 0); err != nil {
		if errors.Is(err, migrate.ErrNoPendingFiles) {
			logger.Info("No pending Atlas migrations to apply.", zap.String("database", dbName))
			return nil
		}
		return fmt.Errorf("failed to apply Atlas migrations to %q from %q: %w", dbName, m.dirPath, err)
	}

	logger.Info("Atlas migrations applied.", zap.String("database", dbName))
	return nil
}

// resolveMigrationDir parses the HCL file and resolves the migration
// directory into a migrate.Dir. A missing HCL file is not an error; Atlas
// is simply unused then.
func (m *Migrator) resolveMigrationDir() (migrate.Dir, string, error) {
	absHCLPath, err := filepath.Abs(m.hclPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve atlas HCL path %q: %w", m.hclPath, err)
	}

	if _, statErr := os.Stat(absHCLPath); statErr != nil {
		if os.IsNotExist(statErr) {
			m.logger.Info("Atlas HCL file not found, skipping Atlas analysis.", zap.String("path", absHCLPath))
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to stat atlas HCL file %q: %w", absHCLPath, statErr)
	}

	var conf atlasConfigHCL
	if err := hclsimple.DecodeFile(absHCLPath, nil, &conf); err != nil {
		return nil, "", fmt.Errorf("failed to decode atlas HCL file %q: %w", absHCLPath, err)
	}

	dirRef, found := migrationDirFromHCL(&conf, absHCLPath, m.logger)
	if !found {
		return nil, "", nil
	}

	hclDir := filepath.Dir(absHCLPath)
	relative := strings.TrimPrefix(dirRef, "file://")
	absDir, err := filepath.Abs(filepath.Join(hclDir, relative))
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve migration dir %q: %w", dirRef, err)
	}

	dir, err := migrate.NewLocalDir(absDir)
	if err != nil {
		return nil, absDir, fmt.Errorf("failed to open migration dir %q: %w", absDir, err)
	}
	return dir, absDir, nil
}

// migrationDirFromHCL finds the migration directory, preferring the "local"
// env block and falling back to the first env block.
func migrationDirFromHCL(conf *atlasConfigHCL, hclPath string, logger *zap.Logger) (string, bool) {
	for _, env := range conf.Envs {
		if env.Name == "local" && env.Migration != nil && env.Migration.Dir != "" {
			return env.Migration.Dir, true
		}
	}
	if len(conf.Envs) > 0 && conf.Envs[0].Migration != nil && conf.Envs[0].Migration.Dir != "" {
		logger.Warn("Atlas 'local' env not found, falling back to first env.",
			zap.String("hcl_path", hclPath),
			zap.String("env", conf.Envs[0].Name))
		return conf.Envs[0].Migration.Dir, true
	}
	logger.Warn("No migration directory (env.migration.dir) in atlas config", zap.String("hcl_path", hclPath))
	return "", false
}

// openDriver opens the database/sql connection and the Atlas driver on top.
func (m *Migrator) openDriver(ctx context.Context, dsn string) (migrate.Driver, func(), error) {
	stdDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to open db connection via pgx stdlib: %w", err)
	}
	closeDB := func() {
		if closeErr := stdDB.Close(); closeErr != nil {
			m.logger.Warn("Error closing Atlas driver connection", zap.Error(closeErr))
		}
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err = stdDB.PingContext(pingCtx); err != nil {
		closeDB()
		return nil, func() {}, fmt.Errorf("failed to ping database for Atlas driver: %w", err)
	}

	drv, err := atlaspg.Open(stdDB)
	if err != nil {
		closeDB()
		return nil, func() {}, fmt.Errorf("failed to open atlas postgres driver: %w", err)
	}
	return drv, closeDB, nil
}

// --- HCL parsing ---

type atlasConfigHCL struct {
	Envs []*atlasEnvHCL `hcl:"env,block"`
}

type atlasEnvHCL struct {
	Name      string             `hcl:"name,label"`
	Migration *atlasMigrationHCL `hcl:"migration,block"`
}

type atlasMigrationHCL struct {
	Dir string `hcl:"dir"`
}

// zapMigrateLogger adapts a *zap.Logger to the migrate.Logger interface.
type zapMigrateLogger struct {
	logger *zap.Logger
}

// Log implements migrate.Logger.
func (l *zapMigrateLogger) Log(entry migrate.LogEntry) {
	switch e := entry.(type) {
	case migrate.LogExecution:
		l.logger.Info("Atlas migration execution starting",
			zap.String("from_version", e.From),
			zap.String("to_version", e.To),
			zap.Int("num_files", len(e.Files)))
	case migrate.LogFile:
		l.logger.Info("Applying migration file",
			zap.String("file", e.File.Name()),
			zap.Int("skip_stmts", e.Skip))
	case migrate.LogStmt:
		l.logger.Debug("Executing statement", zap.String("sql", e.SQL))
	case migrate.LogError:
		l.logger.Error("Atlas migration error", zap.Stringp("sql", &e.SQL), zap.Error(e.Error))
	case migrate.LogDone:
		l.logger.Info("Atlas migration execution finished")
	default:
		l.logger.Warn("Unknown Atlas log entry type", zap.Any("entry", entry))
	}
}
