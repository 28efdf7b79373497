package config

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/forgekit/migration"
	"github.com/veiloq/forgekit/probe"
	"github.com/veiloq/forgekit/runtime"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Settings holds configuration applied via functional options.
type Settings struct {
	atlasHCLPath        string             // Path to the atlas.hcl file
	migrator            migration.Migrator // Migrator instance (defaults to NoOpMigrator)
	keepDatabase        bool               // Explicitly keep per-session databases via option
	keepInstance        bool               // Explicitly keep the instance via option
	isolation           Isolation          // Requested isolation granularity
	isolationSet        bool               // Whether an isolation option was supplied
	noCacheBuild        bool               // Force image rebuild via option
	seedScript          string             // SQL script applied once after readiness (embedded/external engines)
	sqlTxOptions        *sql.TxOptions     // Custom transaction options for database/sql
	pgxTxOptions        pgx.TxOptions      // Custom transaction options for pgx
	dsnParams           map[string]string  // Additional DSN parameters
	startupParams       map[string]string  // Additional server startup parameters (embedded engine)
	zapOptions          []zap.Option       // Options for zap logger creation (e.g. zap.AddCaller(false))
	zapTestLevel        *zap.AtomicLevel   // Specific level for the zaptest logger
	beforeMigrationHook func(ctx context.Context, dsn string, logger *zap.Logger) error
	afterConnectionHook func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error

	// Container runtime and prober injection points. Production code never
	// needs these; tests substitute fakes, and callers with a nonstandard
	// daemon setup can supply a preconfigured client.
	runtime runtime.Runtime
	pinger  probe.Pinger

	// External server options. useExternalServer, when true, instructs the
	// kit to adopt a pre-existing PostgreSQL endpoint instead of building
	// and starting its own instance. The readiness prober and session
	// isolation still apply; only provisioning and teardown of the server
	// itself are skipped.
	useExternalServer bool
	dsn               string // Admin DSN of the external server
	externalConfig    Config // Config the external server runs with (host, port, credentials)
}

// --- Getters ---

func (sts *Settings) AtlasHCLPath() string {
	return sts.atlasHCLPath
}

func (sts *Settings) Migrator() migration.Migrator {
	return sts.migrator
}

func (sts *Settings) SeedScript() string {
	return sts.seedScript
}

func (sts *Settings) BeforeMigrationHook() func(ctx context.Context, dsn string, logger *zap.Logger) error {
	return sts.beforeMigrationHook
}

func (sts *Settings) AfterConnectionHook() func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error {
	return sts.afterConnectionHook
}

func (sts *Settings) ZapTestLevel() *zap.AtomicLevel {
	return sts.zapTestLevel
}

func (sts *Settings) ZapOptions() []zap.Option {
	return sts.zapOptions
}

func (sts *Settings) Runtime() runtime.Runtime {
	return sts.runtime
}

func (sts *Settings) Pinger() probe.Pinger {
	return sts.pinger
}

func (sts *Settings) UseExternalServer() bool {
	return sts.useExternalServer
}

func (sts *Settings) DSN() string {
	return sts.dsn
}

func (sts *Settings) ExternalConfig() Config {
	return sts.externalConfig
}

// --- Setters ---

func (sts *Settings) SetMigrator(m migration.Migrator) {
	sts.migrator = m
}

// Option defines a function type for configuring the test kit.
type Option func(*Settings)

// WithAtlasHCLPath specifies the path to the atlas.hcl configuration file.
func WithAtlasHCLPath(path string) Option {
	return func(sts *Settings) { sts.atlasHCLPath = path }
}

// WithMigrator installs the Migrator used to apply the schema when sessions
// open. Defaults to migration.NoOpMigrator.
func WithMigrator(m migration.Migrator) Option {
	return func(sts *Settings) { sts.migrator = m }
}

// WithSchemaScript is shorthand for WithMigrator(migration.NewSQLMigrator(path)).
func WithSchemaScript(path string) Option {
	return func(sts *Settings) { sts.migrator = migration.NewSQLMigrator(path) }
}

// WithSeedScript registers a SQL script executed once against the test
// database after readiness is certified. The container engine normally bakes
// seed data into the image instead; this option exists for the embedded and
// external engines where there is no image to bake.
func WithSeedScript(path string) Option {
	return func(sts *Settings) { sts.seedScript = path }
}

// WithKeepDatabase prevents per-session databases from being dropped during
// cleanup. IsolationDatabase mode only.
func WithKeepDatabase() Option {
	return func(sts *Settings) { sts.keepDatabase = true }
}

// WithKeepInstance leaves the container running after the run, for post-mortem
// inspection. The next run's Acquire reclaims it.
func WithKeepInstance() Option {
	return func(sts *Settings) { sts.keepInstance = true }
}

// WithIsolation selects the data-isolation granularity between sessions.
func WithIsolation(iso Isolation) Option {
	return func(sts *Settings) {
		sts.isolation = iso
		sts.isolationSet = true
	}
}

// WithNoCacheBuild forces the image build to bypass the layer cache so edits
// to the seed dataset are picked up.
func WithNoCacheBuild() Option {
	return func(sts *Settings) { sts.noCacheBuild = true }
}

// WithRuntime substitutes the container runtime implementation. Used by tests
// (fakes) and by callers talking to a nonstandard Docker endpoint.
func WithRuntime(rt runtime.Runtime) Option {
	return func(sts *Settings) { sts.runtime = rt }
}

// WithPinger substitutes the liveness probe implementation. The default
// connects with pgx and runs SELECT 1.
func WithPinger(p probe.Pinger) Option {
	return func(sts *Settings) { sts.pinger = p }
}

// WithSQLTxOptions provides custom transaction options for database/sql tests.
func WithSQLTxOptions(txOpts *sql.TxOptions) Option {
	return func(sts *Settings) { sts.sqlTxOptions = txOpts }
}

// WithPgxTxOptions provides custom transaction options for pgx tests.
func WithPgxTxOptions(txOpts pgx.TxOptions) Option {
	return func(sts *Settings) { sts.pgxTxOptions = txOpts }
}

// WithZapOptions provides additional options for the zap logger.
func WithZapOptions(zapOpts ...zap.Option) Option {
	return func(sts *Settings) { sts.zapOptions = append(sts.zapOptions, zapOpts...) }
}

// WithZapTestLevel sets the minimum log level specifically for the zaptest logger.
func WithZapTestLevel(level zapcore.Level) Option {
	return func(sts *Settings) {
		atomicLevel := zap.NewAtomicLevelAt(level)
		sts.zapTestLevel = &atomicLevel
	}
}

// WithDSNParams provides additional parameters to be appended to the DSN.
func WithDSNParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.dsnParams == nil {
			sts.dsnParams = make(map[string]string)
		}
		for k, v := range params {
			sts.dsnParams[k] = v
		}
	}
}

// WithStartupParams provides additional server parameters for the embedded
// engine. Ignored by the container engine (bake them into the image instead).
func WithStartupParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.startupParams == nil {
			sts.startupParams = make(map[string]string)
		}
		for k, v := range params {
			sts.startupParams[k] = v
		}
	}
}

// WithBeforeMigrationHook registers a function to run before the schema is applied.
func WithBeforeMigrationHook(hook func(ctx context.Context, dsn string, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.beforeMigrationHook = hook }
}

// WithAfterConnectionHook registers a function to run after session connections
// (sql.DB, pgxpool.Pool) are established.
func WithAfterConnectionHook(hook func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.afterConnectionHook = hook }
}

// WithExternalServer adopts a pre-existing PostgreSQL endpoint instead of
// provisioning one. dsn is the admin connection string and is authoritative
// for host, port and credentials; cfg supplies the rest (test database name,
// isolation, timeouts). Image build, instance start and teardown are skipped,
// the prober and session provider are not.
func WithExternalServer(dsn string, cfg Config) Option {
	return func(sts *Settings) {
		sts.useExternalServer = true
		sts.dsn = dsn
		sts.externalConfig = cfg
	}
}

// ApplyOptions processes functional options and merges them into an initial
// Config. It returns the processed Settings struct and the final merged Config.
func ApplyOptions(initialConfig *Config, options ...Option) (*Settings, Config) {
	settings := &Settings{
		atlasHCLPath:  "atlas.hcl",
		migrator:      &migration.NoOpMigrator{},
		dsnParams:     make(map[string]string),
		startupParams: make(map[string]string),
		zapOptions:    make([]zap.Option, 0),
	}
	for _, opt := range options {
		opt(settings)
	}

	// Start with a copy of the initial config.
	finalConfig := *initialConfig

	// Merge DSN params (options override config).
	mergedDSNParams := make(map[string]string)
	for k, v := range finalConfig.DSNParams {
		mergedDSNParams[k] = v
	}
	for k, v := range settings.dsnParams {
		mergedDSNParams[k] = v
	}
	finalConfig.DSNParams = mergedDSNParams

	// Merge startup params (options override config).
	mergedStartupParams := make(map[string]string)
	for k, v := range finalConfig.StartupParams {
		mergedStartupParams[k] = v
	}
	for k, v := range settings.startupParams {
		mergedStartupParams[k] = v
	}
	finalConfig.StartupParams = mergedStartupParams

	// Flags: config OR option enables them.
	finalConfig.KeepDatabase = finalConfig.KeepDatabase || settings.keepDatabase
	finalConfig.KeepInstance = finalConfig.KeepInstance || settings.keepInstance
	finalConfig.NoCacheBuild = finalConfig.NoCacheBuild || settings.noCacheBuild

	if settings.isolationSet {
		finalConfig.Isolation = settings.isolation
	}

	if settings.sqlTxOptions != nil {
		finalConfig.SQLTxOptions = settings.sqlTxOptions
	}
	if settings.pgxTxOptions != (pgx.TxOptions{}) {
		finalConfig.PgxTxOptions = settings.pgxTxOptions
	}

	return settings, finalConfig
}
