package config

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Engine selects how the backing PostgreSQL instance is provisioned.
type Engine string

const (
	// EngineDocker runs PostgreSQL as a named container with the seed
	// dataset baked into the image. This is the default.
	EngineDocker Engine = "docker"
	// EngineEmbedded runs PostgreSQL via embedded binaries, for hosts
	// without a container runtime. Seed data is applied post-start instead
	// of at image-build time.
	EngineEmbedded Engine = "embedded"
)

// Isolation selects how sessions are isolated from each other on the shared
// instance.
type Isolation int

const (
	// IsolationTruncate wipes all user tables when a session closes. The
	// schema survives, so the next session starts schema-only and
	// data-empty. This is the default.
	IsolationTruncate Isolation = iota
	// IsolationDatabase creates a uniquely named database per session and
	// drops it on close.
	IsolationDatabase
)

// ProbeConfig bounds the readiness poll that gates all sessions.
type ProbeConfig struct {
	MaxAttempts int           // Upper bound on liveness attempts. Default 100.
	BaseStep    time.Duration // Backoff increment; attempt n sleeps BaseStep*n. Default 100ms.
	MaxBackoff  time.Duration // Ceiling on any single sleep. Default 2s.
}

// Config defines the test instance and how to reach it.
type Config struct {
	Engine Engine // Provisioning engine. Defaults to EngineDocker.

	// Container engine settings.
	Identity     string        // Container name. At most one instance per identity exists at a time.
	Image        string        // Image tag to run (and to build when BuildContext is set).
	BuildContext string        // Build context directory. Empty means Image is prebuilt; no build step runs.
	Dockerfile   string        // Dockerfile path relative to BuildContext. Defaults to "Dockerfile".
	NoCacheBuild bool          // Force a rebuild so seed-data edits are picked up.
	StopTimeout  time.Duration // Grace period before the container is killed on Release. Default 10s.
	KeepInstance bool          // If true, Release leaves the container running (debugging aid).
	LockDir      string        // Directory for per-identity run locks. Defaults to ".forgekit".

	// Embedded engine settings.
	Version       PostgresVersion   // e.g. V16_4. Ignored by the container engine (the image pins the version).
	BinariesPath  string            // Optional: path to existing postgres binaries. If empty, downloads.
	StartupParams map[string]string // Additional server parameters. Embedded engine only.
	ServerLog     *os.File          // Where raw postgres output goes. Default os.Stderr. Nil discards.

	Host          string // Host the instance listens on. Defaults to "localhost".
	Port          uint32 // Host port. 0 selects a random free port.
	Database      string // Test database created at instance start. Must not be empty.
	AdminDatabase string // Database for administrative DDL (create/drop). Defaults to "postgres".
	Username      string // Must not be empty.
	Password      string // Must not be empty.

	StartTimeout time.Duration     // How long instance start may take before readiness polling even begins.
	DSNParams    map[string]string // Additional parameters appended to the DSN (e.g. "search_path=public").

	Probe ProbeConfig // Readiness poll bounds.

	// Session settings.
	Isolation    Isolation      // Data isolation granularity between sessions.
	KeepDatabase bool           // IsolationDatabase only: skip the drop on close.
	SQLTxOptions *sql.TxOptions // Custom transaction options for database/sql. Default nil.
	PgxTxOptions pgx.TxOptions  // Custom transaction options for pgx. Default empty struct.
}

// Validate checks that the essential fields are set for the selected engine.
func (c *Config) Validate() error {
	var errs []string
	if c.Database == "" {
		errs = append(errs, "Database must not be empty")
	}
	if c.Username == "" {
		errs = append(errs, "Username must not be empty")
	}
	if c.Password == "" {
		errs = append(errs, "Password must not be empty")
	}
	if c.Engine == "" || c.Engine == EngineDocker {
		if c.Identity == "" {
			errs = append(errs, "Identity must not be empty for the docker engine")
		}
		if c.Image == "" {
			errs = append(errs, "Image must not be empty for the docker engine")
		}
	}
	if c.Port > 65535 {
		errs = append(errs, "Port must be at most 65535")
	}
	if c.Probe.MaxAttempts < 0 {
		errs = append(errs, "Probe.MaxAttempts must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, ", "))
	}
	return nil
}

// DefaultConfig returns a configuration for a containerized PostgreSQL 16
// instance named "forgekit_db" on a random free host port.
func DefaultConfig() Config {
	return Config{
		Engine:        EngineDocker,
		Identity:      "forgekit_db",
		Image:         ImagePostgres16,
		Dockerfile:    "Dockerfile",
		StopTimeout:   10 * time.Second,
		LockDir:       ".forgekit",
		Version:       V16_4,
		ServerLog:     os.Stderr,
		Host:          "localhost",
		Port:          0,
		Database:      "testdb",
		AdminDatabase: "postgres",
		Username:      "testuser",
		Password:      "testpassword",
		StartTimeout:  30 * time.Second,
		Probe: ProbeConfig{
			MaxAttempts: 100,
			BaseStep:    100 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
		},
		Isolation:    IsolationTruncate,
		SQLTxOptions: nil,
		PgxTxOptions: pgx.TxOptions{},
	}
}

// DSN constructs the connection string for the test database.
// Assumes c.Port has been assigned (either initially or randomly).
func (c *Config) DSN() string {
	return c.DSNFor(c.Database)
}

// AdminDSN constructs the connection string for the administrative database
// used for create/drop operations.
func (c *Config) AdminDSN() string {
	admin := c.AdminDatabase
	if admin == "" {
		admin = "postgres"
	}
	return c.DSNFor(admin)
}

// DSNFor constructs a connection string for the named database on the
// configured endpoint.
func (c *Config) DSNFor(database string) string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	baseDSN := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Username,
		c.Password,
		host,
		c.Port,
		database,
	)

	if len(c.DSNParams) > 0 {
		var params []string
		for k, v := range c.DSNParams {
			params = append(params, fmt.Sprintf("%s=%s", k, v))
		}
		return baseDSN + "&" + strings.Join(params, "&")
	}

	return baseDSN
}
