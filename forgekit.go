package forgekit

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/veiloq/forgekit/config"
	"github.com/veiloq/forgekit/connection"
	"github.com/veiloq/forgekit/embedded"
	"github.com/veiloq/forgekit/instance"
	"github.com/veiloq/forgekit/internal/cleanup"
	"github.com/veiloq/forgekit/internal/logger"
	"github.com/veiloq/forgekit/probe"
	"github.com/veiloq/forgekit/runtime"
	"github.com/veiloq/forgekit/session"
	"go.uber.org/zap"
)

// defaultRuntimeBasePath is where the embedded engine keeps per-instance
// runtime data and where run locks live by default.
const defaultRuntimeBasePath = ".forgekit"

// ForgeKit holds the state of one test run: the provisioned instance, the
// session provider gated on its readiness, and the teardown stack.
type ForgeKit struct {
	cfg        config.Config
	logger     *zap.Logger
	cleanup    *cleanup.Manager
	provider   *session.Provider
	inst       *instance.Instance
	embeddedDB *embeddedpostgres.EmbeddedPostgres
}

var _ Kit = (*ForgeKit)(nil)

// OpenSession implements Kit.
func (tk *ForgeKit) OpenSession(ctx context.Context) (*session.Session, error) {
	return tk.provider.Open(ctx)
}

// Run implements Kit.
func (tk *ForgeKit) Run(ctx context.Context, t *testing.T, fn func(ctx context.Context, s *session.Session) error) {
	t.Helper()
	tk.provider.Run(ctx, t, fn)
}

// ConnectionString implements Kit.
func (tk *ForgeKit) ConnectionString() string {
	return tk.cfg.DSN()
}

// Instance implements Kit.
func (tk *ForgeKit) Instance() *instance.Instance {
	return tk.inst
}

// Cleanup implements Kit. It executes all registered teardown functions in
// reverse order, exactly once.
func (tk *ForgeKit) Cleanup() error {
	return tk.cleanup.Execute()
}

// endpointGate is the readiness gate for engines without a managed
// instance (embedded, external).
type endpointGate struct {
	addr  string
	ready atomic.Bool
}

func (g *endpointGate) Ready() bool  { return g.ready.Load() }
func (g *endpointGate) Addr() string { return g.addr }
func (g *endpointGate) certify()     { g.ready.Store(true) }

// NewForgeKit provisions the run's database instance per the configured
// engine, waits for it to become ready, and returns a Kit issuing isolated
// sessions against it.
//
// The phases are strictly ordered: image build (container engine only, when
// a BuildContext is configured) precedes instance start, instance start
// precedes readiness polling, and no session opens before readiness is
// certified. Teardown of everything acquired is registered as the phases
// complete, so a mid-setup failure releases exactly what came up.
//
// If t is non-nil, logging goes through zaptest and Cleanup is registered
// with t.Cleanup; otherwise the caller must invoke Cleanup (e.g. via defer).
func NewForgeKit(ctx context.Context, t *testing.T, initialConfig config.Config, opts ...config.Option) (_ Kit, err error) {
	if err := initialConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial configuration provided: %w", err)
	}

	settings, finalConfig := config.ApplyOptions(&initialConfig, opts...)

	log, _, err := logger.InitLogger(t, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	// One id per run so interleaved CI logs stay attributable.
	log = log.With(zap.String("run", uuid.NewString()[:8]))

	cleanupMgr := cleanup.NewManager(log)
	tk := &ForgeKit{
		logger:  log,
		cleanup: cleanupMgr,
	}

	// Any failure below must release whatever already came up.
	defer func() {
		if err != nil {
			if cleanupErr := tk.Cleanup(); cleanupErr != nil {
				tk.logger.Error("Error during cleanup after setup failure", zap.Error(cleanupErr))
			}
		}
	}()

	var gate session.Endpoint
	var certify func()

	switch {
	case settings.UseExternalServer():
		tk.logger.Info("Adopting external PostgreSQL server.")
		if settings.DSN() == "" {
			return nil, fmt.Errorf("dsn cannot be empty when using WithExternalServer")
		}
		// The supplied dsn is authoritative for the endpoint and credentials;
		// parsing it here means a cfg that disagrees cannot silently win.
		pgCfg, perr := pgconn.ParseConfig(settings.DSN())
		if perr != nil {
			return nil, fmt.Errorf("invalid external server dsn: %w", perr)
		}
		tk.cfg = settings.ExternalConfig()
		tk.cfg.Host = pgCfg.Host
		tk.cfg.Port = uint32(pgCfg.Port)
		tk.cfg.Username = pgCfg.User
		tk.cfg.Password = pgCfg.Password
		if pgCfg.Database != "" {
			tk.cfg.AdminDatabase = pgCfg.Database
		}
		// Session behavior still follows this run's setup.
		tk.cfg.DSNParams = finalConfig.DSNParams
		tk.cfg.SQLTxOptions = finalConfig.SQLTxOptions
		tk.cfg.PgxTxOptions = finalConfig.PgxTxOptions
		tk.cfg.Isolation = finalConfig.Isolation
		tk.cfg.KeepDatabase = finalConfig.KeepDatabase
		tk.cfg.Probe = finalConfig.Probe

		g := &endpointGate{addr: endpointAddr(tk.cfg)}
		gate, certify = g, g.certify

	case finalConfig.Engine == config.EngineEmbedded:
		tk.logger.Info("Starting embedded PostgreSQL server for this run.")
		tk.cfg = finalConfig
		if err = assignRandomPort(&tk.cfg, tk.logger); err != nil {
			return nil, err
		}

		workDir, werr := makeInstanceWorkDir()
		if werr != nil {
			return nil, werr
		}
		tk.logger.Debug("Using unique working directory for embedded instance", zap.String("path", workDir))

		tk.embeddedDB, err = embedded.StartServer(ctx, tk.cfg, workDir, tk.logger)
		if err != nil {
			_ = os.RemoveAll(workDir)
			return nil, fmt.Errorf("failed to start embedded server at %s: %w", workDir, err)
		}
		// Directory removal registered first so it runs last, after the
		// server has stopped.
		capturedWorkDir := workDir
		tk.cleanup.Add(func() error {
			tk.logger.Debug("Removing embedded runtime directory", zap.String("path", capturedWorkDir))
			if err := os.RemoveAll(capturedWorkDir); err != nil {
				return fmt.Errorf("failed to remove runtime dir %q: %w", capturedWorkDir, err)
			}
			return nil
		})
		tk.cleanup.Add(embedded.StopFunc(&tk.embeddedDB, tk.logger))

		g := &endpointGate{addr: endpointAddr(tk.cfg)}
		gate, certify = g, g.certify

	default:
		tk.cfg = finalConfig

		rt := settings.Runtime()
		if rt == nil {
			rt, err = runtime.NewDocker(tk.cfg.StopTimeout, tk.logger)
			if err != nil {
				return nil, err
			}
			tk.cleanup.Add(rt.Close)
		}

		// Build strictly precedes instance start: a bad seed script must
		// surface as a BuildError before any container exists.
		if tk.cfg.BuildContext != "" {
			if err = rt.BuildImage(ctx, runtime.BuildSpec{
				ContextDir: tk.cfg.BuildContext,
				Dockerfile: tk.cfg.Dockerfile,
				Tag:        tk.cfg.Image,
				NoCache:    tk.cfg.NoCacheBuild,
			}); err != nil {
				return nil, err
			}
		}

		mgr := instance.NewManager(rt, tk.cfg.LockDir, tk.cfg.KeepInstance, tk.logger)
		tk.inst, err = mgr.Acquire(ctx, instance.Spec{
			Identity: tk.cfg.Identity,
			Image:    tk.cfg.Image,
			Host:     tk.cfg.Host,
			HostPort: uint16(tk.cfg.Port),
			Env:      postgresEnv(tk.cfg),
		})
		if err != nil {
			return nil, err
		}
		tk.cleanup.Add(mgr.ReleaseFunc(tk.inst))
		tk.cfg.Port = uint32(tk.inst.Port())

		gate, certify = tk.inst, tk.inst.Certify
	}

	// Readiness gates everything downstream: a started instance is not yet
	// an answering instance.
	pinger := settings.Pinger()
	if pinger == nil {
		pinger = probe.NewPgxPinger(tk.cfg.DSN())
	}
	err = probe.WaitUntilReady(ctx, gate.Addr(), pinger, probe.Options{
		MaxAttempts: tk.cfg.Probe.MaxAttempts,
		BaseStep:    tk.cfg.Probe.BaseStep,
		MaxBackoff:  tk.cfg.Probe.MaxBackoff,
	}, tk.logger)
	if err != nil {
		return nil, err
	}
	certify()

	// The container engine bakes seed data into the image; the other
	// engines apply it here, once, right after readiness.
	if script := settings.SeedScript(); script != "" {
		if err = applySeedScript(ctx, tk.cfg.DSN(), script, tk.logger); err != nil {
			return nil, err
		}
	}

	tk.provider = session.NewProvider(gate, tk.cfg, settings, tk.logger)

	if t != nil {
		t.Cleanup(func() {
			tk.logger.Debug("Running automatic cleanup via t.Cleanup()...")
			if cleanupErr := tk.Cleanup(); cleanupErr != nil {
				t.Errorf("Error during automatic ForgeKit cleanup: %v", cleanupErr)
			}
		})
	} else {
		tk.logger.Warn("t *testing.T was nil; caller MUST call Cleanup() manually (e.g. using defer)")
	}

	tk.logger.Info("ForgeKit initialization successful",
		zap.String("endpoint", gate.Addr()),
		zap.String("database", tk.cfg.Database))
	return tk, nil
}

// postgresEnv translates the config credentials into the environment the
// official postgres images read at first start.
func postgresEnv(cfg config.Config) []string {
	return []string{
		"POSTGRES_USER=" + cfg.Username,
		"POSTGRES_PASSWORD=" + cfg.Password,
		"POSTGRES_DB=" + cfg.Database,
	}
}

func endpointAddr(cfg config.Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(cfg.Port)))
}

// assignRandomPort fills in cfg.Port with a free port when it is 0.
func assignRandomPort(cfg *config.Config, log *zap.Logger) error {
	if cfg.Port != 0 {
		return nil
	}
	freePort, err := connection.GetFreePort(cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to get free port: %w", err)
	}
	cfg.Port = uint32(freePort)
	log.Info("Assigned random free port", zap.Uint32("port", cfg.Port))
	return nil
}

// makeInstanceWorkDir creates a unique runtime directory for one embedded
// instance under the base runtime path.
func makeInstanceWorkDir() (string, error) {
	if err := os.MkdirAll(defaultRuntimeBasePath, 0750); err != nil {
		return "", fmt.Errorf("failed to create base runtime directory %q: %w", defaultRuntimeBasePath, err)
	}
	name := "runtime_" + uuid.NewString()[:13]
	workDir, err := filepath.Abs(filepath.Join(defaultRuntimeBasePath, name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve runtime directory path: %w", err)
	}
	return workDir, nil
}

// applySeedScript executes the seed SQL against the test database in one
// round trip. The script content is opaque to the kit.
func applySeedScript(ctx context.Context, dsn, path string, log *zap.Logger) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed script %q: %w", path, err)
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("failed to connect for seed script: %w", err)
	}
	defer conn.Close(ctx)

	// No-argument Exec uses the simple protocol, so multi-statement seed
	// scripts work.
	if _, err := conn.Exec(ctx, string(script)); err != nil {
		return fmt.Errorf("failed to apply seed script %q: %w", path, err)
	}
	log.Info("Seed script applied", zap.String("path", path))
	return nil
}
