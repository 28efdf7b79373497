// Package embedded provisions the instance from embedded PostgreSQL
// binaries instead of a container, for hosts without a container runtime.
// The readiness prober and session provider treat both engines identically;
// only provisioning differs, and seed data is applied post-start because
// there is no image to bake it into.
package embedded

import (
	"context"
	"fmt"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/veiloq/forgekit/config"
	"github.com/veiloq/forgekit/internal/cleanup"
	"go.uber.org/zap"
)

// StartServer initializes and starts an embedded PostgreSQL server using the
// provided configuration, with runtime data under instanceWorkDir. Returns
// the started server or an error.
func StartServer(ctx context.Context, cfg config.Config, instanceWorkDir string, logger *zap.Logger) (*embeddedpostgres.EmbeddedPostgres, error) {
	serverConfig := embeddedpostgres.DefaultConfig().
		Version(embeddedpostgres.PostgresVersion(cfg.Version)).
		Port(cfg.Port).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(cfg.Password).
		RuntimePath(instanceWorkDir).
		BinariesPath(cfg.BinariesPath).
		StartTimeout(cfg.StartTimeout)

	if cfg.ServerLog != nil {
		serverConfig = serverConfig.Logger(cfg.ServerLog)
	} else {
		serverConfig = serverConfig.Logger(nil)
	}

	if len(cfg.StartupParams) > 0 {
		// The embedded-postgres library has limited support for arbitrary
		// startup flags; surface the attempt so mismatches are diagnosable.
		logger.Warn("StartupParams support is limited under the embedded engine",
			zap.Any("params", cfg.StartupParams))
	}

	server := embeddedpostgres.NewDatabase(serverConfig)
	logger.Info("Starting embedded postgres server...",
		zap.Uint32("port", cfg.Port),
		zap.String("version", string(cfg.Version)))

	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded postgres: %w", err)
	}

	logger.Info("Embedded postgres server started.")
	return server, nil
}

// StopFunc returns a cleanup function stopping the embedded server.
//
// It takes a pointer-to-a-pointer so the cleanup function can nil the
// original variable after a successful stop, preventing a second stop
// attempt against an already stopped server.
func StopFunc(serverPtr **embeddedpostgres.EmbeddedPostgres, logger *zap.Logger) cleanup.Func {
	return func() error {
		server := *serverPtr
		if server == nil {
			logger.Debug("Embedded postgres server already stopped or never started.")
			return nil
		}

		logger.Debug("Stopping embedded postgres server...")
		if err := server.Stop(); err != nil {
			logger.Error("Error stopping embedded postgres server", zap.Error(err))
			return fmt.Errorf("error stopping embedded postgres: %w", err)
		}

		logger.Debug("Embedded postgres server stopped.")
		*serverPtr = nil
		return nil
	}
}
