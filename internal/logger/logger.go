// Package logger selects the zap logger the kit runs with: zaptest when a
// *testing.T is available, a development logger writing to .forgekit/LOG
// otherwise.
package logger

import (
	"fmt"
	"os"
	"testing"

	"github.com/veiloq/forgekit/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// InitLogger initializes the zap logger (zaptest or default development).
// It returns the logger, a boolean indicating whether it is test-scoped, and
// an error.
func InitLogger(t *testing.T, settings *config.Settings) (*zap.Logger, bool, error) {
	if t != nil {
		zaptestOpts := []zaptest.LoggerOption{}
		if settings != nil && settings.ZapTestLevel() != nil {
			zaptestOpts = append(zaptestOpts, zaptest.Level(*settings.ZapTestLevel()))
		}
		logger := zaptest.NewLogger(t, zaptestOpts...)
		if settings != nil && len(settings.ZapOptions()) > 0 {
			logger = logger.WithOptions(settings.ZapOptions()...)
		}
		logger.Debug("Initialized zaptest logger")
		return logger, true, nil
	}

	// No *testing.T: fall back to a development logger teeing into a file so
	// diagnostics survive the process.
	logDir := ".forgekit"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	logFilePath := fmt.Sprintf("%s/LOG", logDir)

	devConfig := zap.NewDevelopmentConfig()
	devConfig.OutputPaths = []string{"stdout", logFilePath}
	devConfig.ErrorOutputPaths = []string{"stderr", logFilePath}

	zapBaseOpts := []zap.Option{zap.AddCallerSkip(1)}
	if settings != nil {
		zapBaseOpts = append(zapBaseOpts, settings.ZapOptions()...)
	}
	logger, err := devConfig.Build(zapBaseOpts...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create default zap logger: %w", err)
	}
	logger.Debug("Initialized default zap development logger (no *testing.T provided)")
	return logger, false, nil
}
