package observability_test

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/core"
	"github.com/relaygate/relaygate/internal/observability"
)

func TestLoggers(t *testing.T) {
	t.Run("CLI logger", func(t *testing.T) {
		observability.InitCLILogger("relaygate-test", true)
		require.NotNil(t, observability.CLILogger)
		observability.CLILogger.Debug("cli debug message", zap.String("mode", "verbose"))
	})

	t.Run("Structured server logger", func(t *testing.T) {
		observability.InitServerLogger("relaygate-test", config.LoggingConfig{Level: "debug", Profile: "structured"}, "relaygate")
		require.NotNil(t, observability.ServerLogger)
		observability.ServerLogger.Info("structured message",
			zap.String("component", "queue"),
			zap.Int("workers", 2))
	})

	t.Run("Simple server logger", func(t *testing.T) {
		observability.InitServerLogger("relaygate-test", config.LoggingConfig{Level: "info", Profile: "SIMPLE"})
		require.NotNil(t, observability.ServerLogger)
		observability.ServerLogger.Warn("simple message")
	})

	t.Run("Core logger prefers server logger", func(t *testing.T) {
		observability.InitServerLogger("relaygate-test", config.LoggingConfig{Level: "warn"})
		var logger core.Logger = observability.CoreLogger()
		assert.Same(t, observability.ServerLogger, logger)
		logger.Error("core message", zap.String("bucket", "rpc"))
	})
}

func TestLoggerSatisfiesCoreInterface(t *testing.T) {
	logger, err := logging.NewCLI("relaygate-iface")
	require.NoError(t, err)

	var _ core.Logger = logger
	var _ core.Logger = zap.NewNop()
}

func TestMetricsDisabled(t *testing.T) {
	require.NoError(t, observability.InitMetrics("relaygate-test", config.MetricsConfig{Enabled: false}))
}

func TestCrucibleVersion(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
	assert.NotEmpty(t, crucible.GetVersionString())
}
