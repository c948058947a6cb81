package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Rate limiting, circuit breaking and durable retries for upstream calls",
	Long: `relaygate guards calls to upstream JSON-RPC endpoints.

It combines named token buckets, a circuit-breaking endpoint pool, a
durable idempotent job queue with exponential backoff and a miss tracker
that turns repeated data misses into corrective jobs.

Use the subcommands to run the service or inspect its state.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable global telemetry early so config loading does not emit
	// metrics to stdout. serve installs the real system later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initLogger)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/relaygate/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

func initLogger() {
	observability.InitCLILogger(config.AppName, verbose)
}

// loadConfig layers defaults, the config file, RELAYGATE_* variables and
// any flags the command binds, then validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		code := foundry.ExitConfigInvalid
		if cfgFile != "" && isNotExist(err) {
			code = foundry.ExitFileNotFound
		}
		return nil, withExit(code, "failed to read configuration", err)
	}

	if flags := cmd.Flags(); flags != nil {
		for key, name := range map[string]string{
			"server.host": "host",
			"server.port": "port",
		} {
			if f := flags.Lookup(name); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, withExit(foundry.ExitConfigInvalid, "invalid configuration", err)
	}

	if logger := observability.CLILogger; logger != nil && v.ConfigFileUsed() != "" {
		logger.Debug("Using config file", zap.String("path", v.ConfigFileUsed()))
	}
	return cfg, nil
}
