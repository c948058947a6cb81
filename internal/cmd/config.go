package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relaygate/relaygate/internal/config"
)

const redacted = "<redacted>"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as YAML with secrets redacted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the default config file and store locations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config: %s\n", config.DefaultConfigPath())
		fmt.Fprintf(out, "store:  %s\n", config.DefaultStorePath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configPathCmd)
}

// renderConfig marshals a copy of cfg with every credential replaced.
func renderConfig(cfg *config.Config) (string, error) {
	safe := *cfg
	if safe.Admin.Token != "" {
		safe.Admin.Token = redacted
	}
	if safe.Store.AuthToken != "" {
		safe.Store.AuthToken = redacted
	}
	if safe.Cluster.Password != "" {
		safe.Cluster.Password = redacted
	}

	data, err := yaml.Marshal(&safe)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}
