package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coachpo/tenantgate/internal/infra/config"
)

const defaultConfigPath = "config/app.yaml"

type rootOptions struct {
	configPath string
	envFiles   []string
	awsRegion  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "tenantgate",
		Short:        "Tenant resolution and connection pooling for multi-tenant POS backends",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return config.LoadDotEnv(opts.envFiles...)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration (default config/app.yaml when present)")
	flags.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "KEY=VALUE files loaded before the configuration")
	flags.StringVar(&opts.awsRegion, "aws-region", os.Getenv("AWS_REGION"), "region used to read dsnSecret entries from Secrets Manager")

	root.AddCommand(
		newServeCommand(opts),
		newTenantsCommand(opts),
		newStoreCodeCommand(opts),
	)
	return root
}

// resolveConfigPath returns the flag value, else the default path when that file exists.
// An empty result selects the built-in defaults.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return filepath.Clean(defaultConfigPath)
	}
	return ""
}
