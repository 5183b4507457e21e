package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath = "./config/executor.yaml"
	rootCmd    = &cobra.Command{
		Use:   "bundler-executor",
		Short: "ERC-4337 bundler executor",
		Long: `bundler-executor bundles, broadcasts, and tracks ERC-4337 user
operations on behalf of a bundler. The executor manager itself is
embedded by a host process that supplies the mempool, monitor, and
event manager collaborators; this binary exposes "validate-config" to
check a config file against that manager's validation, and "version"
to print the build version.`,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "Path to config file")
}
