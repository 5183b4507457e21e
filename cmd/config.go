package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/bundler-executor/executor"
)

// validateConfigCmd loads and validates an executor config file without
// starting a Manager, matching the donor's pattern of a standalone
// config-checking subcommand (see the donor's "status" command).
var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "load and validate the executor config file",
	Long: `Parses the yaml file given by --config and runs it through the
same validation a Manager would apply, without dialling any RPC
endpoint or constructing collaborators.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := executor.LoadConfig(configPath)
		if err != nil {
			fmt.Printf("invalid config %s: %v\n", configPath, err)
			return
		}
		fmt.Printf("config %s is valid: %d entry point(s), mode=%s\n", configPath, len(cfg.EntryPoints), cfg.BundleMode)
	},
}

func init() {
	rootCmd.AddCommand(validateConfigCmd)
}
