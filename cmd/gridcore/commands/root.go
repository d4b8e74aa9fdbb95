package commands

import (
	"github.com/spf13/cobra"
)

var configPath string

// Execute 命令行入口
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gridcore",
		Short:        "Multi-user spreadsheet service",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default config.toml next to the executable)")

	root.AddCommand(serveCmd(), checkConfigCmd())
	return root
}
