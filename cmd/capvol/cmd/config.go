package cmd

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Commands to manage the capvol configuration",
	Long: `Settings are read from capstore.yaml, looked up in the current directory, $HOME/.capstore
and /etc/capstore, or from the file named by $CAPSTORE_CONFIG.

Each setting may be overridden by a CAPSTORE_ environment variable, e.g. CAPSTORE_CACHEOBJECTS.`,
}

func init() {
	rootCmd.AddCommand(configCmd)
}
