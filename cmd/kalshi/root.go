package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/kalshi/config.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kalshi",
		Short: "Kalshi market data client",

		// SilenceUsage is an option to silence usage when an error occurs.
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", defaultConfigPath, "path to config file")

	root.AddCommand(newStreamCmd(), newStatusCmd())
	return root
}

// loadConfig reads the file named by the --config flag.
func loadConfig(cmd *cobra.Command) (*config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return readConfig(path)
}
