package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mepreproc/pkg/config"
)

var forceInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		if err := config.CreateDefaultConfigFile(path); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
		fmt.Fprintln(cmd.OutOrStdout(), "Set workPath and tedana.echoTimes before running the pipeline.")
		return nil
	},
}
