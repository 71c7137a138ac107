package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "lanesd",
		Short: "lanesd runs a Lanes universe as a standalone daemon",
		Long:  "lanesd hosts a Lanes universe (keeper pool, linda factory, lane tracking) and exposes its metrics and introspection surface over HTTP",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (optional, env vars and flags still apply)")
	rootCmd.AddCommand(daemonCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lanesd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
