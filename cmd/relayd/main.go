// Command relayd is a thin operator-facing daemon that wires the core
// library (workqueue, lease, outbox/inbox stores, scheduler, fanout,
// router) to a concrete Postgres deployment.
package main

import (
	"fmt"
	"os"

	"github.com/oriys/relaydb/internal/config"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "relayd - SQL-backed distributed coordination daemon",
		Long:  "Runs the outbox/inbox dispatchers, scheduler, and fanout loops against one or more tenant Postgres databases.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (optional, defaults + env still apply)")

	rootCmd.AddCommand(
		daemonCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print relayd's version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("relayd " + version)
			return nil
		},
	}
}
