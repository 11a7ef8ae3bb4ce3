// Package cmd holds the pairgate CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tvgrid/pairgate/internal/config"
)

var configPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairgate",
		Short: "Admission gateway for device pairing",
		Long:  "pairgate terminates device pairing WebSockets behind distributed rate limits,\nconnection caps, and a global admission controller.",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default "+config.DefaultPath+")")
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(configCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("PAIRGATE_CONFIG"); env != "" {
		return env
	}
	return config.DefaultPath
}
