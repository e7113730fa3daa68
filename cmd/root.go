// Package cmd defines the seiso command-line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ThatOneAnimeGuy/seiso/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seiso",
		Short: "Ingestion pipeline for paginated subscription content feeds.",
		Long: `seiso walks paginated content feeds with operator-supplied credentials,
imports each post idempotently into Postgres and blob storage, and keeps
partially-imported work invisible until it completes.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newScheduleCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}
