package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/saiset-co/sai-edge/config"
	"github.com/saiset-co/sai-edge/service"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "sai-edge",
		Short:        "Offline-first caching edge for the Indicai marketplace",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to the YAML configuration")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the data and control planes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := config.NewConfigurationManager(cmd.Context(), configPath)
			if err != nil {
				return err
			}

			cfg := manager.GetConfig()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s, origin %s, store %s\n",
				configPath, cfg.Name, cfg.Version, cfg.Origin.URL, cfg.Partitions.Store.Type)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the binary version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return root
}

func serve(ctx context.Context, configPath string) error {
	svc, err := service.NewService(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	return svc.Start()
}
