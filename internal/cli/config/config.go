// Package config implements the 'reqprof config' command family.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/reqprof/internal/cli/helpers"
	"github.com/coral-mesh/reqprof/internal/config"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage reqprof configuration",
		Long: `Manage reqprof configuration.

Configuration Priority:
  1. REQPROF_* environment variables (highest)
  2. Config file (<config dir>/config.yaml)
  3. Built-in defaults

Environment Variables:
  REQPROF_CONFIG  Override config directory (default: ~/.reqprof)`,
	}

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newViewCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newPathCmd())

	return cmd
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := helpers.Loader(cmd)
			path := loader.Path()

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to check config file: %w", err)
			}

			if err := loader.Save(config.DefaultConfig()); err != nil {
				return err
			}
			cmd.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newViewCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Long: `Display the configuration after the config file, environment
overrides and path resolution have been applied.

Secrets are redacted. Use --raw to output the YAML without the list of
environment overrides.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}

			redacted := *cfg
			if redacted.Storage.Postgres.DSN != "" {
				redacted.Storage.Postgres.DSN = "<redacted>"
			}
			if redacted.Storage.Redis.Password != "" {
				redacted.Storage.Redis.Password = "<redacted>"
			}

			data, err := yaml.Marshal(&redacted)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}

			out := cmd.OutOrStdout()
			if raw {
				_, err = out.Write(data)
				return err
			}

			fmt.Fprintf(out, "# Source: %s\n", helpers.Loader(cmd).Path())
			overrides, err := config.ApplyEnv(config.DefaultConfig(), os.LookupEnv)
			if err != nil {
				return err
			}
			for _, key := range overrides {
				fmt.Fprintf(out, "# Overridden by %s\n", key)
			}
			_, err = out.Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Output raw YAML without annotations")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := helpers.Loader(cmd)
			if _, err := loader.Load(); err != nil {
				var multi *config.MultiValidationError
				if errors.As(err, &multi) {
					cmd.Printf("✗ %s is invalid:\n", loader.Path())
					for _, e := range multi.Errors {
						cmd.Printf("  - %s\n", e.Error())
					}
					return fmt.Errorf("configuration has %d error(s)", len(multi.Errors))
				}
				return err
			}
			cmd.Printf("✓ %s is valid\n", loader.Path())
			return nil
		},
	}
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), helpers.Loader(cmd).Path())
		},
	}
}
