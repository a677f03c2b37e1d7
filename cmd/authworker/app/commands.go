// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the authworker command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codevibesmatter/OpenAuthWorkers/pkg/config"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/logger"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/server"
	"github.com/codevibesmatter/OpenAuthWorkers/pkg/versions"
)

// NewRootCmd creates the root command for the authworker CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "authworker",
		DisableAutoGenTag: true,
		Short:             "OAuth 2.0 issuer with a debug admin workflow",
		Long: `authworker is an OAuth 2.0 authorization server with email and password
login. Logins are resolved to backend users through an identity service.

When enabled, a debug admin workflow lists the stored identities and deletes
them together with their sessions. Access to it is gated by a one-time
challenge written to the server log.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the issuer",
		Long: `Start the issuer with the configuration from --config, AUTHWORKER_*
environment variables and defaults. The server stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}

			srv, err := server.New(cmd.Context(), cfg, server.WithLogger(logger.Get()))
			if err != nil {
				return err
			}
			return srv.Start(cmd.Context())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := viper.GetString("config")
			logger.Infof("Validating configuration: %s", displayPath(path))

			cfg, err := config.Load(path)
			if err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("Configuration is valid")
			logger.Infof("  Issuer: %s", cfg.Issuer.URL)
			logger.Infof("  Storage: %s", cfg.Storage.Type)
			logger.Infof("  Identity: %s", cfg.Identity.Mode)
			logger.Infof("  Clients: %d", len(cfg.Issuer.Clients))
			if cfg.Admin.Enabled {
				logger.Infof("  Admin: enabled at %s", cfg.Admin.BasePath)
			} else {
				logger.Infof("  Admin: disabled")
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), versions.Get().String())
		},
	}
}

func displayPath(path string) string {
	if path == "" {
		return "(environment and defaults only)"
	}
	return path
}
