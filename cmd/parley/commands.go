// commands.go contains the cobra command definitions and their flag
// configurations. Each builder wires a command to its handler in the
// matching handlers file.
package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "parley.yaml"

// buildServeCmd creates the "serve" command that starts the API server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Parley API server",
		Long: `Start the Parley API server.

The server will:
1. Load configuration from the specified file (or parley.yaml)
2. Connect to Postgres when configured, or fall back to in-memory storage
3. Start the ingestion task queue and recover persisted tasks
4. Register local tools and, when configured, the remote tool runtime
5. Serve the HTTP/WebSocket API and the Prometheus metrics endpoint

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  parley serve

  # Start with custom config
  parley serve --config /etc/parley/production.yaml

  # Start with debug logging
  parley serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildMigrateCmd creates the "migrate" command that applies the Postgres
// schema.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Connect to the configured Postgres database and apply the schema.

The schema is idempotent; running migrate against an up-to-date database
is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")

	return cmd
}

// buildStatusCmd creates the "status" command that inspects a running
// server over its HTTP API.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server health and queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")

	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("parley %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
