// Package main provides the CLI entry point for the Parley chat backend.
//
// Parley serves multi-tenant chat sessions with retrieval-augmented
// generation over local vector stores, a tool runtime for LLM tool calls,
// and multi-AI group chat.
//
// # Basic Usage
//
// Start the server:
//
//	parley serve --config parley.yaml
//
// Apply the database schema:
//
//	parley migrate
//
// Check a running server:
//
//	parley status
//
// # Environment Variables
//
//   - PARLEY_CONFIG: Path to configuration file (default: parley.yaml)
//   - DATABASE_URL: Postgres DSN (overrides config)
//   - REDIS_ADDR: Redis address for the shared capability cache
//   - PARLEY_DATA_ROOT: Root directory for vector and task state
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key for GPT models and embeddings
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "parley",
		Short:         "Parley chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath applies the PARLEY_CONFIG override when the flag was
// left at its default.
func resolveConfigPath(flagValue string) string {
	if flagValue != defaultConfigPath {
		return flagValue
	}
	if v := os.Getenv("PARLEY_CONFIG"); v != "" {
		return v
	}
	return flagValue
}
