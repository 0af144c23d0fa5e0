// Package main provides the CLI entry point for the Cascade agent runtime.
//
// Cascade answers user requests by driving them through a bounded five-phase
// reasoning pipeline (intent analysis, function selection, parameter
// generation, tool execution, response synthesis) and invoking tools hosted
// by external worker processes over a JSON-RPC protocol.
//
// # Basic Usage
//
// Chat interactively with the configured workers:
//
//	cascade chat --config cascade.yaml
//
// Ask a single question:
//
//	cascade chat "what is in /tmp?"
//
// Inspect the tool surface and worker health:
//
//	cascade tools
//	cascade status
//
// # Environment Variables
//
//   - CASCADE_CONFIG: Path to configuration file (default: cascade.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()

	ctx, stop := signal.NotifyContext(rootCmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cascade",
		Short: "Cascade is a tool-using AI agent runtime",
		Long: `Cascade drives user requests through a bounded reasoning pipeline and
executes tools hosted by external worker processes.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildToolsCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cascade %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// resolveConfigPath applies the flag > environment > default precedence.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CASCADE_CONFIG"); env != "" {
		return env
	}
	return "cascade.yaml"
}
