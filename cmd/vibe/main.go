// Package main is the vibe CLI: a supervised team of research workers
// reachable over HTTP, Telegram, Discord or the terminal.
//
// Start the server:
//
//	vibe serve --config vibe.yaml
//
// Ask a one-off question from the terminal:
//
//	vibe chat "summarize this week's arXiv papers on retrieval"
//
// The OpenAI key can come from VIBE_OPENAI_API_KEY instead of the config
// file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	commit     = "none"
	configPath string
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vibe",
		Short: "vibe - a supervised team of research agents",
		Long: `vibe plans a research request, hands each step to a specialised worker
(researcher, analyst, writer, librarian) and streams every step as it happens.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vibe.yaml", "Path to YAML or JSON config file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildIngestCmd(),
		buildHistoryCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}
