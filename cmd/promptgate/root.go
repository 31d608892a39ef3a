package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "promptgate",
	Short: "LLM gateway with guardrails, caching, and cost tracking",
	Long: `promptgate sits in front of an OpenAI-compatible API and applies
rate limiting, prompt injection detection, content moderation, response
caching, circuit breaking, and cost accounting to every request.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Println("promptgate " + version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
