// Package cmd implements the medrag command-line interface.
package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "medrag",
	Short: "medrag - retrieval-augmented answering for medical education",
	Long: `medrag indexes medical-education documents into a vector store and
answers student questions with retrieval-augmented generation, falling back
across LLM providers and validating every answer before release.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// A local .env is a development convenience; absence is fine.
		_ = godotenv.Load()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
