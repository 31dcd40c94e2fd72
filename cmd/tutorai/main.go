package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "tutorai",
	Short: "Rewrite answer keys into student-friendly explanations",
	Long: `tutorai rewrites answer keys into explanations a student can follow.

It runs a local server that picks a model per request, retries and escalates
across model tiers, checks the quality of each rewrite, and keeps spend under
a configured budget.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(rewriteCmd, rewritesCmd, budgetCmd, modelsCmd, configCmd)
}

func main() {
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
