package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskpilot/internal/logging"
)

var version = "0.3.0"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "taskpilot - conversational task board agent",
	Long: `taskpilot runs a personal task board driven by a conversational agent.

A natural-language request is planned into a todo list, context is gathered
with read-only tools, and the plan is applied through stage-gated tool calls
against the board. A realtime voice channel shares the same tool dispatcher.

Run "taskpilot serve" to start the HTTP API and voice endpoint.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(verbose); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskpilot version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("taskpilot %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "taskpilot.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
