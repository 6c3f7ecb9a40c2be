package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loopsync",
	Short: "Real-time conversation sync for the planner chat",
	Long:  "LoopSync keeps a chat conversation in sync with its relay over WebSocket or SSE, and can run the relay itself for local development.",
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
