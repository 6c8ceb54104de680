package cmd

import (
	"github.com/spf13/cobra"
	"workerhub/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "workerhub",
	Short: "Workerhub - coordination hub for remote workers",
	Long: `Workerhub accepts persistent WebSocket connections from remote workers,
authenticates them and routes tool calls, agent calls, tasks and Docker
workloads to the best available worker.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel(logger.LOG_DEBUG)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(hubCmd)
}
