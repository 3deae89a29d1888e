package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

// Startup and runtime failures map to distinct process exit codes in main.
var (
	ErrStartup = errors.New("startup error")
	ErrRuntime = errors.New("runtime error")
)

var rootCmd = &cobra.Command{
	Use:   "tracker-sync",
	Short: "Keep the issue tracker, task board, and local issue stores in sync",
	Long: `tracker-sync is a daemon that mirrors projects and issues between a
central issue tracker, a visual task board, and git-backed local issue
stores, reconciling status changes in both directions on a fixed interval.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().Bool("dry-run", false, "log sync decisions without writing anywhere")
}
