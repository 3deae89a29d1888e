package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jra3/tracker-sync/internal/config"
	"github.com/jra3/tracker-sync/internal/store"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear sync mappings from the state store",
	Long: `Clear mapping state so the next cycle re-discovers it. --board clears
board task mappings (optionally for a single project); --all resets every
mapping while preserving project and issue identity.`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().String("board", "", "clear board mappings for a project identifier, or all projects when empty")
	resetCmd.Flags().Bool("all", false, "reset every mapping field")
	resetCmd.Flags().Bool("yes", false, "confirm the reset")
}

func runReset(cmd *cobra.Command, args []string) error {
	boardProject, _ := cmd.Flags().GetString("board")
	boardChanged := cmd.Flags().Changed("board")
	all, _ := cmd.Flags().GetBool("all")
	yes, _ := cmd.Flags().GetBool("yes")

	if !boardChanged && !all {
		return fmt.Errorf("%w: nothing to reset; pass --board or --all", ErrStartup)
	}
	if !yes {
		return fmt.Errorf("%w: reset is destructive; re-run with --yes", ErrStartup)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	defer st.Close()

	ctx := cmd.Context()
	switch {
	case all:
		if err := st.WithTx(ctx, func(q *store.Queries) error { return q.ClearAll(ctx) }); err != nil {
			return fmt.Errorf("%w: %v", ErrRuntime, err)
		}
		fmt.Println("all mappings cleared")
	default:
		if err := st.Queries().ClearBoardMappings(ctx, boardProject); err != nil {
			return fmt.Errorf("%w: %v", ErrRuntime, err)
		}
		if boardProject == "" {
			fmt.Println("board mappings cleared for all projects")
		} else {
			fmt.Printf("board mappings cleared for %s\n", boardProject)
		}
	}
	return nil
}
