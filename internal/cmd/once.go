package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single sync cycle and exit",
	Long: `Run one reconciliation cycle, print its summary, and exit. Combine with
--dry-run to preview the decisions a full daemon would make.`,
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(onceCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	d, err := buildDaemon(cmd)
	if err != nil {
		return err
	}
	defer d.store.Close()
	defer d.log.Sync()

	report, err := d.engine.RunCycle(cmd.Context())
	d.tracker.RecordCycle(report, err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}

	fmt.Printf("cycle complete: phase1=%d phase2=%d phase3=%d errors=%d duration=%dms\n",
		report.Phase1Count, report.Phase2Count, report.Phase3Count,
		report.Errors, report.DurationMs)
	return nil
}
