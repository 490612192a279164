package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [batch-dir]",
	Short: "Run one reconciliation pass over a CSV batch directory",
	Long: `Run a full reconciliation pass:

  1. Load sessions.csv, courseOffering.csv, and sections.csv
  2. Stream the membership CSV row by row, upserting memberships and
     refreshing the shadow ledger
  3. Sweep the ledger and remove memberships absent from this extract

The batch directory defaults to the configured drop directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		batchDir := cfg.DropDir
		if len(args) == 1 {
			batchDir = args[0]
		}

		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		runner, err := buildRunner(cfg, st, log)
		if err != nil {
			return err
		}

		result, err := runner.Run(cmd.Context(), batchDir)
		if err != nil {
			return err
		}

		fmt.Printf("Run %s complete in %s\n", result.RunID, result.Duration.Round(time.Millisecond))
		for _, f := range result.Files {
			if f.Skipped {
				fmt.Printf("  %-20s %-24s skipped (file absent)\n", f.Handler, f.Filename)
				continue
			}
			fmt.Printf("  %-20s %-24s rows=%d updates=%d deletes=%d errors=%d\n",
				f.Handler, f.Filename, f.Rows, f.Stats.Updates, f.Stats.Deletes, f.Stats.Errors)
		}
		fmt.Printf("Totals: updates=%d deletes=%d errors=%d\n",
			result.Totals.Updates, result.Totals.Deletes, result.Totals.Errors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
