package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unicon/sakora/internal/ledger"
)

var statusAuditLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show shadow ledger counts and recent audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()

		sections, err := st.ledger.Count(ctx, ledger.ModeSection)
		if err != nil {
			return err
		}
		courses, err := st.ledger.Count(ctx, ledger.ModeCourse)
		if err != nil {
			return err
		}
		fmt.Printf("Shadow ledger: %d section memberships, %d course memberships\n",
			sections, courses)

		entries, err := st.ledger.AuditEntries(ctx, "")
		if err != nil {
			return err
		}
		if len(entries) > statusAuditLimit {
			entries = entries[len(entries)-statusAuditLimit:]
		}
		if len(entries) == 0 {
			fmt.Println("Audit log is empty")
			return nil
		}
		fmt.Println("Recent audit entries:")
		for _, e := range entries {
			fmt.Printf("  %s  %-18s %s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.Component, e.Message)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusAuditLimit, "audit", 20, "number of audit entries to show")
	rootCmd.AddCommand(statusCmd)
}
