package main

import (
	"fmt"

	"github.com/spf13/cobra"

	tokensvc "github.com/fatflowers/tokenbill/internal/app/service/token"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Verify or rebuild token balances from the ledger",
}

var ledgerRebuildCmd = &cobra.Command{
	Use:   "rebuild <customerId>",
	Short: "Recompute a customer's balance by folding the ledger",
	Long: `Fold every ledger entry of the customer and compare the result with the
stored balance. Drift is repaired unless --dry-run is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		var svc *tokensvc.Service
		if err := buildTooling(&svc); err != nil {
			return err
		}
		rebuild := svc.RebuildBalance
		if dryRun {
			rebuild = svc.VerifyBalance
		}
		res, err := rebuild(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("customer:  %s\n", res.CustomerID)
		fmt.Printf("entries:   %d\n", res.Entries)
		fmt.Printf("stored:    allocated=%d used=%d available=%d\n", res.Stored.Allocated, res.Stored.Used, res.Stored.Available)
		fmt.Printf("folded:    allocated=%d used=%d available=%d\n", res.Folded.Allocated, res.Folded.Used, res.Folded.Available)
		switch {
		case !res.Drift:
			fmt.Println("status:    consistent")
		case res.Repaired:
			fmt.Println("status:    drift repaired")
		default:
			fmt.Println("status:    drift detected")
		}
		return nil
	},
}

func init() {
	ledgerRebuildCmd.Flags().Bool("dry-run", false, "Only report drift")
	ledgerCmd.AddCommand(ledgerRebuildCmd)
}
