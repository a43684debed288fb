package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fatflowers/tokenbill/internal/app/service/outbox"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the transactional outboxes",
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pending, dispatched and dead event counts per authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		authority, _ := cmd.Flags().GetString("authority")

		var ds *outbox.Dispatchers
		if err := buildTooling(&ds); err != nil {
			return err
		}
		stats, err := ds.Stats(cmd.Context(), authority)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AUTHORITY\tPENDING\tDISPATCHED\tDEAD")
		for _, a := range ds.Authorities() {
			s, ok := stats[a]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", a, s.Pending, s.Dispatched, s.Dead)
		}
		return w.Flush()
	},
}

func init() {
	outboxStatsCmd.Flags().String("authority", "", "Only this authority (billing or account)")
	outboxCmd.AddCommand(outboxStatsCmd)
}
