package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fatflowers/tokenbill/internal/app/service/reconciler"
	"github.com/fatflowers/tokenbill/internal/models"
	"github.com/fatflowers/tokenbill/internal/store"
)

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	Short:   "Inspect and requeue events a consumer gave up on",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters of one consuming authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		authority, _ := cmd.Flags().GetString("authority")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := consumerFor(authority)
		if err != nil {
			return err
		}
		letters, total, err := c.ListDeadLetters(cmd.Context(), store.DeadLetterFilter{
			Status: models.DeadLetterStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tTOPIC\tENTITY\tVERSION\tATTEMPTS\tCREATED\tERROR")
		for _, d := range letters {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%d\t%d\t%s\t%s\n",
				d.ID, d.Status, d.Topic, d.EntityType, d.EntityID, d.Version, d.Attempts,
				d.CreatedAt.Format(time.RFC3339), d.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("%d of %d shown\n", len(letters), total)
		return nil
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Replay a dead letter through its consumer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		authority, _ := cmd.Flags().GetString("authority")

		c, err := consumerFor(authority)
		if err != nil {
			return err
		}
		d, err := c.Requeue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("dead letter %s is %s (event %s)\n", d.ID, d.Status, d.EventID)
		return nil
	},
}

func consumerFor(authority string) (*reconciler.Consumer, error) {
	var svc *reconciler.Service
	if err := buildTooling(&svc); err != nil {
		return nil, err
	}
	return svc.Consumer(authority)
}

func init() {
	for _, c := range []*cobra.Command{deadLetterListCmd, deadLetterRequeueCmd} {
		c.Flags().String("authority", "", "Consuming authority (billing or account)")
		_ = c.MarkFlagRequired("authority")
		deadLetterCmd.AddCommand(c)
	}
	deadLetterListCmd.Flags().String("status", string(models.DeadLetterStatusOpen), "OPEN, REQUEUED or RESOLVED; empty for all")
	deadLetterListCmd.Flags().Int("limit", 50, "Maximum rows to show")
}
