// Package dlq implements the dead-letter admin sub-commands.
package dlq

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.od2.network/aiqueue/cmd/providers"
	"go.od2.network/aiqueue/pkg/jobs"
	"go.od2.network/aiqueue/pkg/manager"
	"go.uber.org/zap"
)

// Cmd is the dlq sub-command.
var Cmd = cobra.Command{
	Use:   "dlq",
	Short: "Inspect and re-deliver dead-lettered jobs",
}

var listCmd = cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	Args:  cobra.NoArgs,
	Run:   providers.NewCmd(runList),
}

var requeueCmd = cobra.Command{
	Use:   "requeue",
	Short: "Re-deliver dead-lettered jobs",
	Long: "Runs a maintenance pass: expired jobs are purged, the rest re-delivered.\n" +
		"With --all, all jobs are re-delivered regardless of age.",
	Args: cobra.NoArgs,
	Run:  providers.NewCmd(runRequeue),
}

var (
	listQueue  string
	requeueAll bool
)

func init() {
	listCmd.Flags().StringVar(&listQueue, "queue", "", "Only list jobs of this queue")
	requeueCmd.Flags().BoolVar(&requeueAll, "all", false, "Re-deliver expired jobs too")
	Cmd.AddCommand(&listCmd, &requeueCmd)
}

func runList(ctx context.Context, mgr *manager.Manager) error {
	var filter jobs.Name
	if listQueue != "" {
		var err error
		if filter, err = jobs.ParseName(listQueue); err != nil {
			return err
		}
	}
	records, err := mgr.DeadLetterQueue().List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tENTRY\tFAILED AT\tERROR\tPAYLOAD")
	for _, rec := range records {
		if filter != "" && rec.QueueName != filter {
			continue
		}
		if rec.Item == nil {
			fmt.Fprintf(w, "?\t%s\t\tmalformed record\t\n", rec.ID)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.QueueName, rec.ID, rec.Time().UTC().Format(time.RFC3339), rec.ErrorMessage, rec.Item.Payload)
	}
	return w.Flush()
}

func runRequeue(ctx context.Context, log *zap.Logger, mgr *manager.Manager) error {
	dlq := mgr.DeadLetterQueue()
	pass := dlq.Maintain
	if requeueAll {
		pass = dlq.RequeueAll
	}
	stats, err := pass(ctx, mgr)
	if err != nil {
		return err
	}
	log.Info("Dead-letter pass finished",
		zap.Int("purged", stats.Purged),
		zap.Int("reprocessed", stats.Reprocessed),
		zap.Int("failed", stats.Failed))
	return nil
}
