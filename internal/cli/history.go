package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tastythames/aedwt-runner/internal/history"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := history.Open(cmd.Context(), a.cfg.HistoryPath())
			if err != nil {
				return err
			}
			defer hist.Close()

			runs, err := hist.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tWORKFLOW\tTRIGGER\tSTATUS\tEXIT\tDURATION\tID")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), r.Workflow, r.Trigger, r.Status,
					r.ExitCode, r.Duration().Round(time.Millisecond), r.ID)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to print")
	return cmd
}
