package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tastythames/aedwt-runner/internal/schedule"
)

func newScheduleCmd(a *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Validate the workflow and print upcoming fire times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := a.loadWorkflow()
			if err != nil {
				return err
			}
			scheds, err := wf.Schedules()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "workflow: %s\n", wf.Name)
			fmt.Fprintf(w, "manual trigger: %t\n", wf.On.Dispatch)

			now := time.Now()
			for i, s := range scheds {
				fmt.Fprintf(w, "cron %q\n", wf.On.Schedule[i].Cron)
				for _, at := range schedule.NextN(s, now, count) {
					fmt.Fprintf(w, "  %s\n", at.Format(time.RFC3339))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 5, "Number of fire times to print per cron expression")
	return cmd
}
