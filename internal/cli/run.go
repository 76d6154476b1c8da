package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tastythames/aedwt-runner/internal/history"
	"github.com/tastythames/aedwt-runner/internal/logging"
	"github.com/tastythames/aedwt-runner/internal/runner"
)

func newRunCmd(a *app) *cobra.Command {
	var noHistory bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workflow once now, in the foreground",
		Long: `Run executes checkout, runtime setup, dependency install and the script
once. The process exits with the script's exit status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := a.loadWorkflow()
			if err != nil {
				return err
			}
			ex, err := a.newExecutor()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res := ex.Run(ctx, wf, runner.TriggerDispatch)
			if !noHistory {
				a.record(res)
			}
			printResult(cmd.OutOrStdout(), res)
			return exitFor(res)
		},
	}

	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not record the run in the history store")
	return cmd
}

func (a *app) record(res runner.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hist, err := history.Open(ctx, a.cfg.HistoryPath())
	if err != nil {
		logging.L.Error(err).WithMessage("open history").Write()
		return
	}
	defer hist.Close()

	if err := hist.Record(ctx, res); err != nil {
		logging.L.Error(err).WithMessage("failed to record run").WithRun(res.ID).Write()
	}
}

func printResult(w io.Writer, res runner.Result) {
	fmt.Fprintf(w, "run %s (%s) %s in %s\n", res.ID, res.Workflow, res.Status, res.Duration().Round(time.Millisecond))
	for _, s := range res.Steps {
		state := "ok"
		switch {
		case s.Skipped:
			state = "skipped"
		case s.Error != "":
			state = "failed: " + s.Error
		}
		fmt.Fprintf(w, "  %-22s exit=%-3d %8s  %s\n", s.Name, s.ExitCode, s.Duration.Round(time.Millisecond), state)
	}
	if res.Error != "" && len(res.Steps) == 0 {
		fmt.Fprintf(w, "  %s\n", res.Error)
	}
}

// exitFor maps a run to the process exit status: the script's own code
// when it ran and failed, 1 for any other failure.
func exitFor(res runner.Result) error {
	if res.Status == runner.StatusSucceeded {
		return nil
	}
	code := res.ExitCode
	if code <= 0 {
		code = 1
	}
	return &ExitError{Code: code}
}
