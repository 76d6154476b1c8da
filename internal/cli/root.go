// Package cli wires the aedwt-runner commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tastythames/aedwt-runner/internal/config"
)

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "aedwt-runner",
		Short:         "Scheduled runner for the AED wait-time scraper",
		Long:          `aedwt-runner runs a declared scraper workflow on a cron schedule or on demand.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", config.PathFromEnv(), "Path to the TOML config file")
	cmd.PersistentFlags().StringVar(&a.workflowPath, "workflow", "", "Path to the workflow file (overrides the config)")
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newScheduleCmd(a),
		newHistoryCmd(a),
		newSealCmd(a),
		newScrapeCmd(a),
	)

	return cmd
}
