package cli

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tastythames/aedwt-runner/internal/dataset"
	"github.com/tastythames/aedwt-runner/internal/scraper"
)

func newScrapeCmd(a *app) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Fetch the AED wait-time feed and append it to the dataset",
		Long: `Scrape fetches the Hospital Authority feed once. NORMAL always stores a
snapshot; CHECK stores one only when the dataset is older than the stale
window. The mode defaults to $SCRAPE_MODE, then NORMAL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("mode") {
				mode = os.Getenv("SCRAPE_MODE")
			}
			m, err := scraper.ParseMode(mode)
			if err != nil {
				return err
			}

			sc := a.cfg.Scrape
			loc, err := time.LoadLocation(sc.Location)
			if err != nil {
				return fmt.Errorf("scrape.location: %w", err)
			}
			stale, _ := time.ParseDuration(sc.StaleAfter)
			timeout, _ := time.ParseDuration(sc.Timeout)

			ctx := cmd.Context()
			store, err := dataset.New(ctx, a.cfg.Dataset, os.LookupEnv)
			if err != nil {
				return err
			}
			s, err := scraper.New(scraper.Config{
				SourceURL:  sc.SourceURL,
				Query:      sc.Query,
				Location:   loc,
				StaleAfter: stale,
				HTTPClient: &http.Client{Timeout: timeout},
			}, store)
			if err != nil {
				return err
			}

			var out scraper.Outcome
			switch m {
			case scraper.ModeCheck:
				out, err = s.Check(ctx, time.Now())
			default:
				out, err = s.Normal(ctx, time.Now())
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out.Scraped {
				fmt.Fprintf(w, "Data updated successfully: %s (%d hospitals)\n", out.Path, out.Hospitals)
			} else {
				fmt.Fprintln(w, "Data is up to date. No action needed.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "NORMAL", "Scrape mode: NORMAL or CHECK")
	return cmd
}
