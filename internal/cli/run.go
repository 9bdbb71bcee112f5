package cli

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"harvester/internal/app"
	"harvester/internal/logger"
	"harvester/internal/models"
	"harvester/internal/sink"
)

var runSources []string

func init() {
	runCmd.Flags().StringSliceVarP(&runSources, "source", "s", nil, "Source to harvest; repeat for several. Defaults to all.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--config <path>] [--source <id>]...",
	Short: "Harvests the configured sources and writes the results to every enabled sink.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.NewWithWriter(os.Stderr, "harvester")

		out, err := sink.FromConfig(cmd.Context(), cfg.Sinks, log)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := out.Close(); cerr != nil {
				log.Warn("closing sinks failed", "error", cerr)
			}
		}()

		runner := app.NewApp(cfg, app.NewEngine(cfg, log), out, log)
		outcomes, runErr := runner.Run(cmd.Context(), runSources)
		if outcomes == nil {
			return runErr
		}
		renderSummaries(cmd.OutOrStdout(), app.Summaries(outcomes))

		if runErr != nil {
			failed := 0
			for _, o := range outcomes {
				if o.Err != nil || o.SaveErr != nil {
					failed++
				}
			}
			log.Error("harvest finished with errors", "failed_sources", failed, "error", runErr)
			return errors.New("one or more sources failed")
		}
		return nil
	},
}

func renderSummaries(w io.Writer, summaries []models.RunSummary) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Source", "State", "Pages", "Records", "Duplicates", "Enriched", "Review", "Retries", "Elapsed", "Note"})
	total := 0
	for _, s := range summaries {
		note := s.ErrorMessage
		if note == "" && len(s.Warnings) > 0 {
			note = s.Warnings[0]
		}
		t.AppendRow(table.Row{
			s.Source, s.State, s.Pages, s.Admitted, s.Suppressed, s.Enriched,
			s.NeedsReview, s.Retries, s.Elapsed.Round(time.Millisecond), note,
		})
		total += s.Admitted
	}
	t.AppendFooter(table.Row{"", "", "", total})
	t.Render()
}
