package cli

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"harvester/internal/db"
	"harvester/internal/logger"
	"harvester/internal/models"
)

func init() {
	rootCmd.AddCommand(statsCmd)
}

type sourceStats struct {
	id      string
	stats   db.SourceStats
	lastRun *models.RunSummary
}

var statsCmd = &cobra.Command{
	Use:   "stats [source...]",
	Short: "Shows stored candidate counts and the last run of each source from MongoDB.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Sinks.Mongo == nil {
			return errors.New("stats needs sinks.mongo to be configured")
		}
		ids := args
		if len(ids) == 0 {
			ids = cfg.SourceIDs()
		}

		store, err := db.NewMongoDB(cmd.Context(), *cfg.Sinks.Mongo, logger.NewWithWriter(os.Stderr, "harvester"))
		if err != nil {
			return err
		}
		defer store.Close()

		rows := make([]sourceStats, 0, len(ids))
		for _, id := range ids {
			st, err := store.SourceStats(cmd.Context(), id)
			if err != nil {
				return err
			}
			last, err := store.LastRun(cmd.Context(), id)
			if err != nil {
				return err
			}
			rows = append(rows, sourceStats{id: id, stats: st, lastRun: last})
		}
		renderStats(cmd.OutOrStdout(), rows)
		return nil
	},
}

func renderStats(w io.Writer, rows []sourceStats) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Source", "Stored", "With email", "Review", "Max seen", "Last run", "Last state"})
	for _, r := range rows {
		lastRun, lastState := "never", "-"
		if r.lastRun != nil {
			lastRun = time.Unix(r.lastRun.StartedAt, 0).Format(time.ANSIC)
			lastState = r.lastRun.State
		}
		t.AppendRow(table.Row{r.id, r.stats.Total, r.stats.WithEmail, r.stats.NeedsReview, r.stats.MaxScraped, lastRun, lastState})
	}
	t.Render()
}
