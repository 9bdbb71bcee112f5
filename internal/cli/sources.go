package cli

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"harvester/internal/config"
)

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Lists the configured sources.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		renderSources(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func renderSources(w io.Writer, cfg *config.HarvestConfig) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Label", "Start URL", "Pagination", "Retries", "Fixed delay"})
	for _, id := range cfg.SourceIDs() {
		src := cfg.Sources[id]
		delay := "-"
		if src.FixedDelayMS > 0 {
			delay = src.FixedDelay().String()
		}
		t.AppendRow(table.Row{id, src.Label, src.StartURL, src.Pagination.Strategy, src.MaxRetries, delay})
	}
	t.Render()
}
