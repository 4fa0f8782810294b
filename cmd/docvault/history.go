package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/history"
	"github.com/docvault/docvault/internal/report"
)

var historyFlags struct {
	limit int
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs",
	Long:  `Show the most recent runs recorded in the history store (DOCVAULT_HISTORY_BACKEND).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.HistoryBackend == "" {
			return fmt.Errorf("%w: DOCVAULT_HISTORY_BACKEND", config.ErrMissing)
		}
		ctx := cmd.Context()
		store, err := history.Open(ctx, cfg.HistoryBackend, cfg.HistoryDSN)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.Recent(ctx, historyFlags.limit)
		if err != nil {
			return err
		}
		report.History(cmd.OutOrStdout(), records)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyFlags.limit, "limit", "n", 20, "number of runs to show")
	rootCmd.AddCommand(historyCmd)
}
