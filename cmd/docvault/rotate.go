package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docvault/docvault/internal/rotation"
	"github.com/docvault/docvault/internal/runs"
)

var rotateFlags struct {
	keep   int
	dryRun bool
	yes    bool
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Delete the oldest runs beyond the retention limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoot(); err != nil {
			return err
		}
		keep := cfg.BackupsToRotate
		if cmd.Flags().Changed("keep") {
			keep = rotateFlags.keep
		}
		if keep < 0 {
			return fmt.Errorf("--keep must not be negative, got %d", keep)
		}

		all, err := runs.List(cfg.BackupRoot)
		if err != nil {
			return err
		}
		// Without a running backup the newest run plays the active one.
		active := ""
		if len(all) > 0 {
			active = all[0].Name
		}
		excess := len(all) - 1 - keep
		if excess <= 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%d runs, nothing to rotate\n", len(all))
			return nil
		}

		out := cmd.OutOrStdout()
		if rotateFlags.dryRun || (!rotateFlags.yes && !confirm(fmt.Sprintf("Delete %d old runs?", excess))) {
			for _, r := range all[len(all)-excess:] {
				fmt.Fprintf(out, "would delete %s\n", r.Path)
			}
			return nil
		}

		res, err := rotation.Rotate(rotation.Config{Root: cfg.BackupRoot, Keep: keep, Active: active})
		for _, path := range res.Deleted {
			fmt.Fprintf(out, "deleted %s\n", path)
		}
		return err
	},
}

func init() {
	rotateCmd.Flags().IntVar(&rotateFlags.keep, "keep", 0, "previous runs to keep besides the newest (DOCVAULT_BACKUPS_TO_ROTATE)")
	rotateCmd.Flags().BoolVar(&rotateFlags.dryRun, "dry-run", false, "only list the runs that would be deleted")
	rotateCmd.Flags().BoolVarP(&rotateFlags.yes, "yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(rotateCmd)
}
