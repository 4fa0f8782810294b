package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docvault/docvault/internal/backup"
	"github.com/docvault/docvault/internal/report"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List the projects visible to the account",
	Long: `List every project of the configured account. Projects selected by
DOCVAULT_PROJECTS are marked with '*'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		all, err := client.ListProjects(ctx)
		if err != nil {
			return err
		}
		selected, unmatched := backup.SelectProjects(all, cfg.Projects)
		chosen := make(map[string]bool, len(selected))
		for _, p := range selected {
			chosen[p.ID] = true
		}

		report.Projects(cmd.OutOrStdout(), all, chosen)
		for _, name := range unmatched {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: configured project %q not found\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(projectsCmd)
}
