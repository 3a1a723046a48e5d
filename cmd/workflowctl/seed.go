package main

import (
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-records-workflow/internal/app"
	"github.com/pesio-ai/be-records-workflow/internal/service"
)

var seedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Upsert workflow definitions from a YAML file",
	Long: `Validates and upserts every workflow in the file, then resyncs each
category. Without an argument the configured workflow.definitions_file is used.

Examples:
  workflowctl seed workflows.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		path := a.Config.Workflow.DefinitionsFile
		if len(args) == 1 {
			path = args[0]
		}
		defs, err := service.LoadDefinitionsFile(path)
		if err != nil {
			return err
		}
		reports, err := a.Admin.Seed(cmd.Context(), defs)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), reports)
	})
}
