package main

import (
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-records-workflow/internal/app"
)

var resyncCmd = &cobra.Command{
	Use:   "resync <category>",
	Short: "Rebuild the pending assignments of a category",
	Args:  cobra.ExactArgs(1),
	RunE:  runResync,
}

func init() {
	rootCmd.AddCommand(resyncCmd)
}

func runResync(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		report, err := a.Engine.Resync(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	})
}
