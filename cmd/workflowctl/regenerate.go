package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-records-workflow/internal/app"
)

var regenerateForce bool

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <request-id>",
	Short: "Run the post-approval pipeline for a ready request",
	Long: `Renders the certificate and issues a pickup token for a request in the
ready status. A request that already has an artifact is skipped unless
--force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegenerate,
}

func init() {
	rootCmd.AddCommand(regenerateCmd)
	regenerateCmd.Flags().BoolVar(&regenerateForce, "force", false, "Regenerate even when an artifact exists")
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app.App) error {
		if err := a.Pipeline.Regenerate(cmd.Context(), args[0], regenerateForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "request %s regenerated\n", args[0])
		return nil
	})
}
