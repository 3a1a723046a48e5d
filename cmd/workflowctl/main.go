// Command workflowctl runs operational tasks against the workflow store:
// schema migrations, definition seeding, resyncs and pipeline reruns.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-records-workflow/internal/app"
	"github.com/pesio-ai/be-records-workflow/internal/platform/config"
	"github.com/pesio-ai/be-records-workflow/internal/platform/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "workflowctl",
	Short:        "Operate the records workflow engine",
	SilenceUsage: true,
	Long: `workflowctl runs maintenance tasks against the records workflow store.

Configuration is read the same way the server reads it: .env, CONFIG_FILE
and environment variables.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

// bootstrap loads configuration and a stderr logger.
func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	level := os.Getenv("LOG_LEVEL")
	if verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{
		Level:       level,
		Environment: cfg.Service.Environment,
		ServiceName: "workflowctl",
		Version:     cfg.Service.Version,
		Output:      os.Stderr,
	})
	return cfg, log, nil
}

// withApp runs fn against a fully wired App and shuts it down afterwards.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	}()
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
