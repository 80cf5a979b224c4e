// ciengine is the CI/CD pipeline engine: an HTTP service that schedules
// build runs, plus offline checks for build definition files.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ciengine",
	Short: "ciengine - a minimal CI/CD pipeline engine",
	Long: `ciengine runs build definitions: it resolves build chains, gates runs
on shared resource locks, executes their steps and keeps their artifacts.

Configuration is read from environment variables (PORT, DEFINITIONS_PATH,
STORE_DRIVER, EXECUTOR, VCS_REPO_PATH, KAFKA_BROKERS, ...).`,
	SilenceUsage: true,
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
}
