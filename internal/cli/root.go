// Package cli provides the reelgate command-line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Client flags shared by commands that talk to a running server.
	serverURL string
	apiKey    string
)

var rootCmd = &cobra.Command{
	Use:   "reelgate",
	Short: "Short-video generation job server",
	Long: `reelgate schedules multi-phase short-video jobs: script, search terms,
speech, subtitles, stock footage and rendering, under global and
per-resource concurrency limits.

Configuration comes from REELGATE_* environment variables, optionally
layered over the YAML file named by REELGATE_CONFIG.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("REELGATE_SERVER", "http://localhost:8080"), "reelgate server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("REELGATE_API_KEY"), "API key for the server")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(watchCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
