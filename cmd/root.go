package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/jagc/cmd.Version=v1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "jagc",
	Short: "jagc — coding-agent coordinator",
	Long: "jagc turns messages from Telegram and an HTTP API into runs executed\n" +
		"against long-lived pi coding-agent sessions, one session per conversation\n" +
		"thread, with durable ingestion, per-thread ordering and scheduled tasks.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jagc %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
