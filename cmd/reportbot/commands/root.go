// Package commands implements the reportbot CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
// Without a subcommand it serves the configured channel.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reportbot",
		Short: "ReportBot - report delivery bot for group chats",
		Long: `ReportBot watches a group conversation, answers report, SQL and
plugin commands from one caller at a time and posts scheduled reports.

Examples:
  reportbot
  reportbot serve --config ./config.json
  reportbot check
  reportbot schedule
  reportbot console --sender Ana`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd, botFlags{})
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConsoleCmd(),
		newCheckCmd(),
		newScheduleCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.json", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
