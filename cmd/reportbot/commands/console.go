package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/reportbot/pkg/reportbot/bot"
	"github.com/jholhewres/reportbot/pkg/reportbot/config"
)

// newConsoleCmd creates the `reportbot console` command, which serves the
// configured commands from the terminal instead of a chat.
func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Serve commands from the terminal",
		Long: `Run the bot with the console driver. Each input line is one message;
prefix a line with "Name: " to send it as another user.

Examples:
  reportbot console
  reportbot console --sender Ana`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sender, _ := cmd.Flags().GetString("sender")
			return runBot(cmd, botFlags{
				driver:  config.DriverConsole,
				console: bot.ConsoleIO{In: os.Stdin, Out: cmd.OutOrStdout(), Sender: sender},
			})
		},
	}

	sender := os.Getenv("USER")
	if sender == "" {
		sender = "console"
	}
	cmd.Flags().String("sender", sender, "sender name for unprefixed lines")
	return cmd
}
