package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/reportbot/pkg/reportbot/config"
)

// newSecretCmd creates the `reportbot secret` command that manages database
// passwords in the OS keyring. SQL commands refer to them with
// "password_keyring".
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage database passwords in the OS keyring",
		Long: `Store and remove database passwords in the OS keyring.

Examples:
  reportbot secret set sales-db
  reportbot secret delete sales-db`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name>",
			Short: "Store a password",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				value, err := readSecret(cmd, args[0])
				if err != nil {
					return err
				}
				if value == "" {
					return fmt.Errorf("empty password")
				}
				if err := config.StoreKeyring(args[0], value); err != nil {
					return fmt.Errorf("storing %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in the keyring.\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a password",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := config.DeleteKeyring(args[0]); err != nil {
					return fmt.Errorf("deleting %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from the keyring.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(cmd *cobra.Command, name string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(cmd.OutOrStdout(), "Password for %s: ", name)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
