package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/reportbot/pkg/reportbot/config"
	"github.com/jholhewres/reportbot/pkg/reportbot/plugins"
)

// newCheckCmd creates the `reportbot check` command.
func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Long: `Load and validate the configuration the same way the running bot
does, then print the commands it would answer.

Examples:
  reportbot check
  reportbot check --config ./config.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.LoadEnvFiles()
			path := configPath(cmd)
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			registry := plugins.NewRegistry()
			if err := validator(registry)(cfg); err != nil {
				return fmt.Errorf("%s is invalid:\n%w", path, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is valid\n\n", path)
			fmt.Fprintf(out, "  driver:       %s\n", cfg.Driver)
			fmt.Fprintf(out, "  group:        %s\n", cfg.GroupName)
			fmt.Fprintf(out, "  activation:   %q\n", cfg.ActivationPhrase)
			fmt.Fprintf(out, "  reports:      %s\n", joinKeys(cfg.Reports))
			fmt.Fprintf(out, "  sql:          %s\n", joinKeys(cfg.SQL))
			fmt.Fprintf(out, "  plugins:      %s\n", joinKeys(cfg.Plugins))
			fmt.Fprintf(out, "  plugin kinds: %s\n", strings.Join(registry.Kinds(), ", "))
			fmt.Fprintf(out, "  schedule:     %d entries\n", len(cfg.Schedule))
			return nil
		},
	}
}

func joinKeys[V any](m map[string]V) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
