package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/reportbot/pkg/reportbot/config"
)

// newScheduleCmd creates the `reportbot schedule` command that lists the
// next run of every scheduled entry.
func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "List upcoming scheduled commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(configPath(cmd))
			if err != nil {
				return err
			}
			if err := cfg.Schedule.Validate(); err != nil {
				return err
			}

			upcoming := cfg.Schedule.Upcoming(time.Now())
			if len(upcoming) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No scheduled commands.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tNEXT RUN\tCOMMANDS")
			for _, u := range upcoming {
				fmt.Fprintf(w, "%s\t%s\t%s\n", u.Entry.Time, u.At.Format("Mon 2006-01-02 15:04"), strings.Join(u.Entry.Commands, ", "))
			}
			return w.Flush()
		},
	}
}
