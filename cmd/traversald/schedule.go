package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"traversald/internal/schedule"
	"traversald/internal/task/scheduler"
	logx "traversald/pkg/logx"
)

var checkTZ string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect schedule strings",
}

var scheduleCheckCmd = &cobra.Command{
	Use:   "check <schedule>",
	Short: "Parse a schedule, print its normalized form and whether it runs now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := schedule.Parse(args[0])
		if err != nil {
			return err
		}
		loc := scheduler.LoadLocation(checkTZ, logx.NewConsole("warn"))
		hour := time.Now().In(loc).Hour()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "normalized: %s\n", d.String())
		fmt.Fprintf(out, "source:     %s\n", d.SourceID)
		fmt.Fprintf(out, "disabled:   %v\n", d.Disabled)
		fmt.Fprintf(out, "load:       %d\n", d.Load)
		if delay, ok := d.RetryDelay(); ok {
			fmt.Fprintf(out, "retry:      %s\n", delay)
		} else {
			fmt.Fprintln(out, "retry:      pause when exhausted")
		}
		fmt.Fprintf(out, "runs now:   %v (hour %d %s)\n", !d.Disabled && d.Contains(hour), hour, loc)
		return nil
	},
}

func init() {
	scheduleCheckCmd.Flags().StringVar(&checkTZ, "tz", "", "IANA timezone for the hour check (default Local)")
	scheduleCmd.AddCommand(scheduleCheckCmd)
}
