package main

import (
	"time"

	"github.com/spf13/cobra"
)

func NewSleepCommand() *cobra.Command {
	var minutes uint32

	cmd := &cobra.Command{
		Use:   "sleep <peripheral-id>",
		Short: "Put the bottle into deep sleep",
		Long: `Put the bottle into deep sleep to save battery.

The bottle drops the connection itself shortly after acknowledging the
command and wakes again after the requested duration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			defer coord.Shutdown()

			if err := coord.Connect(args[0]); err != nil {
				return err
			}
			if err := coord.EnterSleep(minutes); err != nil {
				return err
			}
			cmd.Printf("deep sleep requested for %d minutes\n", minutes)

			// Give the bottle a moment to drop the link cleanly.
			time.Sleep(3 * time.Second)
			return nil
		},
	}

	cmd.Flags().Uint32Var(&minutes, "minutes", 60, "sleep duration in minutes")
	return cmd
}
