package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hydrosense/bottlelink/internal/session"
)

func NewMonitorCommand() *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "monitor <peripheral-id>",
		Short: "Connect to a bottle and stream level readings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			defer coord.Shutdown()

			if subject != "" {
				if err := coord.SetActiveSubject(subject); err != nil {
					return err
				}
			}

			sub := coord.SubscribeReadings(func(ev session.ReadingEvent) {
				printReading(cmd, ev)
			})
			defer sub.Unsubscribe()

			stateSub := coord.SubscribeConnection(func(st session.ConnectionState) {
				cmd.Printf("-- %s\n", st)
			})
			defer stateSub.Unsubscribe()

			if err := coord.Connect(args[0]); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			cmd.Println("shutting down...")
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "subject id to attribute readings to")
	return cmd
}

func printReading(cmd *cobra.Command, ev session.ReadingEvent) {
	switch ev.Level.Source {
	case session.LevelCalibrated:
		cmd.Printf("%6.1fmm  %s  %.0fml\n",
			ev.Reading.DistanceMM,
			color.GreenString("%5.1f%%", ev.Level.Pct),
			ev.Level.VolumeML)
	case session.LevelDeviceReported:
		// Firmware's own estimate; its empty/full assumptions are unverified.
		cmd.Printf("%6.1fmm  %s (device-reported)\n",
			ev.Reading.DistanceMM,
			color.YellowString("%5.1f%%", ev.Level.Pct))
	case session.LevelNoBottle:
		cmd.Printf("%6.1fmm  %s\n", ev.Reading.DistanceMM, color.RedString("no bottle"))
	default:
		cmd.Printf("%6.1fmm  (uncalibrated)\n", ev.Reading.DistanceMM)
	}
}
