package main

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hydrosense/bottlelink/internal/ble"
	"github.com/hydrosense/bottlelink/internal/session"
)

func NewScanCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Discover nearby smart bottles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Scan.Timeout = timeout
			coord, _, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			defer coord.Shutdown()

			seen := 0
			sub := coord.SubscribeDevices(func(devices []ble.Peripheral) {
				for ; seen < len(devices); seen++ {
					d := devices[seen]
					name := d.Name
					if name == "" {
						name = "(unnamed)"
					}
					cmd.Printf("%s  %s  RSSI %d\n", color.CyanString(d.ID), name, d.RSSI)
				}
			})
			defer sub.Unsubscribe()

			cmd.Printf("scanning for %s...\n", timeout)
			if err := coord.StartScan(); err != nil {
				return err
			}

			// The coordinator returns to idle when the scan window closes.
			done := make(chan struct{}, 1)
			stateSub := coord.SubscribeConnection(func(st session.ConnectionState) {
				if st.Kind != session.StateScanning {
					select {
					case done <- struct{}{}:
					default:
					}
				}
			})
			defer stateSub.Unsubscribe()

			select {
			case <-done:
			case <-time.After(timeout + 5*time.Second):
			}

			devices := coord.Devices()
			if len(devices) == 0 {
				cmd.Println(color.YellowString("no bottles found"))
			} else {
				cmd.Printf("%d found\n", len(devices))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", ble.DefaultScanTimeout, "scan duration")
	return cmd
}
