package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hydrosense/bottlelink/internal/server"
)

func NewServeCommand() *cobra.Command {
	var (
		listenAddr string
		subject    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caretaker dashboard API",
		Long: `Run the caretaker dashboard API.

Exposes the coordinator over a local HTTP API plus a websocket feed of live
readings, so a dashboard can drive scanning, connection, subject switching,
and calibration for one or more monitored patients.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord, consumptionLog, err := buildCoordinator(cfg)
			if err != nil {
				return err
			}
			defer coord.Shutdown()

			if subject != "" {
				if err := coord.SetActiveSubject(subject); err != nil {
					return err
				}
			}

			addr := listenAddr
			if addr == "" {
				addr = cfg.Server.ListenAddr
			}
			srv := server.New(coord, consumptionLog, addr)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Run() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logrus.Infof("received %s, shutting down", sig)
				return srv.Close()
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&subject, "subject", "", "initial active subject id")
	return cmd
}
