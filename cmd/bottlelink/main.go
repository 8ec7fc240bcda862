// Command bottlelink is the CLI for the smart-bottle core: discovery,
// connection, live monitoring, calibration, and the caretaker dashboard API.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hydrosense/bottlelink/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	flagConfigPath string
	cfg            *config.Config
)

func main() {
	root := &cobra.Command{
		Use:           "bottlelink",
		Short:         "Connect to and monitor a distance-sensing smart bottle",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			var err error
			cfg, err = loadConfig(flagConfigPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			level, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to config file (default: ~/.config/bottlelink/config.yaml)")

	root.AddCommand(
		NewScanCommand(),
		NewMonitorCommand(),
		NewCalibrateCommand(),
		NewSleepCommand(),
		NewServeCommand(),
		NewVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

// loadConfig loads from the given path, the default path, or built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		c, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		logrus.Debugf("config loaded from %s", defaultPath)
		return c, nil
	}
	logrus.Debug("no config file found, using defaults")
	return config.Default(), nil
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(Version)
		},
	}
}
