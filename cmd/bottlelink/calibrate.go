package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hydrosense/bottlelink/internal/calibration"
	"github.com/hydrosense/bottlelink/internal/session"
)

func NewCalibrateCommand() *cobra.Command {
	var (
		subject    string
		capacityML uint32
	)

	cmd := &cobra.Command{
		Use:   "calibrate <peripheral-id>",
		Short: "Run the empty-then-full calibration ritual",
		Long: `Run the two-point calibration ritual.

The bottle is measured twice: once empty, once full. Each step collects a
window of distance readings and reduces it to a baseline. Follow the prompts;
the resulting calibration is stored for the given subject.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if capacityML == 0 {
				return fmt.Errorf("--capacity is required")
			}

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

			if err := coord.Connect(args[0]); err != nil {
				return err
			}

			stdin := bufio.NewReader(os.Stdin)

			cmd.Println(color.CyanString("Step 1/2:"), "empty the bottle, place it on a flat surface, then press Enter.")
			if _, err := stdin.ReadString('\n'); err != nil {
				return err
			}
			if err := runStep(cmd, coord, calibration.StepEmpty); err != nil {
				return err
			}

			cmd.Println(color.CyanString("Step 2/2:"), "fill the bottle completely, then press Enter.")
			if _, err := stdin.ReadString('\n'); err != nil {
				return err
			}
			if err := runStep(cmd, coord, calibration.StepFull); err != nil {
				return err
			}

			if err := coord.CompleteCalibration(capacityML); err != nil {
				if err == calibration.ErrInvalid {
					cmd.Println(color.RedString("calibration invalid:"), "the empty measurement must read farther than the full one. Check the bottle setup and rerun.")
				}
				return err
			}

			cal := coord.Calibration()
			cmd.Println(color.GreenString("calibrated:"),
				fmt.Sprintf("empty %.1fmm, full %.1fmm, %dml", cal.EmptyBaselineMM, cal.FullBaselineMM, cal.BottleCapacity))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "subject id to store the calibration under")
	cmd.Flags().Uint32Var(&capacityML, "capacity", 0, "bottle capacity in milliliters")
	return cmd
}

// runStep arms one collection step and waits for its window to fill.
func runStep(cmd *cobra.Command, coord *session.Coordinator, step calibration.Step) error {
	if err := coord.BeginCalibration(step); err != nil {
		return err
	}
	cmd.Print("collecting")
	for coord.CalibrationCollecting() {
		cmd.Print(".")
		time.Sleep(500 * time.Millisecond)
	}
	cmd.Println(" done")
	return nil
}
