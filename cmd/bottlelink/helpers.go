package main

import (
	"github.com/hydrosense/bottlelink/internal/ble"
	"github.com/hydrosense/bottlelink/internal/calibration"
	"github.com/hydrosense/bottlelink/internal/config"
	"github.com/hydrosense/bottlelink/internal/session"
)

// buildCoordinator wires the transport, store, and accounting log into a
// coordinator from the loaded config.
func buildCoordinator(cfg *config.Config) (*session.Coordinator, *session.ConsumptionLog, error) {
	store, err := calibration.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, err
	}

	log := session.NewConsumptionLog(0)
	coord := session.New(ble.NewHardwareAdapter(), store, log, session.Options{
		ScanTimeout:        cfg.Scan.Timeout,
		ConnectTimeout:     cfg.Scan.ConnectTimeout,
		MinValidDistanceMM: cfg.Sensor.MinValidDistanceMM,
		CalibrationWindow:  cfg.Sensor.CalibrationWindow,
		ServiceUUID:        cfg.Device.ServiceUUID,
		TelemetryCharUUID:  cfg.Device.TelemetryCharUUID,
		ControlCharUUID:    cfg.Device.ControlCharUUID,
		Filter: ble.ScanFilter{
			ServiceUUID: cfg.Device.ServiceUUID,
			NamePrefix:  cfg.Device.NamePrefix,
		},
	})
	return coord, log, nil
}
