package session

import (
	"encoding/json"
	"time"
)

// Control envelope actions understood by the bottle firmware.
const (
	actionDeepSleep    = "deep_sleep"
	actionCalibration  = "calibration"
	actionConfigUpdate = "config_update"
)

// Calibration ritual steps as the firmware names them.
const (
	calStepStartEmpty = "start_empty"
	calStepStartFull  = "start_full"
	calStepComplete   = "complete"
)

// commandEnvelope is the JSON control message written to the bottle's control
// characteristic. Fields beyond Action and Timestamp are action-specific.
type commandEnvelope struct {
	Action          string         `json:"action"`
	DurationMinutes uint32         `json:"duration_minutes,omitempty"`
	Step            string         `json:"step,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	Timestamp       int64          `json:"timestamp"`
}

func deepSleepCommand(durationMinutes uint32) ([]byte, error) {
	return json.Marshal(commandEnvelope{
		Action:          actionDeepSleep,
		DurationMinutes: durationMinutes,
		Timestamp:       time.Now().Unix(),
	})
}

func calibrationCommand(step string) ([]byte, error) {
	return json.Marshal(commandEnvelope{
		Action:    actionCalibration,
		Step:      step,
		Timestamp: time.Now().Unix(),
	})
}

func configUpdateCommand(config map[string]any) ([]byte, error) {
	return json.Marshal(commandEnvelope{
		Action:    actionConfigUpdate,
		Config:    config,
		Timestamp: time.Now().Unix(),
	})
}
