// Package calibration converts raw distance readings into water-level
// percentages using a two-point (empty/full) baseline captured during an
// explicit calibration ritual.
package calibration

import (
	"errors"
	"time"
)

// ErrInvalid is returned when the empty baseline does not exceed the full
// baseline. Distance shrinks as the bottle fills, so an inversion means the
// ritual was performed wrong (bottle swapped, sensor obstructed) and must be
// redone; it is not a transient fault.
var ErrInvalid = errors.New("calibration: empty baseline must exceed full baseline")

// ErrNotCollecting is returned when a completion is requested with no step armed.
var ErrNotCollecting = errors.New("calibration: no collection step armed")

// Calibration is the two-point baseline for one subject's bottle.
type Calibration struct {
	EmptyBaselineMM float64   `json:"emptyBaselineMM"`
	FullBaselineMM  float64   `json:"fullBaselineMM"`
	BottleCapacity  uint32    `json:"bottleCapacityML"`
	CalibratedAt    time.Time `json:"calibratedAt"`
	Complete        bool      `json:"complete"`
}

// Valid reports whether the baselines satisfy the physical model
// (empty > full > 0).
func (c Calibration) Valid() bool {
	return c.EmptyBaselineMM > c.FullBaselineMM && c.FullBaselineMM > 0
}

// LevelPct converts a distance to a fill percentage in [0, 100]. Pure; safe
// to call concurrently. Distances at or beyond a baseline clamp to that end.
func (c Calibration) LevelPct(distanceMM float64) float64 {
	if distanceMM <= c.FullBaselineMM {
		return 100
	}
	if distanceMM >= c.EmptyBaselineMM {
		return 0
	}
	return (c.EmptyBaselineMM - distanceMM) / (c.EmptyBaselineMM - c.FullBaselineMM) * 100
}

// VolumeML converts a distance to milliliters using the bottle capacity.
func (c Calibration) VolumeML(distanceMM float64) float64 {
	return c.LevelPct(distanceMM) / 100 * float64(c.BottleCapacity)
}
