package calibration

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWindowSize is how many readings a collection step consumes before
// reducing them to a baseline.
const DefaultWindowSize = 10

// Step identifies which half of the ritual is being collected.
type Step int

const (
	StepNone Step = iota
	StepEmpty
	StepFull
)

func (s Step) String() string {
	switch s {
	case StepEmpty:
		return "empty"
	case StepFull:
		return "full"
	default:
		return "none"
	}
}

// Engine runs the empty-then-full calibration ritual. It is armed for one
// step at a time, consumes a fixed window of readings pushed to it, and
// reduces the window to a baseline when the window fills.
//
// The reduction is an extreme value, not a mean: the empty step keeps the
// maximum distance and the full step keeps the minimum. Encroachment noise is
// one-sided (a hand over the sensor shortens the echo path but can never
// lengthen it past the true empty distance), so the extremes are the stable
// readings.
type Engine struct {
	mu         sync.Mutex
	windowSize int
	step       Step
	buffer     []float64
	current    Calibration
}

// NewEngine creates an engine around an existing calibration (zero value if
// the subject has never calibrated). windowSize <= 0 selects the default.
func NewEngine(current Calibration, windowSize int) *Engine {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Engine{windowSize: windowSize, current: current}
}

// Current returns the calibration as it stands.
func (e *Engine) Current() Calibration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// SetCurrent replaces the calibration, e.g. after the active subject changes.
// Any armed step is cancelled; a half-finished ritual for the previous
// subject must not leak into the new one.
func (e *Engine) SetCurrent(c Calibration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.step = StepNone
	e.buffer = nil
	e.current = c
}

// Begin arms the engine for a collection step, clearing the reading buffer.
// Re-arming the same step restarts it.
func (e *Engine) Begin(step Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.step = step
	e.buffer = e.buffer[:0]
	logrus.Infof("calibration: collecting %s baseline (%d readings)", step, e.windowSize)
}

// Cancel disarms any collection step without touching stored baselines.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.step != StepNone {
		logrus.Infof("calibration: %s collection cancelled", e.step)
	}
	e.step = StepNone
	e.buffer = nil
}

// Collecting reports whether a step is currently armed.
func (e *Engine) Collecting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step != StepNone
}

// Feed offers one distance reading to the armed step. Returns true if the
// reading was consumed. On the reading that fills the window the step
// completes: the window is reduced to a baseline and the engine disarms. The
// returned error is non-nil only when completing the full step reveals
// inverted baselines, in which case the calibration is marked incomplete and
// the ritual must be restarted.
func (e *Engine) Feed(distanceMM float64) (consumed bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.step == StepNone {
		return false, nil
	}

	e.buffer = append(e.buffer, distanceMM)
	if len(e.buffer) < e.windowSize {
		return true, nil
	}

	step := e.step
	e.step = StepNone

	switch step {
	case StepEmpty:
		e.current.EmptyBaselineMM = maxOf(e.buffer)
		e.current.Complete = false
		logrus.Infof("calibration: empty baseline %.1fmm", e.current.EmptyBaselineMM)
	case StepFull:
		e.current.FullBaselineMM = minOf(e.buffer)
		logrus.Infof("calibration: full baseline %.1fmm", e.current.FullBaselineMM)
		if !e.current.Valid() {
			e.current.Complete = false
			e.buffer = nil
			return true, ErrInvalid
		}
	}
	e.buffer = nil
	return true, nil
}

// Complete finalizes the ritual after both steps collected, stamping the
// calibration. Fails with ErrInvalid if the baselines are inverted.
func (e *Engine) Complete(capacityML uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.current.Valid() {
		e.current.Complete = false
		return ErrInvalid
	}
	e.current.BottleCapacity = capacityML
	e.current.Complete = true
	e.current.CalibratedAt = time.Now()
	logrus.Infof("calibration: complete (empty %.1fmm, full %.1fmm, %dml)",
		e.current.EmptyBaselineMM, e.current.FullBaselineMM, capacityML)
	return nil
}

func maxOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}
