// Package session owns the connection lifecycle for one smart bottle link and
// fans decoded readings out to observers. It glues the transport adapter,
// telemetry decoder, and calibration engine together and attributes computed
// volumes to the active subject (the user, or a caretaker-monitored patient).
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/bottlelink/internal/ble"
	"github.com/hydrosense/bottlelink/internal/calibration"
	"github.com/hydrosense/bottlelink/internal/telemetry"
)

// ErrAlreadyConnected is returned by Connect when a link is already up.
var ErrAlreadyConnected = errors.New("session: already connected")

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("session: coordinator is shut down")

// ErrConnectAborted is returned by Connect when a concurrent Disconnect (or a
// fault) ended the attempt before the link was committed. The link that came
// up late is torn down; the user's disconnect stands.
var ErrConnectAborted = errors.New("session: connect aborted")

// Options tunes the coordinator. Zero values select defaults.
type Options struct {
	ScanTimeout        time.Duration
	ConnectTimeout     time.Duration
	MinValidDistanceMM float64 // readings below this mean "no bottle present"
	SleepGrace         time.Duration
	CalibrationWindow  int
	Filter             ble.ScanFilter

	// GATT layout; defaults match current firmware.
	ServiceUUID       string
	TelemetryCharUUID string
	ControlCharUUID   string
}

func (o *Options) applyDefaults() {
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = ble.DefaultScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = ble.DefaultConnectTimeout
	}
	if o.MinValidDistanceMM <= 0 {
		o.MinValidDistanceMM = 40
	}
	if o.SleepGrace <= 0 {
		o.SleepGrace = 2 * time.Second
	}
	if o.ServiceUUID == "" {
		o.ServiceUUID = ble.ServiceUUID
	}
	if o.TelemetryCharUUID == "" {
		o.TelemetryCharUUID = ble.TelemetryCharUUID
	}
	if o.ControlCharUUID == "" {
		o.ControlCharUUID = ble.ControlCharUUID
	}
	if o.Filter.ServiceUUID == "" && o.Filter.NamePrefix == "" {
		o.Filter = ble.ScanFilter{ServiceUUID: o.ServiceUUID, NamePrefix: ble.DefaultNamePrefix}
	}
}

// LevelSource says where a level estimate came from, so observers can treat
// the firmware's self-reported percentage as the low-confidence fallback it
// is rather than silently blending it with calibrated values.
type LevelSource int

const (
	// LevelUnknown means no calibration exists and the firmware sent no
	// percentage of its own.
	LevelUnknown LevelSource = iota
	// LevelCalibrated means the level came from the subject's calibration.
	LevelCalibrated
	// LevelDeviceReported means the firmware's raw percentage was used as a
	// fallback. Its empty/full assumptions may differ from the app's.
	LevelDeviceReported
	// LevelNoBottle means the distance fell below the validity floor, so the
	// bottle is presumed absent and level is forced to zero.
	LevelNoBottle
)

func (s LevelSource) String() string {
	switch s {
	case LevelCalibrated:
		return "calibrated"
	case LevelDeviceReported:
		return "device-reported"
	case LevelNoBottle:
		return "no-bottle"
	default:
		return "unknown"
	}
}

// Level is a computed fill estimate for one reading.
type Level struct {
	Pct      float64     `json:"pct"`
	VolumeML float64     `json:"volumeML"`
	Source   LevelSource `json:"source"`
}

// ReadingEvent pairs a decoded reading with its computed level.
type ReadingEvent struct {
	Reading telemetry.Reading
	Level   Level
}

// Coordinator drives the connection state machine. Construct one per process
// with New, inject it into whatever composes the UI, and release the radio
// with Shutdown.
type Coordinator struct {
	adapter ble.Adapter
	decoder *telemetry.Decoder
	engine  *calibration.Engine
	store   calibration.Store
	sink    ConsumptionSink
	opts    Options

	readings *hub[ReadingEvent]
	states   *hub[ConnectionState]
	devices  *hub[[]ble.Peripheral]

	// mu serializes every ConnectionState transition.
	mu         sync.Mutex
	state      ConnectionState
	conn       ble.Connection
	control    ble.Characteristic
	subjectID  string
	scanCancel context.CancelFunc
	deviceList []ble.Peripheral
	closed     bool
}

// New builds a coordinator. store must be non-nil; sink may be nil when no
// consumption accounting collaborator is attached.
func New(adapter ble.Adapter, store calibration.Store, sink ConsumptionSink, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		adapter:  adapter,
		decoder:  telemetry.NewDecoder(),
		engine:   calibration.NewEngine(calibration.Calibration{}, opts.CalibrationWindow),
		store:    store,
		sink:     sink,
		opts:     opts,
		readings: newHub[ReadingEvent](),
		states:   newHub[ConnectionState](),
		devices:  newHub[[]ble.Peripheral](),
	}
}

// SubscribeReadings registers an observer for decoded readings with their
// computed levels.
func (c *Coordinator) SubscribeReadings(fn func(ReadingEvent)) *Subscription {
	return c.readings.subscribe(fn)
}

// SubscribeConnection registers an observer for connection-state transitions.
func (c *Coordinator) SubscribeConnection(fn func(ConnectionState)) *Subscription {
	return c.states.subscribe(fn)
}

// SubscribeDevices registers an observer for the live device list, delivered
// again each time the list grows during a scan.
func (c *Coordinator) SubscribeDevices(fn func([]ble.Peripheral)) *Subscription {
	return c.devices.subscribe(fn)
}

// State returns the current connection state.
func (c *Coordinator) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Devices returns the device list from the most recent scan.
func (c *Coordinator) Devices() []ble.Peripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ble.Peripheral(nil), c.deviceList...)
}

// ActiveSubject returns the subject currently bound, or empty.
func (c *Coordinator) ActiveSubject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subjectID
}

// Calibration returns the active subject's calibration as it stands.
func (c *Coordinator) Calibration() calibration.Calibration {
	return c.engine.Current()
}

// CalibrationCollecting reports whether a ritual step is armed.
func (c *Coordinator) CalibrationCollecting() bool {
	return c.engine.Collecting()
}

// DroppedPayloads returns the unparseable-payload counter for diagnostics.
func (c *Coordinator) DroppedPayloads() uint64 {
	return c.decoder.Dropped()
}

// StartScan begins discovery. Idempotent: a scan already in progress is left
// running. A Faulted state is cleared first; scanning is rejected while a
// link is up or being set up.
func (c *Coordinator) StartScan() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state.Kind {
	case StateScanning:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateConnected, StateDisconnecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ScanTimeout)
	c.scanCancel = cancel
	c.deviceList = nil
	c.state = ConnectionState{Kind: StateScanning}
	c.mu.Unlock()
	c.states.publish(ConnectionState{Kind: StateScanning})

	go func() {
		defer cancel()
		_, err := c.adapter.Scan(ctx, c.opts.Filter, c.onDeviceFound)

		c.mu.Lock()
		c.scanCancel = nil
		if c.state.Kind != StateScanning {
			c.mu.Unlock()
			return
		}
		var next ConnectionState
		if err != nil {
			next = faultState(err)
			logrus.Errorf("session: scan failed: %v", err)
		} else {
			next = ConnectionState{Kind: StateIdle}
		}
		c.state = next
		c.mu.Unlock()
		c.states.publish(next)
	}()
	return nil
}

// StopScan cancels an in-progress scan. No-op otherwise.
func (c *Coordinator) StopScan() {
	c.mu.Lock()
	cancel := c.scanCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) onDeviceFound(p ble.Peripheral) {
	c.mu.Lock()
	c.deviceList = append(c.deviceList, p)
	snapshot := append([]ble.Peripheral(nil), c.deviceList...)
	c.mu.Unlock()
	c.devices.publish(snapshot)
}

// Connect establishes a link to the peripheral with the given ID, then loads
// the active subject's calibration and subscribes to telemetry. A connect
// already in flight rejects the new attempt rather than queueing it.
func (c *Coordinator) Connect(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state.Kind {
	case StateConnecting:
		c.mu.Unlock()
		return &ble.Error{Kind: ble.KindConnectInFlight}
	case StateConnected, StateDisconnecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case StateScanning:
		if c.scanCancel != nil {
			c.scanCancel()
		}
	}

	var target *ble.Peripheral
	for i := range c.deviceList {
		if c.deviceList[i].ID == id {
			p := c.deviceList[i]
			target = &p
			break
		}
	}
	if target == nil {
		target = &ble.Peripheral{ID: id}
	}
	next := ConnectionState{Kind: StateConnecting, Peripheral: target}
	c.state = next
	c.mu.Unlock()
	c.states.publish(next)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.adapter.Connect(ctx, id)
	if err != nil {
		c.fault(err)
		return err
	}

	telChar, err := conn.DiscoverCharacteristic(c.opts.ServiceUUID, c.opts.TelemetryCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		c.fault(err)
		return err
	}
	ctlChar, err := conn.DiscoverCharacteristic(c.opts.ServiceUUID, c.opts.ControlCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		c.fault(err)
		return err
	}

	sourceID := id
	if err := telChar.Subscribe(func(data []byte) {
		if r := c.decoder.Decode(data, sourceID); r != nil {
			c.handleReading(*r)
		}
	}); err != nil {
		_ = conn.Disconnect()
		c.fault(err)
		return err
	}

	conn.OnDisconnect(func() {
		c.handleDrop(sourceID)
	})

	// Bring the active subject's calibration in before readings flow.
	c.mu.Lock()
	subject := c.subjectID
	c.mu.Unlock()
	if subject != "" {
		c.reloadCalibration(subject)
	}

	c.mu.Lock()
	if c.state.Kind != StateConnecting {
		// A Disconnect (or a fault) raced the setup and won; that outcome
		// stands rather than silently reviving the link.
		c.mu.Unlock()
		_ = conn.Disconnect()
		return ErrConnectAborted
	}
	c.conn = conn
	c.control = ctlChar
	next = ConnectionState{Kind: StateConnected, Peripheral: target}
	c.state = next
	c.mu.Unlock()
	c.states.publish(next)

	logrus.Infof("session: connected to %s", id)
	return nil
}

// Disconnect tears the link down. Safe to call from any state; never blocks
// on an observer.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.control = nil
	var publishing *ConnectionState
	if c.state.Kind == StateConnected || c.state.Kind == StateConnecting {
		next := ConnectionState{Kind: StateDisconnecting, Peripheral: c.state.Peripheral}
		c.state = next
		publishing = &next
	}
	c.mu.Unlock()
	if publishing != nil {
		c.states.publish(*publishing)
	}

	// An armed ritual step dies with the link; stored baselines stay intact.
	c.engine.Cancel()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			logrus.Warnf("session: disconnect: %v", err)
		}
	} else {
		c.settleIdle()
	}
}

// handleDrop is the single path for link loss, whether we or the bottle
// initiated it. Radio resources are already released by the transport's own
// cleanup before this runs.
func (c *Coordinator) handleDrop(id string) {
	c.engine.Cancel()

	c.mu.Lock()
	c.conn = nil
	c.control = nil
	if c.state.Kind != StateConnected && c.state.Kind != StateConnecting && c.state.Kind != StateDisconnecting {
		// Faulted and Idle stand; a late drop callback must not clobber them.
		c.mu.Unlock()
		return
	}
	next := ConnectionState{Kind: StateIdle}
	c.state = next
	c.mu.Unlock()

	logrus.Infof("session: link to %s closed", id)
	c.states.publish(next)
}

func (c *Coordinator) settleIdle() {
	c.mu.Lock()
	if c.state.Kind != StateDisconnecting {
		c.mu.Unlock()
		return
	}
	next := ConnectionState{Kind: StateIdle}
	c.state = next
	c.mu.Unlock()
	c.states.publish(next)
}

// fault records a transport failure and tears down any live link, so the
// next attempt starts clean instead of stacking a second link on top of the
// faulted one. It is cleared implicitly by the next StartScan or Connect;
// this core never retries on its own.
func (c *Coordinator) fault(err error) {
	next := faultState(err)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.control = nil
	c.state = next
	c.mu.Unlock()
	c.states.publish(next)

	if conn != nil {
		if derr := conn.Disconnect(); derr != nil {
			logrus.Warnf("session: dropping faulted link: %v", derr)
		}
	}
}

func faultState(err error) ConnectionState {
	kind, ok := ble.KindOf(err)
	if !ok {
		kind = ble.KindRadioUnavailable
	}
	return ConnectionState{Kind: StateFaulted, FaultKind: kind, FaultMsg: err.Error()}
}

// SetActiveSubject rebinds which subject subsequent readings are attributed
// to and loads that subject's calibration. An empty id unbinds (readings
// still reach observers, but not accounting).
func (c *Coordinator) SetActiveSubject(id string) error {
	c.mu.Lock()
	c.subjectID = id
	c.mu.Unlock()

	if id == "" {
		c.engine.SetCurrent(calibration.Calibration{})
		return nil
	}
	return c.reloadCalibration(id)
}

func (c *Coordinator) reloadCalibration(subjectID string) error {
	cal, found, err := c.store.Load(subjectID)
	if err != nil {
		logrus.Errorf("session: loading calibration for %s: %v", subjectID, err)
		return err
	}
	if !found {
		cal = calibration.Calibration{}
		logrus.Debugf("session: no stored calibration for %s", subjectID)
	}
	c.engine.SetCurrent(cal)
	return nil
}

// BeginCalibration arms the given ritual step and tells the firmware to hold
// its reporting cadence steady while the window collects.
func (c *Coordinator) BeginCalibration(step calibration.Step) error {
	var wireStep string
	switch step {
	case calibration.StepEmpty:
		wireStep = calStepStartEmpty
	case calibration.StepFull:
		wireStep = calStepStartFull
	default:
		return calibration.ErrNotCollecting
	}
	payload, err := calibrationCommand(wireStep)
	if err != nil {
		return err
	}
	if err := c.write(payload); err != nil {
		return err
	}
	c.engine.Begin(step)
	return nil
}

// CompleteCalibration validates and stamps the calibration, persists it for
// the active subject, and notifies the firmware. Returns
// calibration.ErrInvalid when the ritual produced inverted baselines; the
// previously stored calibration is left untouched in that case.
func (c *Coordinator) CompleteCalibration(capacityML uint32) error {
	if err := c.engine.Complete(capacityML); err != nil {
		return err
	}

	c.mu.Lock()
	subject := c.subjectID
	c.mu.Unlock()
	if subject != "" {
		if err := c.store.Save(subject, c.engine.Current()); err != nil {
			return err
		}
	} else {
		logrus.Warn("session: calibration completed with no active subject; not persisted")
	}

	if payload, err := calibrationCommand(calStepComplete); err == nil {
		if err := c.write(payload); err != nil {
			logrus.Warnf("session: notifying firmware of calibration completion: %v", err)
		}
	}
	return nil
}

// FeedCalibrationReading offers one distance reading to the armed ritual
// step. Readings arriving over the link are routed automatically; this is
// for collaborators that source readings elsewhere.
func (c *Coordinator) FeedCalibrationReading(distanceMM float64) (bool, error) {
	return c.engine.Feed(distanceMM)
}

// handleReading is the per-reading dispatch: calibration routing, the
// physical-sanity gate, level computation, observer fan-out, accounting.
func (c *Coordinator) handleReading(r telemetry.Reading) {
	// The engine consumes the reading only while a step is armed, and its
	// internal lock guarantees a reading lands in at most one step.
	if _, err := c.engine.Feed(r.DistanceMM); err != nil {
		logrus.Warnf("session: calibration ritual failed: %v", err)
	}

	lvl := c.computeLevel(r)
	c.readings.publish(ReadingEvent{Reading: r, Level: lvl})

	c.mu.Lock()
	subject := c.subjectID
	sink := c.sink
	c.mu.Unlock()

	if subject == "" {
		// No subject bound: generic observers got the reading, accounting
		// does not.
		return
	}
	if sink != nil && lvl.Source == LevelCalibrated {
		sink.Record(ConsumptionEvent{SubjectID: subject, VolumeML: lvl.VolumeML, Timestamp: r.Timestamp})
	}
}

// computeLevel applies the validity gate, then the calibration, then the
// firmware's own percentage as a last resort.
func (c *Coordinator) computeLevel(r telemetry.Reading) Level {
	if r.DistanceMM < c.opts.MinValidDistanceMM {
		return Level{Pct: 0, Source: LevelNoBottle}
	}
	cal := c.engine.Current()
	if cal.Complete && cal.Valid() {
		return Level{
			Pct:      cal.LevelPct(r.DistanceMM),
			VolumeML: cal.VolumeML(r.DistanceMM),
			Source:   LevelCalibrated,
		}
	}
	if r.RawLevelPct != nil {
		pct := *r.RawLevelPct
		if pct < 0 {
			pct = 0
		} else if pct > 100 {
			pct = 100
		}
		return Level{Pct: pct, Source: LevelDeviceReported}
	}
	return Level{Source: LevelUnknown}
}

// EnterSleep asks the bottle to deep-sleep for the given number of minutes.
// The bottle drops the link itself, so after a grace period the state is
// optimistically marked Disconnecting.
func (c *Coordinator) EnterSleep(durationMinutes uint32) error {
	payload, err := deepSleepCommand(durationMinutes)
	if err != nil {
		return err
	}
	if err := c.write(payload); err != nil {
		return err
	}
	logrus.Infof("session: deep sleep requested (%dmin)", durationMinutes)

	time.AfterFunc(c.opts.SleepGrace, func() {
		c.mu.Lock()
		if c.state.Kind != StateConnected {
			c.mu.Unlock()
			return
		}
		next := ConnectionState{Kind: StateDisconnecting, Peripheral: c.state.Peripheral}
		c.state = next
		c.mu.Unlock()
		c.states.publish(next)
	})
	return nil
}

// Wake nudges a dozing bottle back to its reporting cadence.
func (c *Coordinator) Wake() error {
	return c.SendRawCommand("wake")
}

// UpdateDeviceConfig pushes firmware settings to the bottle.
func (c *Coordinator) UpdateDeviceConfig(config map[string]any) error {
	payload, err := configUpdateCommand(config)
	if err != nil {
		return err
	}
	return c.write(payload)
}

// SendRawCommand writes an arbitrary command string to the control
// characteristic, for firmware commands this core does not model.
func (c *Coordinator) SendRawCommand(cmd string) error {
	return c.write([]byte(cmd))
}

// write sends payload over the control characteristic. A transport failure
// faults the connection state per the propagation policy.
func (c *Coordinator) write(payload []byte) error {
	c.mu.Lock()
	ctl := c.control
	connected := c.state.Kind == StateConnected
	c.mu.Unlock()

	if !connected || ctl == nil {
		return &ble.Error{Kind: ble.KindNotConnected}
	}
	if err := ctl.Write(payload); err != nil {
		c.fault(err)
		return err
	}
	return nil
}

// Shutdown stops scanning, drops any link, and releases the radio. The
// coordinator is unusable afterwards.
func (c *Coordinator) Shutdown() {
	c.StopScan()
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	logrus.Info("session: coordinator shut down")
}
