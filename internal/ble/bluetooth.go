package ble

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// HardwareAdapter wraps tinygo-org/bluetooth. On macOS peripheral IDs are
// CoreBluetooth UUIDs rather than MAC addresses; the ID string is treated as
// opaque throughout.
type HardwareAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects everything below.
	mu          sync.Mutex
	enabled     bool
	scanning    bool
	scanDone    chan struct{}
	scanResults []Peripheral
	scanSinks   []func(Peripheral)
	connections map[string]*hardwareConnection // keyed by peripheral ID
}

// NewHardwareAdapter creates an adapter backed by the platform default radio.
func NewHardwareAdapter() *HardwareAdapter {
	return &HardwareAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*hardwareConnection),
	}
}

// Enable powers on the radio and installs the adapter-level disconnect
// handler. Idempotent.
func (a *HardwareAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}

	if err := a.adapter.Enable(); err != nil {
		return wrapKind(classifyEnableError(err), err)
	}

	// The platform stack fires this (with connected=false) when a peripheral
	// drops the link, including peripheral-initiated disconnects.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.cleanup()
		}
	})

	a.enabled = true
	return nil
}

// classifyEnableError maps platform enable failures onto the error taxonomy.
// tinygo/bluetooth reports these as strings, so matching is best-effort;
// anything unrecognized counts as an unavailable radio.
func classifyEnableError(err error) Kind {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") || strings.Contains(msg, "denied") {
		return KindPermissionDenied
	}
	return KindRadioUnavailable
}

// Scan discovers peripherals matching filter until ctx is done. A second Scan
// while one is running joins it: the caller's found sink is attached to the
// live scan and the shared result set is returned when it finishes.
func (a *HardwareAdapter) Scan(ctx context.Context, filter ScanFilter, found func(Peripheral)) ([]Peripheral, error) {
	if err := a.Enable(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.scanning {
		// Join the in-progress scan.
		done := a.scanDone
		if found != nil {
			a.scanSinks = append(a.scanSinks, found)
			for _, p := range a.scanResults {
				found(p)
			}
		}
		a.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
		}
		a.mu.Lock()
		results := append([]Peripheral(nil), a.scanResults...)
		a.mu.Unlock()
		return results, nil
	}

	a.scanning = true
	a.scanDone = make(chan struct{})
	a.scanResults = nil
	a.scanSinks = nil
	if found != nil {
		a.scanSinks = append(a.scanSinks, found)
	}
	done := a.scanDone
	a.mu.Unlock()

	var serviceUUID bluetooth.UUID
	matchService := false
	if filter.ServiceUUID != "" {
		uuid, err := bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			a.finishScan(done)
			return nil, wrapKind(KindServiceNotFound, err)
		}
		serviceUUID = uuid
		matchService = true
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-stop:
		}
	}()

	seen := make(map[string]bool)
	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if matchService && !result.HasServiceUUID(serviceUUID) {
			if filter.NamePrefix == "" || !strings.HasPrefix(result.LocalName(), filter.NamePrefix) {
				return
			}
		} else if !matchService && filter.NamePrefix != "" && !strings.HasPrefix(result.LocalName(), filter.NamePrefix) {
			return
		}

		id := result.Address.String()
		p := Peripheral{
			ID:   id,
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		}

		a.mu.Lock()
		if seen[id] {
			a.mu.Unlock()
			return
		}
		seen[id] = true
		a.scanResults = append(a.scanResults, p)
		sinks := append(([]func(Peripheral))(nil), a.scanSinks...)
		a.mu.Unlock()

		for _, sink := range sinks {
			sink(p)
		}
	})
	close(stop)

	results := a.finishScan(done)

	if err != nil && ctx.Err() == nil {
		return nil, wrapKind(KindRadioUnavailable, err)
	}
	// Deadline elapsing is the normal end of a scan; the partial set stands.
	return results, nil
}

// finishScan clears the scanning flag and wakes joined callers.
func (a *HardwareAdapter) finishScan(done chan struct{}) []Peripheral {
	a.mu.Lock()
	a.scanning = false
	a.scanSinks = nil
	results := append([]Peripheral(nil), a.scanResults...)
	a.mu.Unlock()
	close(done)
	return results
}

// Connect establishes a link to the peripheral with the given ID, bounded by ctx.
func (a *HardwareAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	if err := a.Enable(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks with its own internal timeout; wrap it
	// so our deadline wins. If the late connect does land after we gave up,
	// tear it down immediately so the adapter is never half-connected.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				if err := result.device.Disconnect(); err != nil {
					logrus.Debugf("ble: dropping late connection to %s: %v", id, err)
				}
			}
		}()
		return nil, wrapKind(KindConnectTimeout, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, wrapKind(KindConnectTimeout, result.err)
		}
		conn := &hardwareConnection{device: &result.device}

		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

var _ Adapter = (*HardwareAdapter)(nil)

type hardwareConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	chars        []bluetooth.DeviceCharacteristic // resolved refs, cleared on cleanup
	disconnectCb func()
	closed       bool
}

// DiscoverCharacteristic resolves charUUID within serviceUUID. If the exact
// characteristic is absent it falls back to the first characteristic the
// service exposes, which covers older bottle firmware that kept the service
// UUID but renumbered its characteristics.
func (c *hardwareConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, wrapKind(KindServiceNotFound, err)
	}
	wantChar, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, wrapKind(KindCharacteristicNotFound, err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(svcs) == 0 {
		return nil, wrapKind(KindServiceNotFound, err)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{wantChar})
	if err != nil || len(chars) == 0 {
		logrus.Debugf("ble: characteristic %s not found, falling back to first available", charUUID)
		chars, err = svcs[0].DiscoverCharacteristics(nil)
		if err != nil || len(chars) == 0 {
			return nil, wrapKind(KindCharacteristicNotFound, err)
		}
	}

	c.mu.Lock()
	c.chars = append(c.chars, chars[0])
	c.mu.Unlock()

	return &hardwareCharacteristic{char: &chars[0]}, nil
}

func (c *hardwareConnection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.device.Disconnect()
	c.cleanup()
	return err
}

// cleanup is the single teardown path for both caller- and
// peripheral-initiated disconnects: release characteristic references first,
// then report the drop.
func (c *hardwareConnection) cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.chars = nil
	cb := c.disconnectCb
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (c *hardwareConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

type hardwareCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *hardwareCharacteristic) Write(data []byte) error {
	if _, err := c.char.WriteWithoutResponse(data); err != nil {
		return wrapKind(KindWriteFailed, err)
	}
	return nil
}

func (c *hardwareCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
