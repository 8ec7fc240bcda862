package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrosense/bottlelink/internal/ble"
)

// mockCharacteristic records writes and allows simulating notifications.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	writeErr error
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SimulateNotification delivers a raw payload to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *mockCharacteristic) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

// mockConnection simulates a connected bottle.
type mockConnection struct {
	mu           sync.Mutex
	telChar      *mockCharacteristic
	ctlChar      *mockCharacteristic
	disconnectCb func()
	disconnected bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		telChar: &mockCharacteristic{},
		ctlChar: &mockCharacteristic{},
	}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	switch charUUID {
	case ble.TelemetryCharUUID:
		return c.telChar, nil
	case ble.ControlCharUUID:
		return c.ctlChar, nil
	default:
		return nil, &ble.Error{Kind: ble.KindCharacteristicNotFound}
	}
}

// Disconnect mirrors the hardware connection: teardown runs the registered
// disconnect callback through the same cleanup path as a peripheral drop.
func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}
	c.disconnected = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDrop triggers a peripheral-initiated disconnect.
func (c *mockConnection) SimulateDrop() {
	c.Disconnect()
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// mockAdapter simulates the radio.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []ble.Peripheral
	connection *mockConnection

	connectDelay time.Duration
	connectErr   error
	scanErr      error
	scanHold     bool // block the scan until its context expires

	connectCount atomic.Int32
}

func newMockAdapter(devices []ble.Peripheral) *mockAdapter {
	return &mockAdapter{devices: devices}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(ctx context.Context, _ ble.ScanFilter, found func(ble.Peripheral)) ([]ble.Peripheral, error) {
	if a.scanErr != nil {
		return nil, a.scanErr
	}
	if found != nil {
		for _, d := range a.devices {
			found(d)
		}
	}
	if a.scanHold {
		<-ctx.Done()
	}
	return a.devices, nil
}

func (a *mockAdapter) Connect(ctx context.Context, _ string) (ble.Connection, error) {
	a.connectCount.Add(1)
	if a.connectDelay > 0 {
		select {
		case <-time.After(a.connectDelay):
		case <-ctx.Done():
			return nil, &ble.Error{Kind: ble.KindConnectTimeout, Err: ctx.Err()}
		}
	}
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := newMockConnection()
	a.mu.Lock()
	a.connection = conn
	a.mu.Unlock()
	return conn, nil
}

// latestConnection returns the most recently created connection.
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

var _ ble.Adapter = (*mockAdapter)(nil)
