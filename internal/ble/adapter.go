// Package ble owns the radio link to the smart bottle: discovery, connection,
// GATT service resolution, and the raw read/write/notify primitives. Everything
// above it sees an abstract connected byte stream with structured writes.
package ble

import (
	"context"
	"time"
)

// Smart bottle GATT identifiers. The firmware exposes a single service with a
// notify characteristic for telemetry and a write characteristic for commands.
const (
	ServiceUUID       = "0000ffe0-0000-1000-8000-00805f9b34fb"
	TelemetryCharUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
	ControlCharUUID   = "0000ffe2-0000-1000-8000-00805f9b34fb"

	// DefaultNamePrefix matches bottles that advertise a name but not the
	// service UUID (older firmware omits it from the advertisement).
	DefaultNamePrefix = "SmartBottle"

	DefaultScanTimeout    = 15 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Peripheral identifies a discovered bottle. Valid only within the scan
// session that produced it; a new scan yields fresh handles.
type Peripheral struct {
	ID   string // platform address (MAC, or CoreBluetooth UUID on macOS)
	Name string
	RSSI int
}

// ScanFilter selects which advertisements count as bottles.
type ScanFilter struct {
	ServiceUUID string // match on advertised service UUID
	NamePrefix  string // fallback match on advertised local name
}

// Characteristic is a resolved GATT characteristic on a live connection.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Connection is an active link to a bottle.
type Connection interface {
	// DiscoverCharacteristic resolves a characteristic by UUID. If the exact
	// UUID is absent the implementation falls back to the first characteristic
	// of the service that supports the needed capability.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection. Safe to call more than once.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops,
	// whichever side initiated it.
	OnDisconnect(callback func())
}

// Adapter abstracts the radio hardware so the session layer can be tested
// against a mock.
type Adapter interface {
	// Enable powers on the radio. Returns a Kind-tagged error when the radio
	// is off or the OS denied access.
	Enable() error
	// Scan discovers peripherals matching filter until ctx is done. Each
	// newly seen peripheral is also delivered to found (if non-nil) as the
	// result set grows. Calling Scan while a scan is running joins the
	// in-progress scan instead of erroring.
	Scan(ctx context.Context, filter ScanFilter, found func(Peripheral)) ([]Peripheral, error)
	// Connect establishes a link to the peripheral with the given ID. On
	// failure the adapter is left idle, never half-connected.
	Connect(ctx context.Context, id string) (Connection, error)
}
