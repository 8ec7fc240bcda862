package session

import (
	"fmt"

	"github.com/hydrosense/bottlelink/internal/ble"
)

// StateKind enumerates the phases of the connection lifecycle.
type StateKind int

const (
	StateIdle StateKind = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFaulted
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(k))
	}
}

// ConnectionState is the coordinator's single piece of lifecycle state. One
// instance exists per coordinator and every transition is serialized under
// its lock.
type ConnectionState struct {
	Kind       StateKind
	Peripheral *ble.Peripheral // set while connecting/connected
	FaultKind  ble.Kind        // set when Kind == StateFaulted
	FaultMsg   string          // underlying platform message for the UI
}

// Connected reports whether a live link exists.
func (s ConnectionState) Connected() bool {
	return s.Kind == StateConnected
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case StateConnecting, StateConnected:
		if s.Peripheral != nil {
			return fmt.Sprintf("%s(%s)", s.Kind, s.Peripheral.ID)
		}
		return s.Kind.String()
	case StateFaulted:
		return fmt.Sprintf("faulted(%s)", s.FaultKind)
	default:
		return s.Kind.String()
	}
}
