// Package ble adapts the callback-driven vendor Bluetooth Low Energy
// framework into a channel-producing, cancellable API. It defines the
// stack abstraction (peripherals, services, characteristics) and the
// connection manager that owns a single managed peripheral, drives its
// service discovery, and publishes the discovered capability handles.
package ble

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// GATT identifiers for the services and characteristics pulselight uses.
// Heart Rate (0x180D) and Automation IO (0x1815) are Bluetooth SIG
// assigned numbers in their 128-bit form.
const (
	HeartRateServiceUUID     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"
	AutomationIOServiceUUID  = "00001815-0000-1000-8000-00805f9b34fb"
	LEDControlUUID           = "00002a56-0000-1000-8000-00805f9b34fb"
)

// Error kinds reported by discovery operations. Implementations wrap these
// so callers can match with errors.Is regardless of the vendor framework's
// own error values.
var (
	ErrNotFound = errors.New("ble: attribute not found")
	ErrLinkLost = errors.New("ble: link lost")
)

// Phase is a connection lifecycle phase as reported by the BLE stack.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState is one element of the state sequence produced by
// Peripheral.Connect. Err is set only when Phase is PhaseFailed.
type ConnectionState struct {
	Phase Phase
	Err   error
}

// Advertisement describes a peripheral seen during a scan.
type Advertisement struct {
	ID   uuid.UUID
	Name string
	RSSI int
}

// Characteristic represents a BLE GATT characteristic on a connected
// peripheral.
type Characteristic interface {
	// UUID returns the characteristic identifier in 128-bit text form.
	UUID() string
	// Read fetches the current value.
	Read(ctx context.Context) ([]byte, error)
	// Write sends data to the characteristic.
	Write(ctx context.Context, data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Service represents a BLE GATT service on a connected peripheral.
type Service interface {
	// UUID returns the service identifier in 128-bit text form.
	UUID() string
	// DiscoverCharacteristic finds a characteristic by UUID within this service.
	DiscoverCharacteristic(ctx context.Context, charUUID string) (Characteristic, error)
}

// Peripheral is a handle to a remote BLE device known to the stack.
type Peripheral interface {
	// ID returns the stable identifier of the peripheral.
	ID() uuid.UUID
	// Name returns the advertised local name, possibly empty.
	Name() string
	// Connect asks the stack to establish a link and returns the attempt's
	// state sequence. The channel is closed when ctx is cancelled or the
	// attempt ends in a terminal failure.
	Connect(ctx context.Context) <-chan ConnectionState
	// Disconnect tears the link down and returns once the stack reports the
	// disconnected state, or with an error when ctx expires first.
	Disconnect(ctx context.Context) error
	// DiscoverService finds a service by UUID on the connected peripheral.
	DiscoverService(ctx context.Context, serviceUUID string) (Service, error)
}

// Stack abstracts the vendor BLE framework for testing.
type Stack interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals advertising the given service UUID until
	// ctx is cancelled or times out.
	Scan(ctx context.Context, serviceUUID string) ([]Advertisement, error)
	// Lookup resolves a peripheral handle by identifier. The second return
	// is false when the device is not currently known to the stack.
	Lookup(id uuid.UUID) (Peripheral, bool)
}
