// Package hardware defines the boundary to the underlying BLE radio stack.
// The session layer talks only to these interfaces; the goble subpackage
// implements them over go-ble, and hardwaretest provides a scripted mock.
package hardware

import (
	"context"
)

// Advertisement is one discovery event as reported by the radio.
// RSSI and TxPower are nil when the platform did not report them.
type Advertisement struct {
	Address          string
	Name             string
	RSSI             *int
	TxPower          *int
	Connectable      bool
	ServiceUUIDs     []string
	ManufacturerData []byte
	ServiceData      map[string][]byte
}

// Descriptor is one GATT descriptor in a discovery snapshot.
type Descriptor struct {
	UUID   string
	Handle uint16
}

// Characteristic is one GATT characteristic in a discovery snapshot.
type Characteristic struct {
	UUID        string
	Properties  []string
	Handle      uint16
	Descriptors []*Descriptor
}

// Service is one GATT service in a discovery snapshot.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// Client is a live link to one peripheral. All methods may fail at any time:
// the link can drop asynchronously, signalled via Disconnected.
type Client interface {
	Address() string
	IsConnected() bool

	// MTU returns the negotiated ATT MTU for the link.
	MTU() int

	// DiscoverServices returns the peripheral's GATT tree. The walk happens
	// when the link is established; callers cache the returned snapshot.
	DiscoverServices() ([]*Service, error)

	// Read and Write address characteristics by normalized UUID
	// (lowercase full 128-bit form).
	Read(charUUID string) ([]byte, error)
	Write(charUUID string, value []byte, withResponse bool) error

	// Descriptors are addressed by their numeric GATT handle, as reported
	// in the discovery snapshot.
	ReadDescriptor(handle uint16) ([]byte, error)
	WriteDescriptor(handle uint16, value []byte) error

	// StartNotify enables notifications/indications on a characteristic and
	// invokes fn for every incoming value. fn runs on the radio stack's own
	// goroutine and must not block.
	StartNotify(charUUID string, fn func(data []byte)) error
	StopNotify(charUUID string) error

	// Disconnect tears the link down. Idempotent.
	Disconnect() error

	// Disconnected is closed when the link is lost, whether by Disconnect
	// or by the peripheral going away.
	Disconnected() <-chan struct{}
}

// ScanFilter restricts which advertisements a scan reports.
// The filter is applied by the radio layer, not re-checked by callers.
type ScanFilter struct {
	ServiceUUIDs []string
}

// Stopper ends a running background scan. Idempotent.
type Stopper interface {
	Stop() error
}

// Transport creates peripheral links and background scans.
type Transport interface {
	// Dial connects to a peripheral. The context bounds the whole attempt;
	// pair requests bonding during connect where the platform supports it.
	Dial(ctx context.Context, address string, pair bool) (Client, error)

	// StartScan begins background discovery and returns once the hardware
	// scan is actually running. h is invoked on the radio stack's goroutine
	// for every matching advertisement.
	StartScan(filter ScanFilter, h func(Advertisement)) (Stopper, error)
}
