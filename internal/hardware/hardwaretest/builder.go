package hardwaretest

import (
	"github.com/srg/blemcp/internal/hardware"
)

// PeripheralBuilder configures a mock Peripheral fluently:
//
//	p := hardwaretest.NewPeripheral("AA:BB:CC:DD:EE:FF").
//	    WithName("HRM").
//	    WithService("180d").
//	    WithCharacteristic("2a37", "read", "notify").
//	    WithValue([]byte{0x50}).
//	    Build()
type PeripheralBuilder struct {
	p        *Peripheral
	lastSvc  *hardware.Service
	lastChar *hardware.Characteristic
}

// NewPeripheral starts a builder for the given address.
func NewPeripheral(address string) *PeripheralBuilder {
	return &PeripheralBuilder{
		p: &Peripheral{
			Address:          address,
			ReadValues:       make(map[string][]byte),
			DescriptorValues: make(map[uint16][]byte),
			ReadErrors:       make(map[string][]error),
		},
	}
}

// WithName sets the advertised device name.
func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.p.Name = name
	return b
}

// WithMTU sets the negotiated MTU.
func (b *PeripheralBuilder) WithMTU(mtu int) *PeripheralBuilder {
	b.p.MTU = mtu
	return b
}

// WithLoopback makes written values readable back.
func (b *PeripheralBuilder) WithLoopback() *PeripheralBuilder {
	b.p.Loopback = true
	return b
}

// WithService appends a GATT service; subsequent characteristics attach to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	svc := &hardware.Service{UUID: hardware.NormalizeUUID(uuid)}
	b.p.Services = append(b.p.Services, svc)
	b.lastSvc = svc
	b.lastChar = nil
	return b
}

// WithCharacteristic appends a characteristic to the last service.
func (b *PeripheralBuilder) WithCharacteristic(uuid string, properties ...string) *PeripheralBuilder {
	if b.lastSvc == nil {
		b.WithService("180a")
	}
	char := &hardware.Characteristic{
		UUID:       hardware.NormalizeUUID(uuid),
		Properties: properties,
		Handle:     uint16(len(b.p.ReadValues)*4 + 3),
	}
	b.lastSvc.Characteristics = append(b.lastSvc.Characteristics, char)
	b.lastChar = char
	return b
}

// WithValue sets the read value of the last characteristic.
func (b *PeripheralBuilder) WithValue(value []byte) *PeripheralBuilder {
	if b.lastChar != nil {
		b.p.ReadValues[b.lastChar.UUID] = value
	}
	return b
}

// WithReadErrors scripts failures for reads of the last characteristic,
// consumed before the real value is served.
func (b *PeripheralBuilder) WithReadErrors(errs ...error) *PeripheralBuilder {
	if b.lastChar != nil {
		b.p.ReadErrors[b.lastChar.UUID] = errs
	}
	return b
}

// WithDescriptor appends a descriptor to the last characteristic.
func (b *PeripheralBuilder) WithDescriptor(handle uint16, uuid string, value []byte) *PeripheralBuilder {
	if b.lastChar != nil {
		b.lastChar.Descriptors = append(b.lastChar.Descriptors, &hardware.Descriptor{
			UUID:   hardware.NormalizeUUID(uuid),
			Handle: handle,
		})
		b.p.DescriptorValues[handle] = value
	}
	return b
}

// Build returns the configured peripheral.
func (b *PeripheralBuilder) Build() *Peripheral {
	return b.p
}

// Adv is a convenience constructor for test advertisements.
func Adv(address, name string, rssi int, serviceUUIDs ...string) hardware.Advertisement {
	r := rssi
	normalized := make([]string, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		normalized = append(normalized, hardware.NormalizeUUID(u))
	}
	return hardware.Advertisement{
		Address:      address,
		Name:         name,
		RSSI:         &r,
		Connectable:  true,
		ServiceUUIDs: normalized,
	}
}
