package goble

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemcp/internal/hardware"
)

// client wraps a live ble.Client and its discovered profile.
type client struct {
	address string
	cli     ble.Client
	logger  *logrus.Logger

	services []*hardware.Service

	// Lookup tables built from the discovered profile.
	charByUUID   map[string]*ble.Characteristic
	descByHandle map[uint16]*ble.Descriptor

	writeMu sync.Mutex
}

func newClient(address string, cli ble.Client, profile *ble.Profile, logger *logrus.Logger) *client {
	c := &client{
		address:      address,
		cli:          cli,
		logger:       logger,
		charByUUID:   make(map[string]*ble.Characteristic),
		descByHandle: make(map[uint16]*ble.Descriptor),
	}

	for _, svc := range profile.Services {
		snapshot := &hardware.Service{UUID: hardware.NormalizeUUID(svc.UUID.String())}
		for _, char := range svc.Characteristics {
			charUUID := hardware.NormalizeUUID(char.UUID.String())
			c.charByUUID[charUUID] = char

			cs := &hardware.Characteristic{
				UUID:       charUUID,
				Properties: propertyNames(char.Property),
				Handle:     char.Handle,
			}
			for _, desc := range char.Descriptors {
				c.descByHandle[desc.Handle] = desc
				cs.Descriptors = append(cs.Descriptors, &hardware.Descriptor{
					UUID:   hardware.NormalizeUUID(desc.UUID.String()),
					Handle: desc.Handle,
				})
			}
			sort.Slice(cs.Descriptors, func(i, j int) bool {
				return cs.Descriptors[i].Handle < cs.Descriptors[j].Handle
			})
			snapshot.Characteristics = append(snapshot.Characteristics, cs)
		}
		sort.Slice(snapshot.Characteristics, func(i, j int) bool {
			return snapshot.Characteristics[i].UUID < snapshot.Characteristics[j].UUID
		})
		c.services = append(c.services, snapshot)
	}
	sort.Slice(c.services, func(i, j int) bool {
		return c.services[i].UUID < c.services[j].UUID
	})

	return c
}

// propertyNames renders the property bit flags in the conventional
// lowercase form ("read", "write-without-response", ...).
func propertyNames(p ble.Property) []string {
	var names []string
	if p&ble.CharBroadcast != 0 {
		names = append(names, "broadcast")
	}
	if p&ble.CharRead != 0 {
		names = append(names, "read")
	}
	if p&ble.CharWriteNR != 0 {
		names = append(names, "write-without-response")
	}
	if p&ble.CharWrite != 0 {
		names = append(names, "write")
	}
	if p&ble.CharNotify != 0 {
		names = append(names, "notify")
	}
	if p&ble.CharIndicate != 0 {
		names = append(names, "indicate")
	}
	if p&ble.CharSignedWrite != 0 {
		names = append(names, "authenticated-signed-writes")
	}
	if p&ble.CharExtended != 0 {
		names = append(names, "extended-properties")
	}
	return names
}

func (c *client) Address() string { return c.address }

func (c *client) IsConnected() bool {
	select {
	case <-c.cli.Disconnected():
		return false
	default:
		return true
	}
}

func (c *client) MTU() int {
	return c.cli.Conn().TxMTU()
}

func (c *client) DiscoverServices() ([]*hardware.Service, error) {
	return c.services, nil
}

func (c *client) characteristic(charUUID string) (*ble.Characteristic, error) {
	char, ok := c.charByUUID[hardware.NormalizeUUID(charUUID)]
	if !ok {
		return nil, fmt.Errorf("characteristic %q not found", charUUID)
	}
	return char, nil
}

func (c *client) Read(charUUID string) ([]byte, error) {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return nil, err
	}
	data, err := c.cli.ReadCharacteristic(char)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %q: %w", charUUID, err)
	}
	return data, nil
}

func (c *client) Write(charUUID string, value []byte, withResponse bool) error {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.cli.WriteCharacteristic(char, value, !withResponse); err != nil {
		return fmt.Errorf("failed to write characteristic %q: %w", charUUID, err)
	}
	return nil
}

func (c *client) descriptor(handle uint16) (*ble.Descriptor, error) {
	desc, ok := c.descByHandle[handle]
	if !ok {
		return nil, fmt.Errorf("descriptor handle %d not found", handle)
	}
	return desc, nil
}

func (c *client) ReadDescriptor(handle uint16) ([]byte, error) {
	desc, err := c.descriptor(handle)
	if err != nil {
		return nil, err
	}
	data, err := c.cli.ReadDescriptor(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor %d: %w", handle, err)
	}
	return data, nil
}

func (c *client) WriteDescriptor(handle uint16, value []byte) error {
	desc, err := c.descriptor(handle)
	if err != nil {
		return err
	}
	if err := c.cli.WriteDescriptor(desc, value); err != nil {
		return fmt.Errorf("failed to write descriptor %d: %w", handle, err)
	}
	return nil
}

func (c *client) StartNotify(charUUID string, fn func(data []byte)) error {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}

	// Prefer notifications; fall back to indications when the
	// characteristic only supports those.
	indicate := char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate != 0
	if err := c.cli.Subscribe(char, indicate, func(data []byte) { fn(data) }); err != nil {
		return fmt.Errorf("failed to subscribe to %q: %w", charUUID, err)
	}
	return nil
}

func (c *client) StopNotify(charUUID string) error {
	char, err := c.characteristic(charUUID)
	if err != nil {
		return err
	}

	err1 := c.cli.Unsubscribe(char, false) // notify
	err2 := c.cli.Unsubscribe(char, true)  // indicate

	// Only report failure if both modes failed.
	if err1 != nil && err2 != nil {
		c.logger.WithFields(logrus.Fields{
			"char_uuid":    charUUID,
			"notify_err":   err1,
			"indicate_err": err2,
		}).Error("Failed to unsubscribe from characteristic notifications")
		return fmt.Errorf("unsubscribe %q: notify=%v, indicate=%v", charUUID, err1, err2)
	}
	return nil
}

func (c *client) Disconnect() error {
	if !c.IsConnected() {
		return nil
	}
	return c.cli.CancelConnection()
}

func (c *client) Disconnected() <-chan struct{} {
	return c.cli.Disconnected()
}
