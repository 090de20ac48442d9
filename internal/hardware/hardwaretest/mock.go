// Package hardwaretest provides a scripted in-memory implementation of the
// hardware boundary for tests: configurable peripherals, injectable
// notifications, triggerable disconnects, and scripted failures.
package hardwaretest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/blemcp/internal/hardware"
)

// Peripheral describes one mock device a Transport can dial.
type Peripheral struct {
	Address  string
	Name     string
	MTU      int
	Services []*hardware.Service

	// ReadValues holds the value returned for each characteristic,
	// keyed by normalized UUID.
	ReadValues map[string][]byte

	// DescriptorValues holds descriptor values keyed by GATT handle.
	DescriptorValues map[uint16][]byte

	// Loopback makes writes to a characteristic visible to subsequent
	// reads of the same characteristic.
	Loopback bool

	// ReadErrors scripts failures: each Read of the UUID consumes one
	// error from the queue before real values are served.
	ReadErrors map[string][]error

	// DialDelay delays Dial, for exercising connect deadlines.
	DialDelay time.Duration
}

// WriteOp records one write the mock received.
type WriteOp struct {
	CharUUID     string
	Handle       uint16 // descriptor writes only
	Value        []byte
	WithResponse bool
	Descriptor   bool
}

// Transport is a scripted hardware.Transport.
type Transport struct {
	mu            sync.Mutex
	peripherals   map[string]*Peripheral
	dialErrors    map[string][]error
	startScanErrs []error
	clients       map[string]*Client
	scans         []*mockScan
}

// NewTransport creates an empty mock transport.
func NewTransport() *Transport {
	return &Transport{
		peripherals: make(map[string]*Peripheral),
		dialErrors:  make(map[string][]error),
		clients:     make(map[string]*Client),
	}
}

// AddPeripheral registers a dialable peripheral.
func (t *Transport) AddPeripheral(p *Peripheral) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peripherals[p.Address] = p
	return t
}

// QueueDialError scripts errors for upcoming dials of address, consumed in
// order before a real connection is handed out.
func (t *Transport) QueueDialError(address string, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErrors[address] = append(t.dialErrors[address], errs...)
}

// QueueStartScanError scripts a failure for the next StartScan call.
func (t *Transport) QueueStartScanError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startScanErrs = append(t.startScanErrs, err)
}

// Client returns the most recently dialed client for address, or nil.
func (t *Transport) Client(address string) *Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clients[address]
}

// Dial implements hardware.Transport.
func (t *Transport) Dial(ctx context.Context, address string, _ bool) (hardware.Client, error) {
	t.mu.Lock()
	if errs := t.dialErrors[address]; len(errs) > 0 {
		err := errs[0]
		t.dialErrors[address] = errs[1:]
		t.mu.Unlock()
		return nil, err
	}
	p, ok := t.peripherals[address]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connect timeout: no peripheral at %q", address)
	}

	if p.DialDelay > 0 {
		select {
		case <-time.After(p.DialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Client{
		peripheral:     p,
		disconnected:   make(chan struct{}),
		notifyHandlers: make(map[string]func([]byte)),
		readValues:     make(map[string][]byte, len(p.ReadValues)),
		readErrors:     make(map[string][]error, len(p.ReadErrors)),
	}
	for k, v := range p.ReadValues {
		c.readValues[k] = append([]byte(nil), v...)
	}
	for k, v := range p.ReadErrors {
		c.readErrors[k] = append([]error(nil), v...)
	}

	t.mu.Lock()
	t.clients[address] = c
	t.mu.Unlock()
	return c, nil
}

type mockScan struct {
	transport *Transport
	filter    hardware.ScanFilter
	handler   func(hardware.Advertisement)

	mu      sync.Mutex
	stopped bool
}

func (s *mockScan) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *mockScan) deliver(adv hardware.Advertisement) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if len(s.filter.ServiceUUIDs) > 0 && !advertises(adv, s.filter.ServiceUUIDs) {
		return
	}
	s.handler(adv)
}

func advertises(adv hardware.Advertisement, uuids []string) bool {
	for _, required := range uuids {
		want := hardware.NormalizeUUID(required)
		for _, got := range adv.ServiceUUIDs {
			if hardware.NormalizeUUID(got) == want {
				return true
			}
		}
	}
	return false
}

// StartScan implements hardware.Transport. Advertisements are delivered via
// Advertise, not automatically.
func (t *Transport) StartScan(filter hardware.ScanFilter, h func(hardware.Advertisement)) (hardware.Stopper, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.startScanErrs) > 0 {
		err := t.startScanErrs[0]
		t.startScanErrs = t.startScanErrs[1:]
		return nil, err
	}
	scan := &mockScan{transport: t, filter: filter, handler: h}
	t.scans = append(t.scans, scan)
	return scan, nil
}

// Advertise emits an advertisement to every running scan, subject to each
// scan's own filter.
func (t *Transport) Advertise(adv hardware.Advertisement) {
	t.mu.Lock()
	scans := append([]*mockScan(nil), t.scans...)
	t.mu.Unlock()
	for _, s := range scans {
		s.deliver(adv)
	}
}

// Client is the mock hardware.Client handed out by Transport.Dial.
type Client struct {
	peripheral *Peripheral

	mu             sync.Mutex
	closed         bool
	disconnected   chan struct{}
	notifyHandlers map[string]func([]byte)
	readValues     map[string][]byte
	readErrors     map[string][]error
	writes         []WriteOp
	descValues     map[uint16][]byte
}

func (c *Client) Address() string { return c.peripheral.Address }

func (c *Client) IsConnected() bool {
	select {
	case <-c.disconnected:
		return false
	default:
		return true
	}
}

func (c *Client) MTU() int {
	if c.peripheral.MTU > 0 {
		return c.peripheral.MTU
	}
	return 23
}

func (c *Client) DiscoverServices() ([]*hardware.Service, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("device disconnected")
	}
	return c.peripheral.Services, nil
}

func (c *Client) Read(charUUID string) ([]byte, error) {
	uuid := hardware.NormalizeUUID(charUUID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if errs := c.readErrors[uuid]; len(errs) > 0 {
		err := errs[0]
		c.readErrors[uuid] = errs[1:]
		return nil, err
	}
	if !c.IsConnected() {
		return nil, fmt.Errorf("device disconnected")
	}
	value, ok := c.readValues[uuid]
	if !ok {
		return nil, fmt.Errorf("characteristic %q not found", charUUID)
	}
	return append([]byte(nil), value...), nil
}

func (c *Client) Write(charUUID string, value []byte, withResponse bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("device disconnected")
	}
	uuid := hardware.NormalizeUUID(charUUID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, WriteOp{
		CharUUID:     uuid,
		Value:        append([]byte(nil), value...),
		WithResponse: withResponse,
	})
	if c.peripheral.Loopback {
		c.readValues[uuid] = append([]byte(nil), value...)
	}
	return nil
}

func (c *Client) ReadDescriptor(handle uint16) ([]byte, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("device disconnected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.descValues != nil {
		if v, ok := c.descValues[handle]; ok {
			return append([]byte(nil), v...), nil
		}
	}
	if v, ok := c.peripheral.DescriptorValues[handle]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, fmt.Errorf("descriptor handle %d not found", handle)
}

func (c *Client) WriteDescriptor(handle uint16, value []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("device disconnected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, WriteOp{
		Handle:     handle,
		Value:      append([]byte(nil), value...),
		Descriptor: true,
	})
	if c.peripheral.Loopback {
		if c.descValues == nil {
			c.descValues = make(map[uint16][]byte)
		}
		c.descValues[handle] = append([]byte(nil), value...)
	}
	return nil
}

func (c *Client) StartNotify(charUUID string, fn func(data []byte)) error {
	if !c.IsConnected() {
		return fmt.Errorf("device disconnected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandlers[hardware.NormalizeUUID(charUUID)] = fn
	return nil
}

func (c *Client) StopNotify(charUUID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notifyHandlers, hardware.NormalizeUUID(charUUID))
	return nil
}

func (c *Client) Disconnect() error {
	c.TriggerDisconnect()
	return nil
}

func (c *Client) Disconnected() <-chan struct{} {
	return c.disconnected
}

// TriggerDisconnect simulates the link dropping. Idempotent.
func (c *Client) TriggerDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.disconnected)
	}
}

// InjectNotification delivers a notification to the subscribed handler, as
// the radio stack would on its own goroutine. Returns false if nothing is
// subscribed to the characteristic.
func (c *Client) InjectNotification(charUUID string, data []byte) bool {
	c.mu.Lock()
	fn := c.notifyHandlers[hardware.NormalizeUUID(charUUID)]
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(data)
	return true
}

// Writes returns a copy of every write the client received.
func (c *Client) Writes() []WriteOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WriteOp(nil), c.writes...)
}

// NotifyActive reports whether a notification handler is currently
// registered for the characteristic.
func (c *Client) NotifyActive(charUUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.notifyHandlers[hardware.NormalizeUUID(charUUID)]
	return ok
}
