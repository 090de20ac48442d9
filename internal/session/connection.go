package session

import (
	"time"

	"github.com/srg/blemcp/internal/hardware"
)

// ConnectionInfo is a point-in-time summary of a connection session.
type ConnectionInfo struct {
	Handle             string
	Address            string
	Name               string
	AdvertisedServices []string
	Connected          bool
	ConnectedAt        time.Time
	DisconnectedAt     time.Time
	MTU                int
	Subscriptions      int
}

// connSession tracks one peripheral link. Bookkeeping fields are owned by
// the registry coordinator; the hardware client is handed out to caller
// goroutines for I/O so slow GATT traffic never runs on the coordinator.
type connSession struct {
	handle  string
	address string
	client  hardware.Client

	connected      bool
	connectedAt    time.Time
	disconnectedAt time.Time
	lastActivity   time.Time

	// name and advertised are device identity learned from scan tables at
	// connect time, when any scan saw the address.
	name       string
	advertised []string

	// services is a write-once cache filled by the first successful GATT
	// discovery walk. Nil until then, immutable after.
	services []*hardware.Service

	// subs indexes live subscriptions by normalized characteristic UUID.
	subs map[string]*subscription
}

func newConnSession(handle, address, name string, client hardware.Client, now time.Time) *connSession {
	return &connSession{
		handle:       handle,
		address:      address,
		name:         name,
		client:       client,
		connected:    true,
		connectedAt:  now,
		lastActivity: now,
		subs:         make(map[string]*subscription),
	}
}

// setServices fills the discovery cache. First writer wins; later calls are
// ignored so the snapshot stays immutable once published.
func (c *connSession) setServices(services []*hardware.Service) {
	if c.services == nil {
		c.services = services
	}
}

func (c *connSession) touch(now time.Time) {
	c.lastActivity = now
}

// markDisconnected flips the session dead and detaches its subscriptions.
// Idempotent; transitioned is true only on the first call so the caller can
// unindex the returned subscriptions and fire hooks exactly once.
func (c *connSession) markDisconnected(now time.Time) (torn []*subscription, transitioned bool) {
	if !c.connected {
		return nil, false
	}
	c.connected = false
	c.disconnectedAt = now
	torn = make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		sub.detach()
		torn = append(torn, sub)
	}
	c.subs = make(map[string]*subscription)
	return torn, true
}

func (c *connSession) info() ConnectionInfo {
	mtu := 0
	if c.connected && c.client != nil {
		mtu = c.client.MTU()
	}
	return ConnectionInfo{
		Handle:             c.handle,
		Address:            c.address,
		Name:               c.name,
		AdvertisedServices: c.advertised,
		Connected:          c.connected,
		ConnectedAt:        c.connectedAt,
		DisconnectedAt:     c.disconnectedAt,
		MTU:                mtu,
		Subscriptions:      len(c.subs),
	}
}
