package session

import (
	"sort"
	"strings"
	"time"

	"github.com/srg/blemcp/internal/hardware"
)

// rssiUnknown sorts advertisements without a signal reading to the bottom
// of scan results.
const rssiUnknown = -999

// DiscoveredDevice is one row of a scan's device table. The table keeps the
// latest advertisement per address.
type DiscoveredDevice struct {
	Address          string
	Name             string
	RSSI             *int
	TxPower          *int
	Connectable      bool
	ServiceUUIDs     []string
	ManufacturerData []byte
	ServiceData      map[string][]byte
	LastSeen         time.Time
}

// ScanInfo is a point-in-time summary of a scan session.
type ScanInfo struct {
	Handle      string
	Active      bool
	StartedAt   time.Time
	StoppedAt   time.Time
	DeviceCount int
	NameFilter  string
	Services    []string
}

// scanSession tracks one background scan. All fields are owned by the
// registry coordinator; nothing here takes locks.
type scanSession struct {
	handle     string
	nameFilter string
	services   []string

	active    bool
	startedAt time.Time
	stoppedAt time.Time

	stopper  hardware.Stopper
	autoStop *time.Timer
	devices  map[string]*DiscoveredDevice
}

func newScanSession(handle, nameFilter string, services []string, now time.Time) *scanSession {
	return &scanSession{
		handle:     handle,
		nameFilter: strings.ToLower(strings.TrimSpace(nameFilter)),
		services:   services,
		active:     true,
		startedAt:  now,
		devices:    make(map[string]*DiscoveredDevice),
	}
}

// accepts applies the name filter. A non-empty filter matches a
// case-insensitive substring of the advertised name and drops unnamed
// advertisements.
func (s *scanSession) accepts(adv hardware.Advertisement) bool {
	if s.nameFilter == "" {
		return true
	}
	if adv.Name == "" {
		return false
	}
	return strings.Contains(strings.ToLower(adv.Name), s.nameFilter)
}

// record merges an advertisement into the device table, replacing any
// previous row for the same address. A later advertisement without a name
// does not erase a name learned earlier.
func (s *scanSession) record(adv hardware.Advertisement, now time.Time) {
	if !s.active || !s.accepts(adv) {
		return
	}
	prev := s.devices[adv.Address]
	row := &DiscoveredDevice{
		Address:          adv.Address,
		Name:             adv.Name,
		RSSI:             adv.RSSI,
		TxPower:          adv.TxPower,
		Connectable:      adv.Connectable,
		ServiceUUIDs:     adv.ServiceUUIDs,
		ManufacturerData: adv.ManufacturerData,
		ServiceData:      adv.ServiceData,
		LastSeen:         now,
	}
	if prev != nil {
		if row.Name == "" {
			row.Name = prev.Name
		}
		if row.TxPower == nil {
			row.TxPower = prev.TxPower
		}
		if len(row.ServiceUUIDs) == 0 {
			row.ServiceUUIDs = prev.ServiceUUIDs
		}
		if len(row.ManufacturerData) == 0 {
			row.ManufacturerData = prev.ManufacturerData
		}
		if len(row.ServiceData) == 0 {
			row.ServiceData = prev.ServiceData
		}
	}
	s.devices[adv.Address] = row
}

// snapshot returns the device table sorted by signal strength, strongest
// first. Rows without a reading go last; ties break on address for a stable
// order.
func (s *scanSession) snapshot() []DiscoveredDevice {
	out := make([]DiscoveredDevice, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rssiUnknown, rssiUnknown
		if out[i].RSSI != nil {
			ri = *out[i].RSSI
		}
		if out[j].RSSI != nil {
			rj = *out[j].RSSI
		}
		if ri != rj {
			return ri > rj
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// finish transitions the scan to stopped. Idempotent; the second and later
// calls do nothing so the device table freezes at the first stop.
func (s *scanSession) finish(now time.Time) bool {
	if !s.active {
		return false
	}
	s.active = false
	s.stoppedAt = now
	if s.autoStop != nil {
		s.autoStop.Stop()
		s.autoStop = nil
	}
	return true
}

func (s *scanSession) info() ScanInfo {
	return ScanInfo{
		Handle:      s.handle,
		Active:      s.active,
		StartedAt:   s.startedAt,
		StoppedAt:   s.stoppedAt,
		DeviceCount: len(s.devices),
		NameFilter:  s.nameFilter,
		Services:    s.services,
	}
}
