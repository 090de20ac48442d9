package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blemcp/internal/hardware"
)

func adv(address, name string, rssi int) hardware.Advertisement {
	r := rssi
	return hardware.Advertisement{Address: address, Name: name, RSSI: &r, Connectable: true}
}

func TestScanSession_ReplaceByAddress(t *testing.T) {
	sc := newScanSession("scan-1", "", nil, time.Now())

	sc.record(adv("AA:00", "HRM", -40), time.Now())
	sc.record(adv("AA:00", "HRM", -55), time.Now())
	sc.record(adv("BB:00", "Thermo", -60), time.Now())

	devices := sc.snapshot()
	require.Len(t, devices, 2)
	for _, d := range devices {
		if d.Address == "AA:00" {
			assert.Equal(t, -55, *d.RSSI)
		}
	}
}

func TestScanSession_LaterUnnamedAdvertisementKeepsName(t *testing.T) {
	sc := newScanSession("scan-1", "", nil, time.Now())

	sc.record(adv("AA:00", "HRM", -40), time.Now())
	sc.record(adv("AA:00", "", -50), time.Now())

	devices := sc.snapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, "HRM", devices[0].Name)
	assert.Equal(t, -50, *devices[0].RSSI)
}

func TestScanSession_RecordsAdvertisedData(t *testing.T) {
	sc := newScanSession("scan-1", "", nil, time.Now())

	beacon := adv("AA:00", "HRM", -40)
	beacon.ManufacturerData = []byte{0x4c, 0x00, 0x02, 0x15}
	beacon.ServiceData = map[string][]byte{"0000180d-0000-1000-8000-00805f9b34fb": {0x01, 0x02}}
	sc.record(beacon, time.Now())

	// A later bare advertisement does not erase previously seen payloads.
	sc.record(adv("AA:00", "HRM", -50), time.Now())

	devices := sc.snapshot()
	require.Len(t, devices, 1)
	assert.Equal(t, []byte{0x4c, 0x00, 0x02, 0x15}, devices[0].ManufacturerData)
	assert.Equal(t, []byte{0x01, 0x02}, devices[0].ServiceData["0000180d-0000-1000-8000-00805f9b34fb"])
	assert.Equal(t, -50, *devices[0].RSSI)
}

func TestScanSession_NameFilter(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		advName  string
		accepted bool
	}{
		{"no filter accepts all", "", "", true},
		{"substring matches", "hrm", "Polar HRM Sense", true},
		{"case insensitive", "POLAR", "polar h10", true},
		{"no match", "thermo", "Polar H10", false},
		{"unnamed excluded when filter set", "polar", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newScanSession("scan-1", tt.filter, nil, time.Now())
			sc.record(adv("AA:00", tt.advName, -40), time.Now())
			assert.Equal(t, tt.accepted, len(sc.snapshot()) == 1)
		})
	}
}

func TestScanSession_SnapshotSortsByRSSIDescending(t *testing.T) {
	sc := newScanSession("scan-1", "", nil, time.Now())

	sc.record(adv("CC:00", "weak", -80), time.Now())
	sc.record(adv("AA:00", "strong", -30), time.Now())
	sc.record(hardware.Advertisement{Address: "DD:00", Name: "silent"}, time.Now())
	sc.record(adv("BB:00", "mid", -55), time.Now())

	devices := sc.snapshot()
	require.Len(t, devices, 4)
	assert.Equal(t, "AA:00", devices[0].Address)
	assert.Equal(t, "BB:00", devices[1].Address)
	assert.Equal(t, "CC:00", devices[2].Address)
	// Missing RSSI sorts last.
	assert.Equal(t, "DD:00", devices[3].Address)
	assert.Nil(t, devices[3].RSSI)
}

func TestScanSession_FinishIsIdempotentAndFreezesTable(t *testing.T) {
	sc := newScanSession("scan-1", "", nil, time.Now())
	sc.record(adv("AA:00", "HRM", -40), time.Now())

	assert.True(t, sc.finish(time.Now()))
	stoppedAt := sc.stoppedAt

	// Discovery events after stop are ignored.
	sc.record(adv("BB:00", "late", -30), time.Now())
	assert.Len(t, sc.snapshot(), 1)

	assert.False(t, sc.finish(time.Now()))
	assert.Equal(t, stoppedAt, sc.stoppedAt)
	assert.False(t, sc.info().Active)
}
