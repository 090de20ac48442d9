package goble

import (
	"sort"

	"github.com/go-ble/ble"

	"github.com/srg/blemcp/internal/hardware"
)

// txPowerNotAvailable is the sentinel go-ble reports when the advertisement
// carried no TX power level.
const txPowerNotAvailable = 127

// newAdvertisement converts a raw go-ble advertisement into the hardware
// boundary type, normalizing service UUIDs along the way.
func newAdvertisement(adv ble.Advertisement) hardware.Advertisement {
	rssi := adv.RSSI()
	out := hardware.Advertisement{
		Address:          adv.Addr().String(),
		Name:             adv.LocalName(),
		RSSI:             &rssi,
		Connectable:      adv.Connectable(),
		ManufacturerData: adv.ManufacturerData(),
	}

	if tx := adv.TxPowerLevel(); tx != txPowerNotAvailable {
		txPower := tx
		out.TxPower = &txPower
	}

	for _, uuid := range adv.Services() {
		out.ServiceUUIDs = append(out.ServiceUUIDs, hardware.NormalizeUUID(uuid.String()))
	}
	sort.Strings(out.ServiceUUIDs)

	for _, sd := range adv.ServiceData() {
		if out.ServiceData == nil {
			out.ServiceData = make(map[string][]byte)
		}
		out.ServiceData[hardware.NormalizeUUID(sd.UUID.String())] = sd.Data
	}

	return out
}
