package hardware

import "strings"

// btBaseUUIDSuffix completes a 16- or 32-bit short UUID to the Bluetooth
// base UUID.
const btBaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID converts a BLE UUID to its full 128-bit lowercase string
// form. Accepts 4-hex short form ("180a"), 8-hex short form ("0000180a"),
// 32-hex undashed form, and full dashed UUIDs (lowercased, stripped).
func NormalizeUUID(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch {
	case len(raw) == 4:
		return "0000" + raw + btBaseUUIDSuffix
	case len(raw) == 8 && !strings.Contains(raw, "-"):
		return raw + btBaseUUIDSuffix
	case len(raw) == 32 && !strings.Contains(raw, "-"):
		return raw[0:8] + "-" + raw[8:12] + "-" + raw[12:16] + "-" + raw[16:20] + "-" + raw[20:]
	default:
		return raw
	}
}
