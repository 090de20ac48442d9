package mcpsrv

import (
	"context"
	"encoding/hex"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/srg/blemcp/internal/session"
)

func (s *Server) registerScanTools() {
	s.mcp.AddTool(mcp.NewTool("ble_scan_start",
		mcp.WithDescription("Start a background BLE scan. Returns a scan_id to poll with ble_scan_get_results; the scan stops itself after timeout_s."),
		mcp.WithNumber("timeout_s", mcp.Description("Scan duration in seconds (0.1-60, default 10)")),
		mcp.WithString("name_filter", mcp.Description("Keep only devices whose name contains this substring, case-insensitive")),
		mcp.WithString("service_uuid", mcp.Description("Keep only devices advertising this service UUID")),
	), s.handleScanStart)

	s.mcp.AddTool(mcp.NewTool("ble_scan_get_results",
		mcp.WithDescription("Snapshot a scan's device table, strongest signal first. Works on finished scans until they are reaped."),
		mcp.WithString("scan_id", mcp.Required(), mcp.Description("Handle returned by ble_scan_start")),
	), s.handleScanResults)

	s.mcp.AddTool(mcp.NewTool("ble_scan_stop",
		mcp.WithDescription("Stop a running scan and return its final device table. Stopping an already-stopped scan returns the same frozen table."),
		mcp.WithString("scan_id", mcp.Required(), mcp.Description("Handle returned by ble_scan_start")),
	), s.handleScanStop)
}

func (s *Server) handleScanStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeout := clampFloat(req.GetFloat("timeout_s", 10), 0.1, 60)
	opts := session.ScanOptions{
		NameFilter: req.GetString("name_filter", ""),
		Duration:   seconds(timeout),
	}
	if u := req.GetString("service_uuid", ""); u != "" {
		opts.ServiceUUIDs = []string{u}
	}
	handle, err := s.registry.StartScan(opts)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{"scan_id": handle})
}

func (s *Server) handleScanResults(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("scan_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "scan_id is required"), nil
	}
	info, devices, err := s.registry.ScanResults(handle)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{
		"devices": devicesJSON(devices),
		"active":  info.Active,
	})
}

func (s *Server) handleScanStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("scan_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "scan_id is required"), nil
	}
	if err := s.registry.StopScan(handle); err != nil {
		return s.errResult(err)
	}
	info, devices, err := s.registry.ScanResults(handle)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{
		"devices": devicesJSON(devices),
		"active":  info.Active,
	})
}

func devicesJSON(devices []session.DiscoveredDevice) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(devices))
	for _, d := range devices {
		row := map[string]interface{}{
			"address":     d.Address,
			"name":        d.Name,
			"connectable": d.Connectable,
			"last_seen":   tsSeconds(d.LastSeen),
		}
		if d.RSSI != nil {
			row["rssi"] = *d.RSSI
		}
		if d.TxPower != nil {
			row["tx_power"] = *d.TxPower
		}
		if len(d.ServiceUUIDs) > 0 {
			row["service_uuids"] = d.ServiceUUIDs
		}
		if len(d.ManufacturerData) > 0 {
			row["manufacturer_data"] = hex.EncodeToString(d.ManufacturerData)
		}
		if len(d.ServiceData) > 0 {
			data := make(map[string]string, len(d.ServiceData))
			for uuid, v := range d.ServiceData {
				data[uuid] = hex.EncodeToString(v)
			}
			row["service_data"] = data
		}
		out = append(out, row)
	}
	return out
}
