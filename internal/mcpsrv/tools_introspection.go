package mcpsrv

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/srg/blemcp/internal/session"
)

func (s *Server) registerIntrospectionTools() {
	s.mcp.AddTool(mcp.NewTool("ble_connections_list",
		mcp.WithDescription("List known connections, including recently disconnected ones awaiting cleanup."),
	), s.handleConnectionsList)

	s.mcp.AddTool(mcp.NewTool("ble_subscriptions_list",
		mcp.WithDescription("List active subscriptions, optionally restricted to one connection."),
		mcp.WithString("connection_id", mcp.Description("Restrict to this connection's subscriptions")),
	), s.handleSubscriptionsList)

	s.mcp.AddTool(mcp.NewTool("ble_scans_list",
		mcp.WithDescription("List known scans, including recently finished ones awaiting cleanup."),
	), s.handleScansList)
}

func (s *Server) handleConnectionsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.registry.ListConnections()
	rows := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, connectionFields(info))
	}
	return okResult(map[string]interface{}{"connections": rows})
}

func (s *Server) handleSubscriptionsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle := req.GetString("connection_id", "")
	infos, err := s.registry.ListSubscriptions(handle)
	if err != nil {
		return s.errResult(err)
	}
	rows := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, subscriptionFields(info))
	}
	return okResult(map[string]interface{}{"subscriptions": rows})
}

func (s *Server) handleScansList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	infos := s.registry.ListScans()
	rows := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, scanFields(info))
	}
	return okResult(map[string]interface{}{"scans": rows})
}

func subscriptionFields(info session.SubscriptionInfo) map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": info.Handle,
		"connection_id":   info.ConnectionHandle,
		"address":         info.Address,
		"char_uuid":       info.CharUUID,
		"mode":            info.Mode,
		"active":          info.Active,
		"created_ts":      tsSeconds(info.CreatedAt),
		"queued":          info.Queued,
		"received":        info.Received,
		"dropped":         info.Dropped,
		"data_pending":    info.DataPending,
	}
}

func scanFields(info session.ScanInfo) map[string]interface{} {
	services := info.Services
	if services == nil {
		services = []string{}
	}
	return map[string]interface{}{
		"scan_id":       info.Handle,
		"active":        info.Active,
		"started_ts":    tsSeconds(info.StartedAt),
		"stopped_ts":    tsSeconds(info.StoppedAt),
		"device_count":  info.DeviceCount,
		"name_filter":   info.NameFilter,
		"service_uuids": services,
	}
}
