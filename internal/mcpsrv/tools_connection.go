package mcpsrv

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/srg/blemcp/internal/session"
)

func (s *Server) registerConnectionTools() {
	s.mcp.AddTool(mcp.NewTool("ble_connect",
		mcp.WithDescription("Connect to a BLE peripheral by address. Returns a connection_id for subsequent GATT operations."),
		mcp.WithString("address", mcp.Required(), mcp.Description("Device address from scan results")),
		mcp.WithNumber("timeout_s", mcp.Description("Connect timeout in seconds (1-60, default 10)")),
		mcp.WithBoolean("pair", mcp.Description("Request pairing during connect (platform support varies)")),
	), s.handleConnect)

	s.mcp.AddTool(mcp.NewTool("ble_disconnect",
		mcp.WithDescription("Disconnect a connection and tear down all its subscriptions. The connection_id becomes invalid."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
	), s.handleDisconnect)

	s.mcp.AddTool(mcp.NewTool("ble_connection_status",
		mcp.WithDescription("Report whether a connection is still live. Disconnected sessions stay queryable until reaped."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
	), s.handleConnectionStatus)
}

func (s *Server) handleConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, err := req.RequireString("address")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "address is required"), nil
	}
	timeout := clampFloat(req.GetFloat("timeout_s", 10), 1, 60)
	info, err := s.registry.Connect(ctx, session.ConnectOptions{
		Address: address,
		Pair:    req.GetBool("pair", false),
		Timeout: seconds(timeout),
	})
	if err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{
		"connection_id": info.Handle,
		"address":       info.Address,
		"device_name":   info.Name,
		"service_uuids": info.AdvertisedServices,
		"mtu":           info.MTU,
		"spec":          nil,
	})
}

func (s *Server) handleDisconnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	if err := s.registry.Disconnect(handle); err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{})
}

func (s *Server) handleConnectionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	info, err := s.registry.ConnectionStatus(handle)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(connectionFields(info))
}

func connectionFields(info session.ConnectionInfo) map[string]interface{} {
	fields := map[string]interface{}{
		"connection_id": info.Handle,
		"address":       info.Address,
		"device_name":   info.Name,
		"connected":     info.Connected,
		"connected_ts":  tsSeconds(info.ConnectedAt),
		"disconnect_ts": tsSeconds(info.DisconnectedAt),
		"subscriptions": info.Subscriptions,
	}
	if info.Connected {
		fields["mtu"] = info.MTU
	}
	return fields
}
