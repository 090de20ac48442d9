package mcpsrv

import (
	"context"
	"encoding/base64"
	"encoding/hex"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/srg/blemcp/internal/session"
)

func (s *Server) registerSubscriptionTools() {
	s.mcp.AddTool(mcp.NewTool("ble_subscribe",
		mcp.WithDescription("Subscribe to notifications or indications on a characteristic. Notifications are buffered until consumed."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
		mcp.WithString("char_uuid", mcp.Required(), mcp.Description("Characteristic UUID, short or long form")),
	), s.handleSubscribe)

	s.mcp.AddTool(mcp.NewTool("ble_unsubscribe",
		mcp.WithDescription("Cancel a subscription and discard its buffered notifications."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
		mcp.WithString("subscription_id", mcp.Required(), mcp.Description("Handle returned by ble_subscribe")),
	), s.handleUnsubscribe)

	s.mcp.AddTool(mcp.NewTool("ble_wait_notification",
		mcp.WithDescription("Block until one notification arrives or the timeout passes. Returns null on timeout."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
		mcp.WithString("subscription_id", mcp.Required(), mcp.Description("Handle returned by ble_subscribe")),
		mcp.WithNumber("timeout_s", mcp.Description("Maximum wait in seconds, 0.1 to 60 (default 10)")),
	), s.handleWaitNotification)

	s.mcp.AddTool(mcp.NewTool("ble_poll_notifications",
		mcp.WithDescription("Return buffered notifications without blocking."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
		mcp.WithString("subscription_id", mcp.Required(), mcp.Description("Handle returned by ble_subscribe")),
		mcp.WithNumber("max_items", mcp.Description("Maximum notifications to return, 1 to 1000 (default 50)")),
	), s.handlePollNotifications)

	s.mcp.AddTool(mcp.NewTool("ble_drain_notifications",
		mcp.WithDescription("Collect notifications until the stream goes quiet, a deadline passes, or a count is reached."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
		mcp.WithString("subscription_id", mcp.Required(), mcp.Description("Handle returned by ble_subscribe")),
		mcp.WithNumber("timeout_s", mcp.Description("Overall deadline in seconds, 0.1 to 60 (default 2)")),
		mcp.WithNumber("idle_timeout_s", mcp.Description("Stop after this long with no new data, 0.01 to 10 (default 0.25)")),
		mcp.WithNumber("max_items", mcp.Description("Maximum notifications to collect, 1 to 5000 (default 200)")),
	), s.handleDrainNotifications)
}

func (s *Server) handleSubscribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	charUUID, err := req.RequireString("char_uuid")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "char_uuid is required"), nil
	}
	info, err := s.registry.Subscribe(ctx, handle, charUUID)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{
		"subscription_id": info.Handle,
		"char_uuid":       info.CharUUID,
		"mode":            info.Mode,
	})
}

func (s *Server) handleUnsubscribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	subHandle, err := req.RequireString("subscription_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "subscription_id is required"), nil
	}
	if err := s.registry.Unsubscribe(handle, subHandle); err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{})
}

func (s *Server) handleWaitNotification(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	subHandle, err := req.RequireString("subscription_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "subscription_id is required"), nil
	}
	timeout := seconds(clampFloat(req.GetFloat("timeout_s", 10), 0.1, 60))
	n, err := s.registry.WaitNotification(ctx, handle, subHandle, timeout)
	if err != nil {
		return s.errResult(err)
	}
	if n == nil {
		return okResult(map[string]interface{}{"notification": nil})
	}
	return okResult(map[string]interface{}{"notification": notificationJSON(*n)})
}

func (s *Server) handlePollNotifications(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	subHandle, err := req.RequireString("subscription_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "subscription_id is required"), nil
	}
	max := clampInt(req.GetInt("max_items", 50), 1, 1000)
	items, dropped, err := s.registry.PollNotifications(handle, subHandle, max)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{
		"notifications": notificationsJSON(items),
		"dropped":       dropped,
	})
}

func (s *Server) handleDrainNotifications(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	subHandle, err := req.RequireString("subscription_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "subscription_id is required"), nil
	}
	total := seconds(clampFloat(req.GetFloat("timeout_s", 2), 0.1, 60))
	idle := seconds(clampFloat(req.GetFloat("idle_timeout_s", 0.25), 0.01, 10))
	max := clampInt(req.GetInt("max_items", 200), 1, 5000)
	items, dropped, err := s.registry.DrainNotifications(ctx, handle, subHandle, idle, total, max)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{
		"notifications": notificationsJSON(items),
		"dropped":       dropped,
	})
}

func notificationJSON(n session.Notification) map[string]interface{} {
	return map[string]interface{}{
		"value_b64": base64.StdEncoding.EncodeToString(n.Value),
		"value_hex": hex.EncodeToString(n.Value),
		"ts":        tsSeconds(n.ReceivedAt),
	}
}

func notificationsJSON(items []session.Notification) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(items))
	for _, n := range items {
		out = append(out, notificationJSON(n))
	}
	return out
}
