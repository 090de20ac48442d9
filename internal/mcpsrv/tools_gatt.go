package mcpsrv

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/srg/blemcp/internal/hardware"
	"github.com/srg/blemcp/internal/session"
)

func (s *Server) registerGATTTools() {
	s.mcp.AddTool(mcp.NewTool("ble_discover",
		mcp.WithDescription("Discover the connection's GATT tree: services, characteristics with properties, descriptors. Cached after the first call."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
	), s.handleDiscover)

	s.mcp.AddTool(mcp.NewTool("ble_mtu",
		mcp.WithDescription("Report the negotiated MTU and the largest single-write payload it allows."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
	), s.handleMTU)

	s.mcp.AddTool(mcp.NewTool("ble_read",
		mcp.WithDescription("Read a characteristic value. Returned in both base64 and hex."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
		mcp.WithString("char_uuid", mcp.Required(), mcp.Description("Characteristic UUID, short or long form")),
	), s.handleRead)

	s.mcp.AddTool(mcp.NewTool("ble_write",
		mcp.WithDescription("Write a characteristic value. Requires writes to be enabled in the server configuration."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
		mcp.WithString("char_uuid", mcp.Required(), mcp.Description("Characteristic UUID, short or long form")),
		mcp.WithString("value_b64", mcp.Description("Payload as base64")),
		mcp.WithString("value_hex", mcp.Description("Payload as hex, alternative to value_b64")),
		mcp.WithBoolean("with_response", mcp.Description("Use write-with-response (default true)")),
	), s.handleWrite)

	s.mcp.AddTool(mcp.NewTool("ble_read_descriptor",
		mcp.WithDescription("Read a descriptor by its numeric GATT handle from ble_discover."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
		mcp.WithNumber("handle", mcp.Required(), mcp.Description("Descriptor handle from ble_discover")),
	), s.handleReadDescriptor)

	s.mcp.AddTool(mcp.NewTool("ble_write_descriptor",
		mcp.WithDescription("Write a descriptor by its numeric GATT handle. Requires writes to be enabled."),
		mcp.WithString("connection_id", mcp.Required(), mcp.Description("Handle returned by ble_connect")),
		mcp.WithNumber("handle", mcp.Required(), mcp.Description("Descriptor handle from ble_discover")),
		mcp.WithString("value_b64", mcp.Description("Payload as base64")),
		mcp.WithString("value_hex", mcp.Description("Payload as hex, alternative to value_b64")),
	), s.handleWriteDescriptor)
}

func (s *Server) handleDiscover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	services, err := s.registry.Discover(ctx, handle)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{"services": servicesJSON(services)})
}

func (s *Server) handleMTU(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	mtu, err := s.registry.MTU(handle)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{
		"mtu":               mtu,
		"max_write_payload": mtu - 3,
	})
}

func (s *Server) handleRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	charUUID, err := req.RequireString("char_uuid")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "char_uuid is required"), nil
	}
	value, err := s.registry.Read(ctx, handle, charUUID)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(valueFields(value))
}

func (s *Server) handleWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	charUUID, err := req.RequireString("char_uuid")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "char_uuid is required"), nil
	}
	value, errRes := decodeValue(req)
	if errRes != nil {
		return errRes, nil
	}
	withResponse := req.GetBool("with_response", true)
	if err := s.registry.Write(ctx, handle, charUUID, value, withResponse); err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{"value_len": len(value)})
}

func (s *Server) handleReadDescriptor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	descHandle, errRes := descriptorHandle(req)
	if errRes != nil {
		return errRes, nil
	}
	value, err := s.registry.ReadDescriptor(ctx, handle, descHandle)
	if err != nil {
		return s.errResult(err)
	}
	return okResult(valueFields(value))
}

func (s *Server) handleWriteDescriptor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	handle, err := req.RequireString("connection_id")
	if err != nil {
		return errPayload(string(session.CodeInvalidInput), "connection_id is required"), nil
	}
	descHandle, errRes := descriptorHandle(req)
	if errRes != nil {
		return errRes, nil
	}
	value, errRes := decodeValue(req)
	if errRes != nil {
		return errRes, nil
	}
	if err := s.registry.WriteDescriptor(ctx, handle, descHandle, value); err != nil {
		return s.errResult(err)
	}
	return okResult(map[string]interface{}{"value_len": len(value)})
}

func descriptorHandle(req mcp.CallToolRequest) (uint16, *mcp.CallToolResult) {
	raw := req.GetInt("handle", -1)
	if raw < 0 || raw > 0xFFFF {
		return 0, errPayload(string(session.CodeInvalidInput), "handle must be a GATT handle between 0 and 65535")
	}
	return uint16(raw), nil
}

func servicesJSON(services []*hardware.Service) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(services))
	for _, svc := range services {
		chars := make([]map[string]interface{}, 0, len(svc.Characteristics))
		for _, ch := range svc.Characteristics {
			descs := make([]map[string]interface{}, 0, len(ch.Descriptors))
			for _, d := range ch.Descriptors {
				descs = append(descs, map[string]interface{}{
					"uuid":   d.UUID,
					"handle": d.Handle,
				})
			}
			chars = append(chars, map[string]interface{}{
				"uuid":        ch.UUID,
				"properties":  ch.Properties,
				"handle":      ch.Handle,
				"descriptors": descs,
			})
		}
		out = append(out, map[string]interface{}{
			"uuid":            svc.UUID,
			"characteristics": chars,
		})
	}
	return out
}
