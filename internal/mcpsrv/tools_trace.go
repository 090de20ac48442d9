package mcpsrv

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/srg/blemcp/internal/trace"
)

func (s *Server) registerTraceTools() {
	s.mcp.AddTool(mcp.NewTool("ble_trace_status",
		mcp.WithDescription("Report how many log entries the in-memory trace buffer holds and how many were discarded."),
	), s.handleTraceStatus)

	s.mcp.AddTool(mcp.NewTool("ble_trace_tail",
		mcp.WithDescription("Return the most recent log entries from the trace buffer, oldest first."),
		mcp.WithNumber("max_items", mcp.Description("Maximum entries to return, 1 to 500 (default 50)")),
	), s.handleTraceTail)
}

func (s *Server) handleTraceStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.tracebuf.Status()
	return okResult(map[string]interface{}{
		"count":    st.Count,
		"capacity": st.Capacity,
		"dropped":  st.Dropped,
	})
}

func (s *Server) handleTraceTail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	max := clampInt(req.GetInt("max_items", 50), 1, 500)
	entries := s.tracebuf.Tail(max)
	rows := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, traceEntryJSON(e))
	}
	return okResult(map[string]interface{}{"entries": rows})
}

func traceEntryJSON(e trace.Entry) map[string]interface{} {
	fields := e.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return map[string]interface{}{
		"ts":      tsSeconds(e.Time),
		"level":   e.Level,
		"message": e.Message,
		"fields":  fields,
	}
}
