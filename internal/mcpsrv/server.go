// Package mcpsrv exposes the session registry as MCP tools over stdio. It
// is a thin framing layer: argument decoding, clamping, and result
// serialization; all BLE semantics live in the session package.
package mcpsrv

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemcp/internal/session"
	"github.com/srg/blemcp/internal/trace"
)

const serverName = "blemcp"

// Server wires the registry and the trace ring into an MCP stdio server.
type Server struct {
	logger   *logrus.Logger
	registry *session.Registry
	tracebuf *trace.Buffer
	mcp      *server.MCPServer
}

// New builds the server and registers every tool.
func New(logger *logrus.Logger, registry *session.Registry, tracebuf *trace.Buffer, version string) *Server {
	s := &Server{
		logger:   logger,
		registry: registry,
		tracebuf: tracebuf,
	}
	s.mcp = server.NewMCPServer(serverName, version, server.WithToolCapabilities(false))
	s.registerScanTools()
	s.registerConnectionTools()
	s.registerGATTTools()
	s.registerSubscriptionTools()
	s.registerIntrospectionTools()
	s.registerTraceTools()
	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}
