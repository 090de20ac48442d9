package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blemcp/internal/hardware/goble"
	"github.com/srg/blemcp/internal/mcpsrv"
	"github.com/srg/blemcp/internal/session"
	"github.com/srg/blemcp/internal/trace"
	"github.com/srg/blemcp/pkg/config"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve BLE tools to an MCP client over stdio",
	Long: `Runs the MCP server on stdin/stdout until the client closes the
stream. All logging goes to stderr.

Writes to device characteristics are disabled unless enabled in the
config file or via BLE_MCP_ALLOW_WRITES=true.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	tracebuf := trace.NewBuffer(cfg.TraceCapacity)
	logger.AddHook(trace.NewHook(tracebuf))

	registry := session.NewRegistry(
		logger,
		goble.NewTransport(logger),
		limitsFromConfig(cfg),
		session.WritePolicy{
			AllowWrites: cfg.AllowWrites,
			Allowlist:   cfg.WriteAllowlist,
		},
		&serveHooks{logger: logger},
	)
	defer registry.Shutdown()

	srv := mcpsrv.New(logger, registry, tracebuf, formatVersion(version))
	logger.WithFields(logrus.Fields{
		"version":      formatVersion(version),
		"allow_writes": cfg.AllowWrites,
	}).Info("Serving MCP over stdio")
	return srv.ServeStdio()
}

func limitsFromConfig(cfg *config.Config) session.Limits {
	return session.Limits{
		MaxConnections:                cfg.MaxConnections,
		MaxScans:                      cfg.MaxScans,
		MaxSubscriptionsPerConnection: cfg.MaxSubscriptionsPerConn,
		NotificationQueueCap:          cfg.NotificationQueueCap,
		QuietPeriod:                   cfg.QuietPeriod,
		FinishedScanCap:               cfg.FinishedScanCap,
		DisconnectedConnectionCap:     cfg.DisconnectedConnectionCap,
	}
}

// serveHooks surfaces registry events in the log stream. MCP has no
// unsolicited server push for tool results, so clients learn about lost
// links from the next call's error; the log keeps a server-side record.
type serveHooks struct {
	logger *logrus.Logger
}

func (h *serveHooks) DeviceDisconnected(address, connectionHandle string) {
	h.logger.WithFields(logrus.Fields{
		"address":       address,
		"connection_id": connectionHandle,
	}).Warn("Device connection lost")
}

func (h *serveHooks) NotificationReady(subscriptionHandle, connectionHandle, charUUID string) {
	h.logger.WithFields(logrus.Fields{
		"subscription_id": subscriptionHandle,
		"connection_id":   connectionHandle,
		"char_uuid":       charUUID,
	}).Debug("Notification data pending")
}
