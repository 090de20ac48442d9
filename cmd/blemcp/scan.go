package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/blemcp/internal/hardware/goble"
	"github.com/srg/blemcp/internal/session"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity,
sorted by signal strength. Useful for finding a device address before
pointing an MCP client at the server.`,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanNameFilter string
	scanServices   []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanNameFilter, "name", "n", "", "Only show devices whose name contains this substring")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
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

	registry := session.NewRegistry(
		logger,
		goble.NewTransport(logger),
		limitsFromConfig(cfg),
		session.WritePolicy{},
		nil,
	)
	defer registry.Shutdown()

	handle, err := registry.StartScan(session.ScanOptions{
		NameFilter:   scanNameFilter,
		ServiceUUIDs: scanServices,
		Duration:     scanDuration,
	})
	if err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}

	// Ctrl+C ends the scan early and prints what was found so far.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-time.After(scanDuration):
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, stopping scan...")
	}
	if err := registry.StopScan(handle); err != nil {
		return err
	}

	_, devices, err := registry.ScanResults(handle)
	if err != nil {
		return err
	}
	if scanFormat == "json" {
		return printDevicesJSON(devices)
	}
	return printDevicesTable(devices)
}

func printDevicesJSON(devices []session.DiscoveredDevice) error {
	type row struct {
		Address      string   `json:"address"`
		Name         string   `json:"name,omitempty"`
		RSSI         *int     `json:"rssi,omitempty"`
		Connectable  bool     `json:"connectable"`
		ServiceUUIDs []string `json:"service_uuids,omitempty"`
	}
	rows := make([]row, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, row{
			Address:      d.Address,
			Name:         d.Name,
			RSSI:         d.RSSI,
			Connectable:  d.Connectable,
			ServiceUUIDs: d.ServiceUUIDs,
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func printDevicesTable(devices []session.DiscoveredDevice) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	nameColor := color.New(color.FgGreen)
	dimColor := color.New(color.Faint)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSERVICES")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = dimColor.Sprint("(unnamed)")
		} else {
			name = nameColor.Sprint(name)
		}
		rssi := "-"
		if d.RSSI != nil {
			rssi = fmt.Sprintf("%d", *d.RSSI)
		}
		services := "-"
		if len(d.ServiceUUIDs) > 0 {
			services = strings.Join(d.ServiceUUIDs, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Address, name, rssi, services)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d device(s) found\n", len(devices))
	return nil
}
