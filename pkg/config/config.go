// Package config holds server configuration: write policy, resource
// ceilings, and housekeeping knobs, resolved from defaults, an optional
// YAML file, and BLE_MCP_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Write policy. Writes are off unless explicitly enabled; an empty
	// allowlist with writes enabled permits any characteristic.
	AllowWrites    bool     `yaml:"allow_writes" default:"false"`
	WriteAllowlist []string `yaml:"write_allowlist"`

	// Resource ceilings.
	MaxConnections          int `yaml:"max_connections" default:"3"`
	MaxScans                int `yaml:"max_scans" default:"5"`
	MaxSubscriptionsPerConn int `yaml:"max_subscriptions_per_conn" default:"10"`

	// Per-subscription notification queue capacity.
	NotificationQueueCap int `yaml:"notification_queue_cap" default:"256"`

	// Reaper policy for finished scans and disconnected connections.
	QuietPeriod               time.Duration `yaml:"quiet_period" default:"5m"`
	FinishedScanCap           int           `yaml:"finished_scan_cap" default:"10"`
	DisconnectedConnectionCap int           `yaml:"disconnected_connection_cap" default:"10"`

	// Diagnostics ring capacity.
	TraceCapacity int `yaml:"trace_capacity" default:"512"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load resolves the configuration: defaults, then the YAML file at path if
// path is non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers BLE_MCP_* environment variables over the current values.
func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("BLE_MCP_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("BLE_MCP_ALLOW_WRITES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BLE_MCP_ALLOW_WRITES %q: %w", v, err)
		}
		c.AllowWrites = b
	}
	if v, ok := os.LookupEnv("BLE_MCP_WRITE_ALLOWLIST"); ok {
		c.WriteAllowlist = splitList(v)
	}
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"BLE_MCP_MAX_CONNECTIONS", &c.MaxConnections},
		{"BLE_MCP_MAX_SCANS", &c.MaxScans},
		{"BLE_MCP_MAX_SUBSCRIPTIONS_PER_CONN", &c.MaxSubscriptionsPerConn},
	} {
		v, ok := os.LookupEnv(e.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid %s %q: must be a positive integer", e.name, v)
		}
		*e.dst = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
