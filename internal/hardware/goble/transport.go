// Package goble implements the hardware boundary over go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemcp/internal/hardware"
)

// Transport is the production hardware.Transport backed by go-ble.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport creates a go-ble transport. The underlying HCI/CoreBluetooth
// device is opened lazily on first use.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

// device opens the platform BLE device once and reuses it.
func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	t.dev = dev
	return dev, nil
}

// Dial connects to a peripheral and discovers its GATT profile.
func (t *Transport) Dial(ctx context.Context, address string, pair bool) (hardware.Client, error) {
	if _, err := t.device(); err != nil {
		return nil, err
	}

	if pair {
		// go-ble exposes no portable bonding API; bonding, where the
		// platform does it at all, happens implicitly on first secure access.
		t.logger.WithField("address", address).Warn("Pairing requested but not supported by this transport; continuing without bonding")
	}

	t.logger.WithField("address", address).Debug("Dialing BLE device...")
	cli, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}

	profile, err := cli.DiscoverProfile(true)
	if err != nil {
		if cancelErr := cli.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	c := newClient(address, cli, profile, t.logger)
	t.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(profile.Services),
	}).Info("BLE device connected")
	return c, nil
}

// gobleScan is the Stopper for a running background scan.
type gobleScan struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *gobleScan) Stop() error {
	s.cancel()
	<-s.done
	return nil
}

// StartScan begins background discovery. The service-UUID filter is applied
// here, before advertisements reach the handler.
func (t *Transport) StartScan(filter hardware.ScanFilter, h func(hardware.Advertisement)) (hardware.Stopper, error) {
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	scan := &gobleScan{cancel: cancel, done: make(chan struct{})}

	handler := func(adv ble.Advertisement) {
		if !matchesFilter(adv, filter) {
			return
		}
		h(newAdvertisement(adv))
	}

	go func() {
		defer close(scan.done)
		err := dev.Scan(ctx, true, handler)
		if err != nil && ctx.Err() == nil {
			t.logger.WithField("error", err).Warn("BLE scan terminated with error")
		}
	}()

	return scan, nil
}

// matchesFilter applies the service-UUID filter: any one advertised UUID
// matching is enough.
func matchesFilter(adv ble.Advertisement, filter hardware.ScanFilter) bool {
	if len(filter.ServiceUUIDs) == 0 {
		return true
	}
	for _, required := range filter.ServiceUUIDs {
		want := hardware.NormalizeUUID(required)
		for _, advUUID := range adv.Services() {
			if hardware.NormalizeUUID(advUUID.String()) == want {
				return true
			}
		}
	}
	return false
}
