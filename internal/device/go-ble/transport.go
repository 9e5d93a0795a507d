// Package goble implements device.Transport on top of github.com/go-ble/ble
// (CoreBluetooth on macOS, HCI sockets on Linux).
package goble

import (
	"context"
	"fmt"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
)

// DeviceFactory creates the ble.Device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDefaultDevice

// central is the part of ble.Device the transport drives.
type central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Connect(ctx context.Context, address string) (gattClient, error)
}

// gattClient is the part of ble.Client a link drives.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

type deviceCentral struct {
	dev ble.Device
}

func (d deviceCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return d.dev.Scan(ctx, allowDup, h)
}

func (d deviceCentral) Connect(ctx context.Context, address string) (gattClient, error) {
	client, err := d.dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Transport opens go-ble scans and links. At most one link per address is
// live at a time. Overlapping scans share one ble.Device scan, since go-ble
// keeps a single advertisement handler per device.
type Transport struct {
	central central
	logger  *logrus.Logger
	links   *hashmap.Map[string, *link]
	scans   *device.ScanMux
}

// New creates the platform ble.Device through DeviceFactory.
func New(logger *logrus.Logger) (*Transport, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(fmt.Errorf("failed to create BLE device: %w", err))
	}
	ble.SetDefaultDevice(dev)
	return newTransport(deviceCentral{dev: dev}, logger), nil
}

func newTransport(c central, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{
		central: c,
		logger:  logger,
		links:   hashmap.New[string, *link](),
	}
	t.scans = device.NewScanMux(t.scanRadio)
	return t
}

func (t *Transport) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	return t.scans.Scan(ctx, handler)
}

func (t *Transport) scanRadio(ctx context.Context, emit func(device.Advertisement)) error {
	t.logger.Debug("Starting BLE scan")
	err := t.central.Scan(ctx, true, func(adv ble.Advertisement) {
		emit(newAdvertisement(adv))
	})
	if err != nil && ctx.Err() != nil {
		t.logger.Debug("BLE scan stopped")
		return ctx.Err()
	}
	return NormalizeError(err)
}

func linkKey(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

func (t *Transport) Connect(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	key := linkKey(address)
	l := newLink(t, key, address)
	if _, loaded := t.links.GetOrInsert(key, l); loaded {
		t.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return nil, device.ErrAlreadyConnected
	}

	t.logger.WithField("address", address).Info("Connecting to BLE device...")
	client, err := t.central.Connect(ctx, address)
	if err != nil {
		t.links.Del(key)
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}
	l.attach(client)
	return l, nil
}

// Links returns the number of live links.
func (t *Transport) Links() int {
	return t.links.Len()
}

func (t *Transport) release(l *link) {
	if cur, ok := t.links.Get(l.key); ok && cur == l {
		t.links.Del(l.key)
	}
}

var _ device.Transport = (*Transport)(nil)
