package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/groutine"
)

type charKey struct {
	service        string
	characteristic string
}

// link is one go-ble client connection.
type link struct {
	transport *Transport
	key       string
	address   string
	logger    *logrus.Logger

	mu     sync.RWMutex
	client gattClient
	chars  map[charKey]*ble.Characteristic

	disconnected chan struct{}
	dropOnce     sync.Once
	closeOnce    sync.Once
	closeErr     error
}

func newLink(t *Transport, key, address string) *link {
	return &link{
		transport:    t,
		key:          key,
		address:      address,
		logger:       t.logger,
		chars:        make(map[charKey]*ble.Characteristic),
		disconnected: make(chan struct{}),
	}
}

// attach hands the dialed client to the link and starts watching for a drop.
func (l *link) attach(client gattClient) {
	l.mu.Lock()
	l.client = client
	l.mu.Unlock()

	// CoreBluetooth and HCI clients expose Disconnected(); mocks may not.
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.logger.WithField("address", l.address).Debug("Client does not report disconnections")
		return
	}
	groutine.Go(context.Background(), "ble-link-monitor-"+l.key, func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			l.logger.WithField("address", l.address).Warn("BLE stack reported disconnection")
			l.drop()
		case <-l.disconnected:
		}
	})
}

func (l *link) drop() {
	l.dropOnce.Do(func() {
		close(l.disconnected)
		l.transport.release(l)
	})
}

func (l *link) gatt() (gattClient, error) {
	select {
	case <-l.disconnected:
		return nil, device.ErrNotConnected
	default:
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.client == nil {
		return nil, device.ErrNotConnected
	}
	return l.client, nil
}

func (l *link) Address() string { return l.address }

// call runs a blocking go-ble request and gives up when ctx is done or the
// link drops. go-ble requests are not cancellable; an abandoned request
// finishes in the background.
func (l *link) call(ctx context.Context, name string, fn func() error) error {
	done := make(chan error, 1)
	groutine.Go(ctx, name+"-"+l.key, func(context.Context) {
		done <- fn()
	})
	select {
	case err := <-done:
		return NormalizeError(err)
	case <-ctx.Done():
		return ctx.Err()
	case <-l.disconnected:
		return device.ErrNotConnected
	}
}

func (l *link) DiscoverServices(ctx context.Context) ([]device.Service, error) {
	client, err := l.gatt()
	if err != nil {
		return nil, err
	}
	l.logger.WithField("address", l.address).Debug("Discovering services and characteristics...")

	var profile *ble.Profile
	err = l.call(ctx, "ble-discover", func() error {
		var derr error
		profile, derr = client.DiscoverProfile(true)
		return derr
	})
	if err != nil {
		l.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Error("Failed to discover profile")
		return nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	services, chars := convertProfile(profile)
	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"address":         l.address,
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered successfully")
	return services, nil
}

// convertProfile flattens a go-ble profile into device services and a lookup
// table of live characteristic handles keyed by normalized UUIDs.
func convertProfile(profile *ble.Profile) ([]device.Service, map[charKey]*ble.Characteristic) {
	chars := make(map[charKey]*ble.Characteristic)
	if profile == nil {
		return nil, chars
	}
	services := make([]device.Service, 0, len(profile.Services))
	for _, bs := range profile.Services {
		svc := device.Service{UUID: device.NormalizeUUID(bs.UUID.String())}
		for _, bc := range bs.Characteristics {
			uuid := device.NormalizeUUID(bc.UUID.String())
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				UUID:       uuid,
				Properties: convertProperties(bc.Property),
			})
			chars[charKey{service: svc.UUID, characteristic: uuid}] = bc
		}
		services = append(services, svc)
	}
	return services, chars
}

func convertProperties(p ble.Property) device.Properties {
	var out device.Properties
	if p&ble.CharRead != 0 {
		out |= device.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= device.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= device.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		out |= device.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= device.PropIndicate
	}
	return out
}

func (l *link) characteristic(service, characteristic string) (*ble.Characteristic, error) {
	key := charKey{service: device.NormalizeUUID(service), characteristic: device.NormalizeUUID(characteristic)}
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chars[key]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return c, nil
}

func (l *link) EnableNotifications(ctx context.Context, service, characteristic string, handler func([]byte)) error {
	client, err := l.gatt()
	if err != nil {
		return err
	}
	c, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	// Indications only when the characteristic cannot notify.
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0

	l.logger.WithFields(logrus.Fields{
		"address":        l.address,
		"characteristic": device.ShortenUUID(characteristic),
		"indicate":       indicate,
	}).Debug("Subscribing to characteristic...")

	return l.call(ctx, "ble-subscribe", func() error {
		return client.Subscribe(c, indicate, func(data []byte) {
			handler(data)
		})
	})
}

func (l *link) Write(service, characteristic string, data []byte) error {
	client, err := l.gatt()
	if err != nil {
		return err
	}
	c, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	noRsp := c.Property&ble.CharWriteNR != 0
	return NormalizeError(client.WriteCharacteristic(c, data, noRsp))
}

func (l *link) Disconnected() <-chan struct{} { return l.disconnected }

func (l *link) Close() error {
	l.closeOnce.Do(func() {
		l.mu.RLock()
		client := l.client
		l.mu.RUnlock()
		l.drop()
		if client == nil {
			return
		}
		l.closeErr = NormalizeError(client.CancelConnection())
		if l.closeErr != nil {
			l.logger.WithFields(logrus.Fields{
				"address": l.address,
				"error":   l.closeErr,
			}).Warn("BLE device disconnected with errors")
			return
		}
		l.logger.WithField("address", l.address).Info("BLE device disconnected successfully")
	})
	return l.closeErr
}

var _ device.Link = (*link)(nil)
