// Package tinygo implements device.Transport on top of tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
package tinygo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/groutine"
	"tinygo.org/x/bluetooth"
)

type charKey struct {
	service        string
	characteristic string
}

// stopRetry is how often StopScan is repeated while the adapter scan has not
// returned. The adapter rejects a stop that arrives before the scan is armed.
const stopRetry = 50 * time.Millisecond

// Transport drives the default bluetooth adapter. The adapter runs one scan
// at a time, so overlapping Scan calls share it.
type Transport struct {
	stack  stack
	logger *logrus.Logger

	scans *device.ScanMux
	links *hashmap.Map[string, *link]
}

// New enables bluetooth.DefaultAdapter.
func New(logger *logrus.Logger) (*Transport, error) {
	t := newTransport(newAdapterStack(bluetooth.DefaultAdapter), logger)
	if err := t.stack.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth adapter: %w", device.ErrBluetoothOff)
	}
	return t, nil
}

func newTransport(s stack, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{
		stack:  s,
		logger: logger,
		links:  hashmap.New[string, *link](),
	}
	t.scans = device.NewScanMux(t.scanRadio)
	s.OnDisconnect(t.onDisconnect)
	return t
}

func linkKey(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

func (t *Transport) onDisconnect(address string) {
	if l, ok := t.links.Get(linkKey(address)); ok {
		t.logger.WithField("address", address).Warn("Adapter reported disconnection")
		l.drop()
	}
}

func (t *Transport) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	return t.scans.Scan(ctx, handler)
}

func (t *Transport) scanRadio(ctx context.Context, emit func(device.Advertisement)) error {
	ended := make(chan error, 1)
	groutine.Go(ctx, "tinygo-scan", func(context.Context) {
		ended <- t.stack.Scan(emit)
	})

	select {
	case err := <-ended:
		if err != nil {
			return fmt.Errorf("%w: %v", device.ErrScanFailure, err)
		}
		return nil
	case <-ctx.Done():
	}

	ticker := time.NewTicker(stopRetry)
	defer ticker.Stop()
	for {
		if err := t.stack.StopScan(); err != nil {
			t.logger.WithError(err).Debug("Failed to stop scan, retrying")
		}
		select {
		case <-ended:
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Transport) Connect(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	key := linkKey(address)
	l := &link{transport: t, key: key, address: address, disconnected: make(chan struct{})}
	if _, loaded := t.links.GetOrInsert(key, l); loaded {
		return nil, device.ErrAlreadyConnected
	}

	type dialResult struct {
		peer peer
		err  error
	}
	ch := make(chan dialResult, 1)
	groutine.Go(ctx, "tinygo-dial-"+key, func(context.Context) {
		p, err := t.stack.Dial(address)
		ch <- dialResult{p, err}
	})

	select {
	case <-ctx.Done():
		t.links.Del(key)
		// The adapter dial cannot be cancelled; a late success is torn down.
		groutine.Go(context.Background(), "tinygo-dial-drain-"+key, func(context.Context) {
			if r := <-ch; r.err == nil {
				_ = r.peer.Disconnect()
			}
		})
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			t.links.Del(key)
			t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   r.err,
			}).Error("Failed to connect")
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, r.err)
		}
		l.peer = r.peer
		t.logger.WithField("address", address).Info("Connected")
		return l, nil
	}
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

type link struct {
	transport *Transport
	key       string
	address   string

	mu    sync.RWMutex
	peer  peer
	chars map[charKey]characteristic

	disconnected chan struct{}
	dropOnce     sync.Once
	closeOnce    sync.Once
	closeErr     error
}

func (l *link) Address() string { return l.address }

func (l *link) drop() {
	l.dropOnce.Do(func() {
		close(l.disconnected)
		l.transport.release(l)
	})
}

func (l *link) live() error {
	select {
	case <-l.disconnected:
		return device.ErrNotConnected
	default:
		return nil
	}
}

func (l *link) DiscoverServices(ctx context.Context) ([]device.Service, error) {
	if err := l.live(); err != nil {
		return nil, err
	}
	type discovered struct {
		services []device.Service
		chars    map[charKey]characteristic
		err      error
	}
	ch := make(chan discovered, 1)
	groutine.Go(ctx, "tinygo-discover-"+l.key, func(context.Context) {
		s, c, err := l.peer.Discover()
		ch <- discovered{s, c, err}
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.disconnected:
		return nil, device.ErrNotConnected
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		l.mu.Lock()
		l.chars = r.chars
		l.mu.Unlock()
		return r.services, nil
	}
}

func (l *link) characteristic(service, char string) (characteristic, error) {
	key := charKey{service: device.NormalizeUUID(service), characteristic: device.NormalizeUUID(char)}
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.chars[key]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
	}
	return c, nil
}

func (l *link) EnableNotifications(ctx context.Context, service, char string, handler func([]byte)) error {
	if err := l.live(); err != nil {
		return err
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.EnableNotifications(func(buf []byte) {
		// The adapter reuses buf between callbacks.
		handler(append([]byte(nil), buf...))
	})
}

func (l *link) Write(service, char string, data []byte) error {
	if err := l.live(); err != nil {
		return err
	}
	c, err := l.characteristic(service, char)
	if err != nil {
		return err
	}
	_, err = c.WriteWithoutResponse(data)
	return err
}

func (l *link) Disconnected() <-chan struct{} { return l.disconnected }

func (l *link) Close() error {
	l.closeOnce.Do(func() {
		l.drop()
		if l.peer != nil {
			l.closeErr = l.peer.Disconnect()
		}
		if l.closeErr != nil {
			l.transport.logger.WithFields(logrus.Fields{
				"address": l.address,
				"error":   l.closeErr,
			}).Warn("Device disconnected with errors")
		}
	})
	return l.closeErr
}

var _ device.Link = (*link)(nil)
