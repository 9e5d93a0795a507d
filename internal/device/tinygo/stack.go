package tinygo

import (
	"fmt"
	"sync"

	"github.com/srg/blepm/internal/device"
	"tinygo.org/x/bluetooth"
)

// stack is the part of the bluetooth adapter the transport drives.
type stack interface {
	Enable() error
	Scan(handler func(device.Advertisement)) error
	StopScan() error
	Dial(address string) (peer, error)
	OnDisconnect(fn func(address string))
}

// peer is one connected bluetooth.Device.
type peer interface {
	Discover() ([]device.Service, map[charKey]characteristic, error)
	Disconnect() error
}

type characteristic interface {
	EnableNotifications(callback func(buf []byte)) error
	WriteWithoutResponse(p []byte) (int, error)
}

// adapterStack binds stack to a real bluetooth.Adapter.
type adapterStack struct {
	adapter *bluetooth.Adapter

	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

func newAdapterStack(a *bluetooth.Adapter) *adapterStack {
	return &adapterStack{adapter: a, seen: make(map[string]bluetooth.Address)}
}

func (s *adapterStack) Enable() error { return s.adapter.Enable() }

func (s *adapterStack) Scan(handler func(device.Advertisement)) error {
	return s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		s.mu.Lock()
		s.seen[addr] = result.Address
		s.mu.Unlock()

		services := make([]string, 0)
		for _, u := range result.AdvertisementPayload.ServiceUUIDs() {
			services = append(services, device.NormalizeUUID(u.String()))
		}
		handler(&advertisement{
			name:     result.LocalName(),
			addr:     addr,
			rssi:     int(result.RSSI),
			services: services,
		})
	})
}

func (s *adapterStack) StopScan() error { return s.adapter.StopScan() }

// Dial prefers the address captured while scanning; on macOS it is a
// CoreBluetooth UUID that cannot be rebuilt from text on every platform.
func (s *adapterStack) Dial(address string) (peer, error) {
	s.mu.Lock()
	addr, ok := s.seen[address]
	s.mu.Unlock()
	if !ok {
		addr.Set(address)
	}
	d, err := s.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &devicePeer{dev: d}, nil
}

func (s *adapterStack) OnDisconnect(fn func(address string)) {
	s.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected {
			fn(d.Address.String())
		}
	})
}

type devicePeer struct {
	dev bluetooth.Device
}

func (p *devicePeer) Discover() ([]device.Service, map[charKey]characteristic, error) {
	svcs, err := p.dev.DiscoverServices(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to discover services: %w", err)
	}
	chars := make(map[charKey]characteristic)
	services := make([]device.Service, 0, len(svcs))
	for i := range svcs {
		svc := device.Service{UUID: device.NormalizeUUID(svcs[i].UUID().String())}
		found, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to discover characteristics of %s: %w", svc.UUID, err)
		}
		for j := range found {
			uuid := device.NormalizeUUID(found[j].UUID().String())
			// Properties are not exposed on every platform; zero means unknown.
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{UUID: uuid})
			chars[charKey{service: svc.UUID, characteristic: uuid}] = &found[j]
		}
		services = append(services, svc)
	}
	return services, chars, nil
}

func (p *devicePeer) Disconnect() error { return p.dev.Disconnect() }

type advertisement struct {
	name     string
	addr     string
	rssi     int
	services []string
}

func (a *advertisement) LocalName() string  { return a.name }
func (a *advertisement) Addr() string       { return a.addr }
func (a *advertisement) RSSI() int          { return a.rssi }
func (a *advertisement) Connectable() bool  { return true }
func (a *advertisement) Services() []string { return a.services }
