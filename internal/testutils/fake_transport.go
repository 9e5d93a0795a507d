package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/blepm/internal/device"
)

// FakeTransport is an in-memory device.Transport. Scans block until cancelled
// or failed by the test; advertisements are pushed with Advertise. Links either
// complete every connection phase on their own (AutoComplete) or wait for the
// test to drive them.
type FakeTransport struct {
	mu           sync.Mutex
	scans        map[int]*fakeScan
	nextScan     int
	scanStarts   int
	failNext     int
	failErr      error
	profile      []device.Service
	autoComplete bool
	connectErr   map[string]error
	links        map[string]*FakeLink
	connects     int
}

type fakeScan struct {
	handler func(device.Advertisement)
	fail    chan error
}

// NewFakeTransport creates a transport exposing UARTProfile on every link.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		scans:      make(map[int]*fakeScan),
		profile:    UARTProfile(),
		connectErr: make(map[string]error),
		links:      make(map[string]*FakeLink),
	}
}

// WithProfile sets the profile returned by links opened afterwards.
func (t *FakeTransport) WithProfile(services []device.Service) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.profile = services
	return t
}

// WithAutoComplete makes new links pass every connection phase immediately.
func (t *FakeTransport) WithAutoComplete(auto bool) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoComplete = auto
	return t
}

// FailConnect makes the next Connect to address fail with err.
func (t *FakeTransport) FailConnect(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr[address] = err
}

// FailScans makes the next n scans fail immediately with err.
func (t *FakeTransport) FailScans(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
	t.failErr = err
}

// FailActiveScans terminates every running scan with err.
func (t *FakeTransport) FailActiveScans(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.scans {
		select {
		case s.fail <- err:
		default:
		}
	}
}

func (t *FakeTransport) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	t.mu.Lock()
	t.scanStarts++
	if t.failNext > 0 {
		t.failNext--
		err := t.failErr
		t.mu.Unlock()
		if err == nil {
			err = errors.New("scan failed")
		}
		return err
	}
	id := t.nextScan
	t.nextScan++
	s := &fakeScan{handler: handler, fail: make(chan error, 1)}
	t.scans[id] = s
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.scans, id)
		t.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.fail:
		return err
	}
}

// Advertise delivers a scan result to every running scan.
func (t *FakeTransport) Advertise(name, address string) {
	t.AdvertiseAdv(NewAdvertisementBuilder().WithName(name).WithAddress(address).Build())
}

// AdvertiseAdv delivers adv to every running scan.
func (t *FakeTransport) AdvertiseAdv(adv device.Advertisement) {
	t.mu.Lock()
	handlers := make([]func(device.Advertisement), 0, len(t.scans))
	for _, s := range t.scans {
		handlers = append(handlers, s.handler)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(adv)
	}
}

// ActiveScans returns the number of scans currently running.
func (t *FakeTransport) ActiveScans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.scans)
}

// ScanStarts returns the number of Scan calls so far.
func (t *FakeTransport) ScanStarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanStarts
}

func (t *FakeTransport) Connect(ctx context.Context, address string) (device.Link, error) {
	t.mu.Lock()
	t.connects++
	link := newFakeLink(address, t.profile, t.autoComplete)
	t.links[address] = link
	err := t.connectErr[address]
	delete(t.connectErr, address)
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if link.auto {
		return link, nil
	}
	select {
	case err := <-link.connectGate:
		if err != nil {
			return nil, err
		}
		return link, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Link returns the most recent link opened to address, or nil.
func (t *FakeTransport) Link(address string) *FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[address]
}

// Connects returns the number of Connect calls so far.
func (t *FakeTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

var _ device.Transport = (*FakeTransport)(nil)

// FakeLink is a device.Link whose phases are driven by the test.
type FakeLink struct {
	address string
	profile []device.Service
	auto    bool

	connectGate  chan error
	discoverGate chan error
	ackGate      chan error

	mu         sync.Mutex
	handler    func([]byte)
	subscribed string
	writes     [][]byte
	closeCount int

	disconnected chan struct{}
	dropOnce     sync.Once
}

func newFakeLink(address string, profile []device.Service, auto bool) *FakeLink {
	return &FakeLink{
		address:      address,
		profile:      profile,
		auto:         auto,
		connectGate:  make(chan error, 1),
		discoverGate: make(chan error, 1),
		ackGate:      make(chan error, 1),
		disconnected: make(chan struct{}),
	}
}

// CompleteConnect reports the link as connected.
func (l *FakeLink) CompleteConnect() { l.connectGate <- nil }

// FailConnectAttempt makes the pending Connect return err.
func (l *FakeLink) FailConnectAttempt(err error) { l.connectGate <- err }

// CompleteDiscovery finishes service discovery with the configured profile.
func (l *FakeLink) CompleteDiscovery() { l.discoverGate <- nil }

// FailDiscovery finishes service discovery with err.
func (l *FakeLink) FailDiscovery(err error) { l.discoverGate <- err }

// AckNotifications acknowledges the notification descriptor write.
func (l *FakeLink) AckNotifications() { l.ackGate <- nil }

// FailNotifications rejects the notification descriptor write.
func (l *FakeLink) FailNotifications(err error) { l.ackGate <- err }

// Drop simulates a link-level disconnect.
func (l *FakeLink) Drop() {
	l.dropOnce.Do(func() { close(l.disconnected) })
}

// Notify pushes a notification payload as if the peripheral sent it.
func (l *FakeLink) Notify(data []byte) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(data)
	}
}

func (l *FakeLink) Address() string { return l.address }

func (l *FakeLink) DiscoverServices(ctx context.Context) ([]device.Service, error) {
	if !l.auto {
		select {
		case err := <-l.discoverGate:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.disconnected:
			return nil, device.ErrNotConnected
		}
	}
	return l.profile, nil
}

func (l *FakeLink) EnableNotifications(ctx context.Context, service, characteristic string, handler func([]byte)) error {
	l.mu.Lock()
	l.handler = handler
	l.subscribed = device.NormalizeUUID(characteristic)
	l.mu.Unlock()

	if l.auto {
		return nil
	}
	select {
	case err := <-l.ackGate:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.disconnected:
		return device.ErrNotConnected
	}
}

func (l *FakeLink) Write(service, characteristic string, data []byte) error {
	select {
	case <-l.disconnected:
		return device.ErrNotConnected
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, append([]byte(nil), data...))
	return nil
}

func (l *FakeLink) Disconnected() <-chan struct{} { return l.disconnected }

func (l *FakeLink) Close() error {
	l.mu.Lock()
	l.closeCount++
	l.mu.Unlock()
	l.Drop()
	return nil
}

// Writes returns every payload written so far.
func (l *FakeLink) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	copy(out, l.writes)
	return out
}

// Closed reports whether Close was called.
func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCount > 0
}

// Subscribed returns the characteristic notifications were enabled on.
func (l *FakeLink) Subscribed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribed
}

var _ device.Link = (*FakeLink)(nil)
