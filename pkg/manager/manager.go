// Package manager is the peripheral session orchestrator. A Manager owns a
// pool of discovery sessions, the devices being connected, the devices that
// are connected, and the subscribers told about them.
//
// All manager state lives on one coordinating loop. Public methods are safe
// for any goroutine and marshal onto the loop; subscriber callbacks run on it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/groutine"
	"github.com/srg/blepm/internal/loop"
	"github.com/srg/blepm/internal/radio"
	"github.com/srg/blepm/pkg/connection"
	"github.com/srg/blepm/pkg/discovery"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrNotRunning is returned by Connect and ConnectOnlyOne before Start or after Close.
var ErrNotRunning = errors.New("manager is not running")

// Options configures a Manager. Zero durations and counts select the package
// defaults of discovery, connection and command.
type Options struct {
	// Capability drives every device no profile matches.
	Capability device.Capability
	Profiles   []Profile

	Radio       radio.Radio
	Permissions radio.Permissions

	RetryDelay     time.Duration
	ConnectTimeout time.Duration
	Attempts       int
	AckTimeout     time.Duration

	Logger *logrus.Logger
}

type peripheralMap = orderedmap.OrderedMap[device.Identity, *connection.Peripheral]

// Manager connects to devices matching target filters and keeps track of them.
type Manager struct {
	loop      *loop.Loop
	transport device.Transport
	radio     radio.Radio
	perms     radio.Permissions
	profiles  profiles
	opts      Options
	logger    *logrus.Logger

	// loop owned
	sessions    []*discovery.Session
	connecting  *peripheralMap
	connected   *peripheralMap
	subscribers []Subscriber
	radioOn     bool

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	watch   *groutine.Group
}

// New creates a manager. Nothing runs until Start.
func New(transport device.Transport, opts Options) (*Manager, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	ps, err := newProfiles(opts.Capability, opts.Profiles)
	if err != nil {
		return nil, err
	}
	if opts.Radio == nil || opts.Permissions == nil {
		static := radio.NewStatic(true, true)
		if opts.Radio == nil {
			opts.Radio = static
		}
		if opts.Permissions == nil {
			opts.Permissions = static
		}
	}
	return &Manager{
		loop:       loop.New("manager-loop", opts.Logger),
		transport:  transport,
		radio:      opts.Radio,
		perms:      opts.Permissions,
		profiles:   ps,
		opts:       opts,
		logger:     opts.Logger,
		connecting: orderedmap.New[device.Identity, *connection.Peripheral](),
		connected:  orderedmap.New[device.Identity, *connection.Peripheral](),
		watch:      &groutine.Group{},
	}, nil
}

// Start runs the coordinating loop and follows the radio state until ctx is
// cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.radioOn = m.radio.Enabled()
	m.loop.Start(ctx)

	m.watch.Go(ctx, "radio-watch", func(ctx context.Context) {
		err := m.radio.Watch(ctx, func(enabled bool) {
			m.loop.Post(func() { m.onRadio(enabled) })
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.WithField("error", err).Warn("Radio watch ended")
		}
	})
	m.logger.WithField("radio_enabled", m.radioOn).Debug("Manager started")
}

// Close disconnects every device, stops every session and the loop. It is
// safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started, cancel := m.started, m.cancel
	m.mu.Unlock()
	if !started {
		return
	}

	_ = m.loop.Do(m.disconnectAll)
	cancel()
	m.watch.Wait()
	m.loop.Stop()
	m.logger.Debug("Manager closed")
}

// Loop exposes the coordinating loop so callers can run code next to manager state.
func (m *Manager) Loop() *loop.Loop { return m.loop }

func (m *Manager) do(op string, fn func()) error {
	m.mu.Lock()
	running := m.started && !m.closed
	m.mu.Unlock()
	if running && m.loop.Do(fn) == nil {
		return nil
	}
	m.logger.WithField("op", op).Debug("Manager is not running")
	return ErrNotRunning
}

// precondition fails fast when scanning or connecting cannot work.
func (m *Manager) precondition() error {
	if !m.perms.Granted() {
		return &device.PreconditionError{Reason: "bluetooth permission not granted"}
	}
	if !m.radio.Enabled() {
		return &device.PreconditionError{Reason: "bluetooth radio is off"}
	}
	return nil
}

// Connect looks for one device per filter.
func (m *Manager) Connect(filters ...device.TargetFilter) error {
	if err := m.precondition(); err != nil {
		return err
	}
	return m.do("connect", func() {
		for _, f := range filters {
			m.connectOnlyOne([]device.TargetFilter{f})
		}
	})
}

// ConnectOnlyOne looks for a single device matching any of filters. A device
// that is already connected is announced again as discovered and connected
// after ConnectOnlyOne returns.
func (m *Manager) ConnectOnlyOne(filters ...device.TargetFilter) error {
	if err := m.precondition(); err != nil {
		return err
	}
	if len(filters) == 0 {
		return fmt.Errorf("at least one target filter is required")
	}
	return m.do("connect-only-one", func() { m.connectOnlyOne(filters) })
}

func (m *Manager) connectOnlyOne(filters []device.TargetFilter) {
	for pair := m.connected.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := device.MatchAny(filters, pair.Key); !ok {
			continue
		}
		p := pair.Value
		m.logger.WithField("device", p.Identity().String()).Debug("Already connected, announcing again")
		m.loop.Post(func() {
			if cur, ok := m.connected.Get(p.Identity()); !ok || cur != p {
				return
			}
			m.broadcastDiscovered(p)
			m.broadcastConnected(p)
		})
		return
	}

	s := m.sessionFor(filters)
	s.Start(filters, m.onMatch)
}

// sessionFor returns a pooled session scanning for the same filters, or an
// idle one, or a new one added to the pool.
func (m *Manager) sessionFor(filters []device.TargetFilter) *discovery.Session {
	for _, s := range m.sessions {
		if s.MatchesFilterSet(filters) || s.IsIdle() {
			return s
		}
	}
	s := discovery.New(m.loop, m.transport, discovery.Options{
		Name:       fmt.Sprintf("discovery-%d", len(m.sessions)+1),
		RetryDelay: m.opts.RetryDelay,
		Logger:     m.logger,
	})
	m.sessions = append(m.sessions, s)
	return s
}

func (m *Manager) onMatch(id device.Identity, f device.TargetFilter) {
	if _, ok := m.connecting.Get(id); ok {
		return
	}
	if _, ok := m.connected.Get(id); ok {
		return
	}
	capability, ok := m.profiles.lookup(id)
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"device": id.String(),
			"filter": f.String(),
		}).Warn("No capability for matched device, ignoring")
		return
	}

	p := connection.New(id, m.loop, m.transport, connection.Options{
		Capability:     capability,
		ConnectTimeout: m.opts.ConnectTimeout,
		Attempts:       m.opts.Attempts,
		AckTimeout:     m.opts.AckTimeout,
		Logger:         m.logger,
	})
	m.connecting.Set(id, p)
	m.broadcastDiscovered(p)
	p.Connect(peripheralEvents{m})
}

// peripheralEvents keeps the connection callbacks off the Manager API.
type peripheralEvents struct{ m *Manager }

func (e peripheralEvents) OnConnected(p *connection.Peripheral) { e.m.onConnected(p) }

func (e peripheralEvents) OnConnectFailed(p *connection.Peripheral, err error) {
	e.m.onConnectFailed(p, err)
}

func (e peripheralEvents) OnDisconnected(p *connection.Peripheral, err error) {
	e.m.onDisconnected(p, err)
}

func (e peripheralEvents) OnCommandTimeout(p *connection.Peripheral, packet device.Packet) {
	e.m.onCommandTimeout(p, packet)
}

func (m *Manager) onConnected(p *connection.Peripheral) {
	id := p.Identity()
	if cur, ok := m.connecting.Get(id); !ok || cur != p {
		m.logger.WithField("device", id.String()).Debug("Connected peripheral is no longer wanted")
		p.Close()
		return
	}
	m.connecting.Delete(id)
	if _, ok := m.connected.Get(id); !ok {
		m.connected.Set(id, p)
	}
	m.broadcastConnected(p)
}

func (m *Manager) onConnectFailed(p *connection.Peripheral, err error) {
	id := p.Identity()
	if cur, ok := m.connecting.Get(id); ok && cur == p {
		m.connecting.Delete(id)
	}
	m.logger.WithFields(logrus.Fields{
		"device": id.String(),
		"error":  err,
	}).Warn("Connection attempt failed")
	p.Close()
	m.broadcastConnectFailed(p, err)
}

func (m *Manager) onDisconnected(p *connection.Peripheral, err error) {
	id := p.Identity()
	cur, ok := m.connected.Get(id)
	if !ok || cur != p {
		return
	}
	m.connected.Delete(id)
	m.broadcastDisconnected(p, err)
	p.Close()
}

func (m *Manager) onCommandTimeout(p *connection.Peripheral, packet device.Packet) {
	m.logger.WithFields(logrus.Fields{
		"device": p.Identity().String(),
		"packet": packet.String(),
	}).Warn("Command not acknowledged")
	for _, s := range m.snapshotSubscribers() {
		if ts, ok := s.(TimeoutSubscriber); ok {
			ts.OnCommandTimeout(p, packet)
		}
	}
}

func (m *Manager) onRadio(enabled bool) {
	if enabled == m.radioOn {
		return
	}
	m.radioOn = enabled
	m.logger.WithField("enabled", enabled).Info("Bluetooth radio state changed")

	if !enabled {
		for _, p := range values(m.connecting) {
			m.connecting.Delete(p.Identity())
			p.Close()
		}
		for _, p := range values(m.connected) {
			p.ForceDisconnect(device.ErrBluetoothOff)
		}
		return
	}

	for _, s := range m.sessions {
		if s.IsIdle() && m.satisfied(s.Filters()) {
			continue
		}
		s.Resume()
	}
}

// satisfied reports whether a connected device already matches one of filters.
func (m *Manager) satisfied(filters []device.TargetFilter) bool {
	for pair := m.connected.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := device.MatchAny(filters, pair.Key); ok {
			return true
		}
	}
	return false
}

// StopConnect stops the sessions scanning for exactly filters and removes
// filters from every other session. Connected devices are not affected.
func (m *Manager) StopConnect(filters ...device.TargetFilter) {
	_ = m.do("stop-connect", func() { m.stopConnect(filters) })
}

func (m *Manager) stopConnect(filters []device.TargetFilter) {
	for _, s := range m.sessions {
		if s.MatchesFilterSet(filters) {
			s.Stop()
			continue
		}
		for _, f := range filters {
			s.RemoveFilter(f)
		}
	}
}

// StopConnectAll stops every session and empties the pool.
func (m *Manager) StopConnectAll() {
	_ = m.do("stop-connect-all", m.stopConnectAll)
}

func (m *Manager) stopConnectAll() {
	for _, s := range m.sessions {
		s.Stop()
	}
	m.sessions = nil
}

// Disconnect stops discovery for filters, aborts matching connection attempts
// and tears down matching connected devices.
func (m *Manager) Disconnect(filters ...device.TargetFilter) {
	_ = m.do("disconnect", func() {
		m.stopConnect(filters)
		for _, p := range values(m.connecting) {
			if _, ok := device.MatchAny(filters, p.Identity()); ok {
				m.connecting.Delete(p.Identity())
				p.Close()
			}
		}
		for _, p := range values(m.connected) {
			if _, ok := device.MatchAny(filters, p.Identity()); ok {
				p.Disconnect()
			}
		}
	})
}

// DisconnectAll stops all discovery and tears down every device.
func (m *Manager) DisconnectAll() {
	_ = m.do("disconnect-all", m.disconnectAll)
}

func (m *Manager) disconnectAll() {
	m.stopConnectAll()
	for _, p := range values(m.connecting) {
		m.connecting.Delete(p.Identity())
		p.Close()
	}
	for _, p := range values(m.connected) {
		p.Disconnect()
	}
}

// ConnectedDevices returns the connected devices matching any of filters, in
// the order they connected. Without filters it returns every connected device.
func (m *Manager) ConnectedDevices(filters ...device.TargetFilter) []*connection.Peripheral {
	var out []*connection.Peripheral
	_ = m.do("connected-devices", func() {
		for pair := m.connected.Oldest(); pair != nil; pair = pair.Next() {
			if len(filters) > 0 {
				if _, ok := device.MatchAny(filters, pair.Key); !ok {
					continue
				}
			}
			out = append(out, pair.Value)
		}
	})
	return out
}

// CurrentDevice returns the most recently connected device matching any of
// filters, or nil.
func (m *Manager) CurrentDevice(filters ...device.TargetFilter) *connection.Peripheral {
	var out *connection.Peripheral
	_ = m.do("current-device", func() {
		for pair := m.connected.Newest(); pair != nil; pair = pair.Prev() {
			if len(filters) > 0 {
				if _, ok := device.MatchAny(filters, pair.Key); !ok {
					continue
				}
			}
			out = pair.Value
			return
		}
	})
	return out
}

// Connecting returns the devices with a connection attempt in flight.
func (m *Manager) Connecting() []*connection.Peripheral {
	var out []*connection.Peripheral
	_ = m.do("connecting", func() { out = values(m.connecting) })
	return out
}

// Sessions returns the size of the discovery pool and how many sessions are scanning.
func (m *Manager) Sessions() (pooled, active int) {
	_ = m.do("sessions", func() {
		pooled = len(m.sessions)
		for _, s := range m.sessions {
			if !s.IsIdle() {
				active++
			}
		}
	})
	return pooled, active
}

// AddSubscriber registers s. Adding a registered subscriber is a no-op.
func (m *Manager) AddSubscriber(s Subscriber) {
	_ = m.do("add-subscriber", func() {
		for _, cur := range m.subscribers {
			if cur == s {
				return
			}
		}
		m.subscribers = append(m.subscribers, s)
	})
}

// RemoveSubscriber unregisters s. Removing an unknown subscriber is a no-op.
func (m *Manager) RemoveSubscriber(s Subscriber) {
	_ = m.do("remove-subscriber", func() {
		for i, cur := range m.subscribers {
			if cur == s {
				m.subscribers = append(m.subscribers[:i:i], m.subscribers[i+1:]...)
				return
			}
		}
	})
}

// snapshotSubscribers lets callbacks add or remove subscribers mid-broadcast.
func (m *Manager) snapshotSubscribers() []Subscriber {
	return append([]Subscriber(nil), m.subscribers...)
}

func (m *Manager) broadcastDiscovered(p *connection.Peripheral) {
	m.logger.WithField("device", p.Identity().String()).Info("Device discovered")
	for _, s := range m.snapshotSubscribers() {
		s.OnDiscovered(p)
	}
}

func (m *Manager) broadcastConnected(p *connection.Peripheral) {
	m.logger.WithField("device", p.Identity().String()).Info("Device connected")
	for _, s := range m.snapshotSubscribers() {
		s.OnConnected(p)
	}
}

func (m *Manager) broadcastDisconnected(p *connection.Peripheral, err error) {
	m.logger.WithFields(logrus.Fields{
		"device": p.Identity().String(),
		"reason": err,
	}).Info("Device disconnected")
	for _, s := range m.snapshotSubscribers() {
		s.OnDisconnected(p, err)
	}
}

func (m *Manager) broadcastConnectFailed(p *connection.Peripheral, err error) {
	for _, s := range m.snapshotSubscribers() {
		if cs, ok := s.(ConnectFailedSubscriber); ok {
			cs.OnConnectFailed(p, err)
		}
	}
}

func values(om *peripheralMap) []*connection.Peripheral {
	out := make([]*connection.Peripheral, 0, om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}
