// Package connection drives one peripheral through
// Disconnected → Connecting → Connected and back. Connecting covers three
// internal phases: opening the link, negotiating the GATT profile and enabling
// notifications. Only the acknowledged notification subscription promotes the
// peripheral to Connected.
//
// Peripheral methods other than State, Set, SubscribeToReplies and
// OnCommandTimeout must be called on the coordinating loop. Transport calls run
// on worker goroutines and come back to the loop as events stamped with the
// attempt generation; events from a torn-down attempt are discarded.
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/groutine"
	"github.com/srg/blepm/internal/loop"
	"github.com/srg/blepm/pkg/command"
)

// DefaultConnectTimeout bounds a whole connection attempt.
const DefaultConnectTimeout = 30 * time.Second

// Callback receives lifecycle events on the loop.
type Callback interface {
	OnConnected(p *Peripheral)
	OnConnectFailed(p *Peripheral, err error)
	OnDisconnected(p *Peripheral, err error)
}

// TimeoutCallback is optionally implemented by a Callback that wants command
// timeouts as well.
type TimeoutCallback interface {
	OnCommandTimeout(p *Peripheral, packet device.Packet)
}

// ReplyListener receives notification payloads while the peripheral is connected.
type ReplyListener func(p *Peripheral, payload []byte)

// TimeoutListener receives commands the peripheral never acknowledged.
type TimeoutListener func(p *Peripheral, packet device.Packet)

// Options configures a Peripheral.
type Options struct {
	Capability     device.Capability
	ConnectTimeout time.Duration
	Attempts       int
	AckTimeout     time.Duration
	Logger         *logrus.Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseLinking
	phaseDiscovering
	phaseSubscribing
	phaseReady
)

func (ph phase) String() string {
	return [...]string{"idle", "linking", "discovering", "subscribing", "ready"}[ph]
}

// Peripheral is the connection state machine of one device. It owns the
// device's command queue.
type Peripheral struct {
	id        device.Identity
	loop      *loop.Loop
	transport device.Transport
	opts      Options
	logger    *logrus.Logger

	// loop owned
	phase      phase
	generation uint64
	callback   Callback
	ctx        context.Context
	cancel     context.CancelFunc
	timer      *loop.Timer
	attempts   int

	state atomic.Int32
	queue *command.Queue

	linkMu sync.RWMutex
	link   device.Link

	listenerMu sync.RWMutex
	replies    ReplyListener
	timeouts   TimeoutListener
}

// New creates a disconnected peripheral.
func New(id device.Identity, l *loop.Loop, transport device.Transport, opts Options) *Peripheral {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	p := &Peripheral{
		id:        id,
		loop:      l,
		transport: transport,
		opts:      opts,
		logger:    opts.Logger,
	}
	p.queue = command.New(command.WriterFunc(p.Write), command.Options{
		Name:       "cmd-" + id.Address,
		Attempts:   opts.Attempts,
		AckTimeout: opts.AckTimeout,
		Dispatch:   func(fn func()) { l.Post(fn) },
		OnTimeout:  p.onCommandTimeout,
		Logger:     opts.Logger,
	})
	return p
}

// Identity returns the device key.
func (p *Peripheral) Identity() device.Identity { return p.id }

// Name returns the advertised name.
func (p *Peripheral) Name() string { return p.id.Name }

// Address returns the device address.
func (p *Peripheral) Address() string { return p.id.Address }

// Capability returns the endpoints this peripheral talks to.
func (p *Peripheral) Capability() device.Capability { return p.opts.Capability }

// State is safe to call from any goroutine.
func (p *Peripheral) State() device.ConnectionState {
	return device.ConnectionState(p.state.Load())
}

// Queue exposes the command queue for inspection.
func (p *Peripheral) Queue() *command.Queue { return p.queue }

func (p *Peripheral) String() string {
	return fmt.Sprintf("%s[%s]", p.id, p.State())
}

func (p *Peripheral) setState(s device.ConnectionState) {
	p.state.Store(int32(s))
}

func (p *Peripheral) log() *logrus.Entry {
	return p.logger.WithFields(logrus.Fields{
		"name":       p.id.Name,
		"address":    p.id.Address,
		"phase":      p.phase.String(),
		"generation": p.generation,
	})
}

// Connect starts a connection attempt. It is a no-op unless the peripheral is
// Disconnected.
func (p *Peripheral) Connect(cb Callback) {
	if p.State() != device.Disconnected {
		return
	}
	p.callback = cb
	p.generation++
	p.attempts++
	gen := p.generation
	ctx, cancel := context.WithCancel(context.Background())
	p.ctx, p.cancel = ctx, cancel
	p.phase = phaseLinking
	p.setState(device.Connecting)
	p.timer = p.loop.AfterFunc(p.opts.ConnectTimeout, func() { p.onConnectTimeout(gen) })
	p.log().Info("Connecting to peripheral...")

	groutine.Go(ctx, "link-"+p.id.Address, func(ctx context.Context) {
		link, err := p.transport.Connect(ctx, p.id.Address)
		p.post(gen, func() { p.onLinkUp(gen, link, err) }, func() {
			if link != nil {
				_ = link.Close()
			}
		})
	})
}

// post delivers an event to the loop. If the loop is gone, or the attempt is
// stale when the event runs, orphan is executed instead.
func (p *Peripheral) post(gen uint64, event func(), orphan func()) {
	ok := p.loop.Post(func() {
		if gen != p.generation {
			if orphan != nil {
				orphan()
			}
			return
		}
		event()
	})
	if !ok && orphan != nil {
		orphan()
	}
}

func (p *Peripheral) onLinkUp(gen uint64, link device.Link, err error) {
	if err != nil {
		p.fail(fmt.Errorf("open link: %w", err))
		return
	}
	p.linkMu.Lock()
	p.link = link
	p.linkMu.Unlock()
	p.phase = phaseDiscovering
	p.log().Debug("Link up, discovering services...")

	ctx := p.ctx
	groutine.Go(ctx, "link-monitor-"+p.id.Address, func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			p.post(gen, func() { p.onLinkDown() }, nil)
		case <-ctx.Done():
		}
	})
	groutine.Go(ctx, "discover-"+p.id.Address, func(ctx context.Context) {
		services, err := link.DiscoverServices(ctx)
		p.post(gen, func() { p.onServices(gen, link, services, err) }, nil)
	})
}

func (p *Peripheral) onServices(gen uint64, link device.Link, services []device.Service, err error) {
	if p.phase != phaseDiscovering {
		return
	}
	if err != nil {
		p.fail(fmt.Errorf("discover services: %w", err))
		return
	}
	capability := p.opts.Capability
	if err := capability.Resolve(services); err != nil {
		p.fail(err)
		return
	}
	p.phase = phaseSubscribing
	p.log().WithField("services", len(services)).Debug("Profile negotiated, enabling notifications...")

	groutine.Go(p.ctx, "subscribe-"+p.id.Address, func(ctx context.Context) {
		err := link.EnableNotifications(ctx, capability.Service, capability.Notify, func(payload []byte) {
			data := append([]byte(nil), payload...)
			p.post(gen, func() { p.onNotification(data) }, nil)
		})
		p.post(gen, func() { p.onSubscribed(err) }, nil)
	})
}

func (p *Peripheral) onSubscribed(err error) {
	if p.phase != phaseSubscribing {
		return
	}
	if err != nil {
		p.fail(fmt.Errorf("enable notifications: %w", err))
		return
	}
	p.timer.Stop()
	p.timer = nil
	p.phase = phaseReady
	p.setState(device.Connected)
	p.log().Info("Peripheral connected")
	if p.callback != nil {
		p.callback.OnConnected(p)
	}
}

func (p *Peripheral) onNotification(payload []byte) {
	if p.State() != device.Connected {
		p.log().WithField("bytes", len(payload)).Debug("Dropping notification received before ready")
		return
	}
	if tag, ok := p.opts.Capability.Tag(payload); ok {
		p.queue.OnReply(tag)
	}
	p.listenerMu.RLock()
	listener := p.replies
	p.listenerMu.RUnlock()
	if listener != nil {
		listener(p, payload)
	}
}

func (p *Peripheral) onLinkDown() {
	prior := p.State()
	p.log().Warn("Link dropped")
	p.teardown()
	switch prior {
	case device.Connecting:
		p.connectFailed(fmt.Errorf("%w: link dropped during negotiation: %w", device.ErrConnectFailure, device.ErrNotConnected))
	case device.Connected:
		if p.callback != nil {
			p.callback.OnDisconnected(p, device.ErrUnexpectedDisconnect)
		}
	}
}

func (p *Peripheral) onConnectTimeout(gen uint64) {
	if gen != p.generation || p.State() != device.Connecting {
		return
	}
	p.fail(fmt.Errorf("no ready state after %s: %w", p.opts.ConnectTimeout, context.DeadlineExceeded))
}

// fail aborts the attempt in progress and reports it once.
func (p *Peripheral) fail(err error) {
	p.log().WithField("error", err).Warn("Connection attempt failed")
	p.teardown()
	p.connectFailed(fmt.Errorf("%w: %w", device.ErrConnectFailure, err))
}

func (p *Peripheral) connectFailed(err error) {
	if p.callback != nil {
		p.callback.OnConnectFailed(p, err)
	}
}

// teardown invalidates the current attempt and releases the link.
func (p *Peripheral) teardown() {
	p.generation++
	if p.cancel != nil {
		p.cancel()
		p.ctx, p.cancel = nil, nil
	}
	p.timer.Stop()
	p.timer = nil
	p.queue.Reset()
	p.phase = phaseIdle
	p.setState(device.Disconnected)

	p.linkMu.Lock()
	link := p.link
	p.link = nil
	p.linkMu.Unlock()

	if link != nil {
		groutine.Go(context.Background(), "link-close-"+p.id.Address, func(ctx context.Context) {
			if err := link.Close(); err != nil {
				p.logger.WithFields(logrus.Fields{
					"address": p.id.Address,
					"error":   err,
				}).Debug("Link close reported an error")
			}
		})
	}
}

// Disconnect tears the connection down. OnDisconnected fires only if the
// peripheral was Connected.
func (p *Peripheral) Disconnect() {
	p.ForceDisconnect(nil)
}

// ForceDisconnect is Disconnect with the reason handed to OnDisconnected. It is
// used when the link is already unusable, e.g. the radio went off.
func (p *Peripheral) ForceDisconnect(reason error) {
	prior := p.State()
	if prior == device.Disconnected {
		return
	}
	p.log().WithField("reason", reason).Info("Disconnecting peripheral")
	p.teardown()
	if prior == device.Connected && p.callback != nil {
		p.callback.OnDisconnected(p, reason)
	}
}

// Write sends packet straight to the write endpoint. It fails unless the
// peripheral is Connected. Safe for any goroutine.
func (p *Peripheral) Write(packet device.Packet) error {
	if p.State() != device.Connected {
		return device.ErrNotConnected
	}
	p.linkMu.RLock()
	link := p.link
	p.linkMu.RUnlock()
	if link == nil {
		return device.ErrNotConnected
	}
	capability := p.opts.Capability
	return link.Write(capability.Service, capability.Write, packet.Bytes())
}

// Set queues packet for acknowledged delivery. Outside Connected the command is
// dropped silently. Safe for any goroutine.
func (p *Peripheral) Set(packet device.Packet) {
	if p.State() != device.Connected {
		p.logger.WithFields(logrus.Fields{
			"address": p.id.Address,
			"packet":  packet.String(),
		}).Debug("Peripheral not connected, dropping command")
		return
	}
	p.queue.Enqueue(packet)
}

// SubscribeToReplies registers the notification listener, replacing any
// previous one. Pass nil to unsubscribe.
func (p *Peripheral) SubscribeToReplies(listener ReplyListener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.replies = listener
}

// OnCommandTimeout registers the listener for unacknowledged commands.
func (p *Peripheral) OnCommandTimeout(listener TimeoutListener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.timeouts = listener
}

func (p *Peripheral) onCommandTimeout(packet device.Packet) {
	p.listenerMu.RLock()
	listener := p.timeouts
	p.listenerMu.RUnlock()
	if listener != nil {
		listener(p, packet)
	}
	if tc, ok := p.callback.(TimeoutCallback); ok {
		tc.OnCommandTimeout(p, packet)
	}
}

// Attempts returns how many connection attempts were started.
func (p *Peripheral) Attempts() int { return p.attempts }

// Close disconnects and releases the command queue for good.
func (p *Peripheral) Close() {
	p.Disconnect()
	p.queue.Close()
}
