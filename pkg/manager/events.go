package manager

import (
	"fmt"
	"time"

	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/ringchan"
	"github.com/srg/blepm/pkg/connection"
)

// EventKind names what happened to a device.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventConnected
	EventDisconnected
	EventConnectFailed
	EventCommandTimeout
	EventReply
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectFailed:
		return "connect-failed"
	case EventCommandTimeout:
		return "command-timeout"
	case EventReply:
		return "reply"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one lifecycle or traffic event. Packet is set for command timeouts,
// Payload for replies, Err for failures and unexpected disconnects.
type Event struct {
	Kind       EventKind
	Identity   device.Identity
	Peripheral *connection.Peripheral
	Packet     device.Packet
	Payload    []byte
	Err        error
	Time       time.Time
}

func (e Event) String() string {
	s := fmt.Sprintf("%s %s", e.Kind, e.Identity)
	switch {
	case e.Kind == EventCommandTimeout:
		s += " " + e.Packet.String()
	case e.Kind == EventReply:
		s += " " + device.NewPacket(0, e.Payload).Hex()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// EventStream turns subscriber callbacks into a bounded channel of Events.
// When the consumer falls behind the oldest events are dropped.
type EventStream struct {
	ring *ringchan.RingChannel[Event]
	now  func() time.Time
}

// NewEventStream creates a stream buffering up to capacity events.
func NewEventStream(capacity int) *EventStream {
	if capacity <= 0 {
		capacity = 64
	}
	return &EventStream{ring: ringchan.New[Event](capacity), now: time.Now}
}

// Events is closed by Close.
func (s *EventStream) Events() <-chan Event { return s.ring.C() }

// Dropped returns how many events were overwritten before being read.
func (s *EventStream) Dropped() int64 { return s.ring.Metrics().Overwritten }

// Close ends the stream. Events published afterwards are discarded.
func (s *EventStream) Close() { s.ring.Close() }

func (s *EventStream) publish(kind EventKind, p *connection.Peripheral, fill func(*Event)) {
	ev := Event{Kind: kind, Identity: p.Identity(), Peripheral: p, Time: s.now()}
	if fill != nil {
		fill(&ev)
	}
	s.ring.Send(ev)
}

func (s *EventStream) OnDiscovered(p *connection.Peripheral) {
	s.publish(EventDiscovered, p, nil)
}

func (s *EventStream) OnConnected(p *connection.Peripheral) {
	s.publish(EventConnected, p, nil)
}

func (s *EventStream) OnDisconnected(p *connection.Peripheral, err error) {
	s.publish(EventDisconnected, p, func(ev *Event) { ev.Err = err })
}

func (s *EventStream) OnConnectFailed(p *connection.Peripheral, err error) {
	s.publish(EventConnectFailed, p, func(ev *Event) { ev.Err = err })
}

func (s *EventStream) OnCommandTimeout(p *connection.Peripheral, packet device.Packet) {
	s.publish(EventCommandTimeout, p, func(ev *Event) {
		ev.Packet = packet
		ev.Err = &device.TimeoutError{Packet: packet, Attempts: p.Queue().Attempts()}
	})
}

// ReplyListener returns a listener for Peripheral.SubscribeToReplies that
// publishes every reply as an EventReply.
func (s *EventStream) ReplyListener() connection.ReplyListener {
	return func(p *connection.Peripheral, payload []byte) {
		data := append([]byte(nil), payload...)
		s.publish(EventReply, p, func(ev *Event) { ev.Payload = data })
	}
}

var (
	_ Subscriber              = (*EventStream)(nil)
	_ ConnectFailedSubscriber = (*EventStream)(nil)
	_ TimeoutSubscriber       = (*EventStream)(nil)
)
