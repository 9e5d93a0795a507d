package manager

import (
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/pkg/connection"
)

// Subscriber receives device lifecycle events on the coordinating loop, in
// registration order. Implementations must be comparable; AddSubscriber uses ==
// to detect duplicates.
type Subscriber interface {
	OnDiscovered(p *connection.Peripheral)
	OnConnected(p *connection.Peripheral)
	// OnDisconnected receives nil for an explicit disconnect.
	OnDisconnected(p *connection.Peripheral, err error)
}

// ConnectFailedSubscriber is optionally implemented by subscribers that want to
// see failed connection attempts.
type ConnectFailedSubscriber interface {
	OnConnectFailed(p *connection.Peripheral, err error)
}

// TimeoutSubscriber is optionally implemented by subscribers that want to see
// commands a device never acknowledged.
type TimeoutSubscriber interface {
	OnCommandTimeout(p *connection.Peripheral, packet device.Packet)
}

// SubscriberFuncs adapts plain functions to Subscriber. Nil fields are skipped.
// Use a pointer so the value stays comparable.
type SubscriberFuncs struct {
	Discovered    func(p *connection.Peripheral)
	Connected     func(p *connection.Peripheral)
	Disconnected  func(p *connection.Peripheral, err error)
	ConnectFailed func(p *connection.Peripheral, err error)
	Timeout       func(p *connection.Peripheral, packet device.Packet)
}

func (f *SubscriberFuncs) OnDiscovered(p *connection.Peripheral) {
	if f.Discovered != nil {
		f.Discovered(p)
	}
}

func (f *SubscriberFuncs) OnConnected(p *connection.Peripheral) {
	if f.Connected != nil {
		f.Connected(p)
	}
}

func (f *SubscriberFuncs) OnDisconnected(p *connection.Peripheral, err error) {
	if f.Disconnected != nil {
		f.Disconnected(p, err)
	}
}

func (f *SubscriberFuncs) OnConnectFailed(p *connection.Peripheral, err error) {
	if f.ConnectFailed != nil {
		f.ConnectFailed(p, err)
	}
}

func (f *SubscriberFuncs) OnCommandTimeout(p *connection.Peripheral, packet device.Packet) {
	if f.Timeout != nil {
		f.Timeout(p, packet)
	}
}

var (
	_ Subscriber              = (*SubscriberFuncs)(nil)
	_ ConnectFailedSubscriber = (*SubscriberFuncs)(nil)
	_ TimeoutSubscriber       = (*SubscriberFuncs)(nil)
)
