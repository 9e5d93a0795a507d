package manager_test

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/testutils"
	"github.com/srg/blepm/pkg/connection"
	"github.com/srg/blepm/pkg/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *ManagerTestSuite) nextEvent(stream *manager.EventStream) manager.Event {
	select {
	case ev := <-stream.Events():
		return ev
	case <-time.After(testutils.DefaultWait):
		s.FailNow("no event received")
		return manager.Event{}
	}
}

func (s *ManagerTestSuite) TestEventStream() {
	// GOAL: Verify the event stream carries lifecycle, reply and timeout events in order
	//
	// TEST SCENARIO: subscribe stream → connect → discovered, connected → reply → unacknowledged command → timeout → disconnect

	m := s.newManager(manager.Options{Attempts: 2, AckTimeout: 10 * time.Millisecond})
	stream := manager.NewEventStream(16)
	m.AddSubscriber(stream)

	s.Require().NoError(m.Connect(device.NewTargetFilter("Scale-A")))
	s.waitScanning(1)
	s.transport.Advertise(scaleA.Name, scaleA.Address)

	ev := s.nextEvent(stream)
	s.Equal(manager.EventDiscovered, ev.Kind)
	s.Equal(scaleA, ev.Identity)
	s.False(ev.Time.IsZero())

	ev = s.nextEvent(stream)
	s.Require().Equal(manager.EventConnected, ev.Kind)
	p := ev.Peripheral
	s.Require().NotNil(p)

	p.SubscribeToReplies(stream.ReplyListener())
	s.transport.Link(scaleA.Address).Notify([]byte{0x07, 0x01})
	ev = s.nextEvent(stream)
	s.Equal(manager.EventReply, ev.Kind)
	s.Equal([]byte{0x07, 0x01}, ev.Payload)

	packet := device.NewPacket(0x02, []byte{0x02, 0xAA})
	p.Set(packet)
	ev = s.nextEvent(stream)
	s.Require().Equal(manager.EventCommandTimeout, ev.Kind)
	s.True(packet.Equal(ev.Packet))
	s.ErrorIs(ev.Err, device.ErrCommandTimeout)
	var te *device.TimeoutError
	s.Require().ErrorAs(ev.Err, &te)
	s.Equal(2, te.Attempts)
	s.Len(s.transport.Link(scaleA.Address).Writes(), 2, "command MUST be sent once per attempt")

	m.DisconnectAll()
	ev = s.nextEvent(stream)
	s.Equal(manager.EventDisconnected, ev.Kind)
	s.NoError(ev.Err)
}

func TestEventStreamDropsOldest(t *testing.T) {
	stream := manager.NewEventStream(2)
	p := connection.New(device.Identity{Name: "Scale-A", Address: "AA:BB"}, nil, nil, connection.Options{})

	stream.OnDiscovered(p)
	stream.OnConnected(p)
	stream.OnDisconnected(p, errors.New("gone"))
	stream.Close()
	stream.OnConnected(p)

	var kinds []manager.EventKind
	for ev := range stream.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []manager.EventKind{manager.EventConnected, manager.EventDisconnected}, kinds,
		"slow consumer MUST lose the oldest events")
	assert.EqualValues(t, 1, stream.Dropped())
}

func TestEventString(t *testing.T) {
	id := device.Identity{Name: "Scale-A", Address: "AA:BB"}

	ev := manager.Event{Kind: manager.EventDisconnected, Identity: id, Err: device.ErrUnexpectedDisconnect}
	assert.Equal(t, "disconnected Scale-A(AA:BB): "+device.ErrUnexpectedDisconnect.Error(), ev.String())

	ev = manager.Event{Kind: manager.EventReply, Identity: id, Payload: []byte{0x0A, 0xFF}}
	assert.Equal(t, "reply Scale-A(AA:BB) 0A FF", ev.String())

	ev = manager.Event{Kind: manager.EventCommandTimeout, Identity: id, Packet: device.NewPacket(2, []byte{2})}
	assert.Equal(t, "command-timeout Scale-A(AA:BB) [02] 02", ev.String())

	require.Equal(t, "EventKind(42)", manager.EventKind(42).String())
}
