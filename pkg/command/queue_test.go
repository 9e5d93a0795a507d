package command

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
	"github.com/stretchr/testify/suite"
)

const testAckTimeout = 20 * time.Millisecond

// recordingWriter records every write and optionally acknowledges a packet on a
// given attempt through onWrite.
type recordingWriter struct {
	mu      sync.Mutex
	writes  []device.Packet
	onWrite func(p device.Packet, attempt int)
	err     error
}

func (w *recordingWriter) Write(p device.Packet) error {
	w.mu.Lock()
	w.writes = append(w.writes, p)
	attempt := 0
	for _, x := range w.writes {
		if x.Equal(p) {
			attempt++
		}
	}
	hook := w.onWrite
	err := w.err
	w.mu.Unlock()

	if hook != nil {
		hook(p, attempt)
	}
	return err
}

func (w *recordingWriter) count(p device.Packet) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, x := range w.writes {
		if x.Equal(p) {
			n++
		}
	}
	return n
}

func (w *recordingWriter) order() []device.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]device.Packet(nil), w.writes...)
}

type QueueTestSuite struct {
	suite.Suite

	writer    *recordingWriter
	queue     *Queue
	mu        sync.Mutex
	timeouts  []device.Packet
	delivered []device.Packet
}

func (s *QueueTestSuite) SetupTest() {
	s.writer = &recordingWriter{}
	s.timeouts = nil
	s.delivered = nil
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.queue = New(s.writer, Options{
		Name:       "test-queue",
		AckTimeout: testAckTimeout,
		OnTimeout: func(p device.Packet) {
			s.mu.Lock()
			s.timeouts = append(s.timeouts, p)
			s.mu.Unlock()
		},
		OnDelivered: func(p device.Packet) {
			s.mu.Lock()
			s.delivered = append(s.delivered, p)
			s.mu.Unlock()
		},
		Logger: logger,
	})
}

func (s *QueueTestSuite) TearDownTest() {
	s.queue.Close()
}

func (s *QueueTestSuite) timeoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timeouts)
}

func (s *QueueTestSuite) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func (s *QueueTestSuite) waitIdle() {
	s.Require().Eventually(func() bool { return !s.queue.Running() }, 2*time.Second, 5*time.Millisecond,
		"delivery worker MUST exit once the queue is empty")
}

func (s *QueueTestSuite) TestUnacknowledgedCommandTimesOut() {
	// GOAL: Verify an unacknowledged command is sent exactly Attempts times and reported once
	//
	// TEST SCENARIO: enqueue 0x01 → no reply during 5 waits → one timeout → queue empty

	p := device.NewPacket(0x01, []byte{0x01, 0xA0})
	s.True(s.queue.Enqueue(p))
	s.waitIdle()

	s.Equal(DefaultAttempts, s.writer.count(p), "command MUST be sent exactly 5 times")
	s.Equal(1, s.timeoutCount(), "exactly one timeout MUST be reported")
	s.True(s.timeouts[0].Equal(p))
	s.Zero(s.queue.Len(), "queue MUST be empty after the timeout")
	s.Zero(s.deliveredCount())
	s.Equal(Stats{Sent: 5, TimedOut: 1}, s.queue.Stats())
}

func (s *QueueTestSuite) TestReplyDuringSecondWindow() {
	// GOAL: Verify a matching reply during the second wait stops retries
	//
	// TEST SCENARIO: enqueue 0x01 → reply 0x01 after the 2nd send → removed, no timeout, 2 sends

	p := device.NewPacket(0x01, []byte{0x01, 0xB0})
	s.writer.onWrite = func(sent device.Packet, attempt int) {
		if attempt == 2 {
			s.queue.OnReply(0x01)
		}
	}

	s.True(s.queue.Enqueue(p))
	s.waitIdle()

	s.Equal(2, s.writer.count(p), "total send attempts MUST be 2")
	s.Zero(s.timeoutCount(), "acknowledged command MUST NOT time out")
	s.Equal(1, s.deliveredCount())
	s.Zero(s.queue.Len())
}

func (s *QueueTestSuite) TestDuplicateEnqueueIsNoop() {
	p := device.NewPacket(0x01, []byte{0x01, 0x02})
	gate := make(chan struct{})
	s.writer.onWrite = func(device.Packet, int) { <-gate }

	s.True(s.queue.Enqueue(p))
	s.False(s.queue.Enqueue(device.NewPacket(0x01, []byte{0x01, 0x02})), "byte-identical command MUST NOT be enqueued twice")
	s.Equal(1, s.queue.Len(), "queue length MUST be unchanged by a duplicate")

	s.True(s.queue.Enqueue(device.NewPacket(0x02, []byte{0x02})))
	s.Equal(2, s.queue.Len())
	close(gate)
}

func (s *QueueTestSuite) TestFIFODelivery() {
	// GOAL: Verify strict FIFO delivery and that a timeout advances to the next command
	//
	// TEST SCENARIO: enqueue A, B, C → A times out, B and C acknowledged on first send → order A×5, B, C

	a := device.NewPacket(0x0A, []byte{0x0A})
	b := device.NewPacket(0x0B, []byte{0x0B})
	c := device.NewPacket(0x0C, []byte{0x0C})
	s.writer.onWrite = func(p device.Packet, attempt int) {
		if p.Type() != 0x0A {
			s.queue.OnReply(p.Type())
		}
	}

	s.queue.Enqueue(a)
	s.queue.Enqueue(b)
	s.queue.Enqueue(c)
	s.waitIdle()

	order := s.writer.order()
	s.Require().Len(order, 7)
	for i := 0; i < 5; i++ {
		s.True(order[i].Equal(a), "head MUST be retried before anything else is sent")
	}
	s.True(order[5].Equal(b))
	s.True(order[6].Equal(c))
	s.Equal(1, s.timeoutCount())
	s.Equal(2, s.deliveredCount())
}

func (s *QueueTestSuite) TestReplyForNonHeadIsIgnored() {
	a := device.NewPacket(0x0A, []byte{0x0A})
	b := device.NewPacket(0x0B, []byte{0x0B})
	gate := make(chan struct{})
	writing := make(chan struct{}, 1)
	s.writer.onWrite = func(device.Packet, int) {
		select {
		case writing <- struct{}{}:
		default:
		}
		<-gate
	}

	s.queue.Enqueue(a)
	s.queue.Enqueue(b)
	<-writing

	s.False(s.queue.OnReply(0x0B), "reply for a queued but non-head command MUST be ignored")
	s.False(s.queue.OnReply(0x7F), "reply with unknown tag MUST be ignored")
	s.Equal(2, s.queue.Len())

	s.True(s.queue.OnReply(0x0A))
	s.Equal(1, s.queue.Len())
	close(gate)
}

func (s *QueueTestSuite) TestReplyAfterTimeoutIsIgnored() {
	p := device.NewPacket(0x01, []byte{0x01})
	s.queue.Enqueue(p)
	s.waitIdle()

	s.False(s.queue.OnReply(0x01), "late reply for a dropped command MUST be ignored")
	s.Equal(1, s.timeoutCount())
	s.Zero(s.deliveredCount())
}

func (s *QueueTestSuite) TestReplyBeforeFirstSendIsIgnored() {
	// GOAL: Verify a promoted head cannot be acknowledged before it is sent
	//
	// TEST SCENARIO: enqueue A, B → A acknowledged → reply for B before its first send ignored → B sent

	a := device.NewPacket(0x0A, []byte{0x0A})
	b := device.NewPacket(0x0B, []byte{0x0B})
	var early []bool
	q := New(s.writer, Options{
		AckTimeout: testAckTimeout,
		Attempts:   1,
		OnDelivered: func(p device.Packet) {
			if p.Equal(a) {
				early = append(early, s.queue.OnReply(0x0B))
			}
		},
		OnTimeout: func(device.Packet) {},
	})
	s.queue = q
	s.writer.onWrite = func(p device.Packet, _ int) {
		if p.Equal(a) {
			q.OnReply(0x0A)
		}
	}

	q.Enqueue(a)
	q.Enqueue(b)
	s.waitIdle()

	s.Equal([]bool{false}, early, "reply for a head that was never sent MUST be ignored")
	s.Equal(1, s.writer.count(b), "promoted head MUST still be sent")
	s.Equal(Stats{Sent: 2, Delivered: 1, TimedOut: 1}, q.Stats())
}

func (s *QueueTestSuite) TestReplyAfterWindowClosedIsIgnored() {
	// GOAL: Verify a reply landing after the wait expired does not count as delivery
	//
	// TEST SCENARIO: send → clock passes the ack deadline before the worker wakes → reply ignored → command times out

	clock := time.Now()
	var clockMu sync.Mutex
	sent := make(chan struct{}, 1)
	s.writer.onWrite = func(device.Packet, int) { sent <- struct{}{} }

	q := New(s.writer, Options{AckTimeout: time.Hour, Attempts: 1})
	q.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	s.queue = q

	q.Enqueue(device.NewPacket(0x01, []byte{0x01}))
	<-sent
	clockMu.Lock()
	clock = clock.Add(time.Hour + time.Millisecond)
	clockMu.Unlock()

	s.False(q.OnReply(0x01), "reply after the acknowledgment deadline MUST be ignored")
	s.Equal(1, q.Len())
}

func (s *QueueTestSuite) TestWorkerRestartsLazily() {
	first := device.NewPacket(0x01, []byte{0x01})
	second := device.NewPacket(0x02, []byte{0x02})
	s.writer.onWrite = func(p device.Packet, _ int) { s.queue.OnReply(p.Type()) }

	s.queue.Enqueue(first)
	s.waitIdle()
	s.False(s.queue.Running())

	s.queue.Enqueue(second)
	s.waitIdle()
	s.Equal(1, s.writer.count(second), "next Enqueue MUST restart delivery")
	s.Equal(2, s.deliveredCount())
}

func (s *QueueTestSuite) TestResetAbortsPendingWait() {
	// GOAL: Verify Reset aborts the worker and suppresses callbacks for dropped commands
	//
	// TEST SCENARIO: enqueue → first send observed → Reset → worker exits, no timeout reported

	p := device.NewPacket(0x01, []byte{0x01})
	sent := make(chan struct{}, DefaultAttempts)
	s.writer.onWrite = func(device.Packet, int) {
		select {
		case sent <- struct{}{}:
		default:
		}
	}

	s.queue.Enqueue(p)
	<-sent
	s.queue.Reset()
	s.waitIdle()

	time.Sleep(testAckTimeout * (DefaultAttempts + 1))
	s.Zero(s.timeoutCount(), "no timeout MUST fire for a command dropped by Reset")
	s.Equal(1, s.writer.count(p), "worker MUST stop resending after Reset")

	s.True(s.queue.Enqueue(p), "queue MUST stay usable after Reset")
}

func (s *QueueTestSuite) TestCloseRejectsCommands() {
	s.queue.Close()
	s.False(s.queue.Enqueue(device.NewPacket(0x01, []byte{0x01})))
	s.Zero(s.queue.Len())
	s.queue.Close()
}

func (s *QueueTestSuite) TestWriteErrorsCountAsAttempts() {
	p := device.NewPacket(0x01, []byte{0x01})
	s.writer.err = errors.New("not connected")

	s.queue.Enqueue(p)
	s.waitIdle()

	s.Equal(DefaultAttempts, s.writer.count(p))
	s.Equal(1, s.timeoutCount())
}

func (s *QueueTestSuite) TestCallbacksGoThroughDispatcher() {
	var dispatched int
	var mu sync.Mutex
	q := New(WriterFunc(func(p device.Packet) error { return nil }), Options{
		Attempts:   1,
		AckTimeout: time.Millisecond,
		Dispatch: func(fn func()) {
			mu.Lock()
			dispatched++
			mu.Unlock()
			fn()
		},
		OnTimeout: func(device.Packet) {},
	})
	defer q.Close()

	q.Enqueue(device.NewPacket(0x01, []byte{0x01}))
	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dispatched == 1
	}, time.Second, time.Millisecond, "timeout callback MUST be routed through Dispatch")
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}
