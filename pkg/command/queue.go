// Package command implements the per-device command delivery queue: a FIFO of
// tagged packets delivered one at a time by a background worker that resends
// the head until the peripheral acknowledges it or the attempts run out.
package command

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/groutine"
)

const (
	DefaultAttempts   = 5
	DefaultAckTimeout = time.Second
)

// Writer sends one packet to the peripheral.
type Writer interface {
	Write(p device.Packet) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(p device.Packet) error

func (f WriterFunc) Write(p device.Packet) error { return f(p) }

// Options configures a Queue. Zero values select the defaults.
type Options struct {
	Name       string
	Attempts   int
	AckTimeout time.Duration

	// Dispatch runs user callbacks. Nil runs them on the worker goroutine.
	Dispatch func(func())

	OnTimeout   func(p device.Packet)
	OnDelivered func(p device.Packet)

	Logger *logrus.Logger
}

// Stats are cumulative delivery counters.
type Stats struct {
	Sent      uint64
	Delivered uint64
	TimedOut  uint64
}

type entry struct {
	packet device.Packet
	acked  chan struct{}

	// awaiting and deadline bound the open acknowledgment window; guarded by
	// Queue.mu.
	awaiting bool
	deadline time.Time
}

// Queue serializes writes to one device.
type Queue struct {
	w    Writer
	opts Options

	mu      sync.Mutex
	pending []*entry
	running bool
	closed  bool
	epoch   uint64
	abort   chan struct{}

	sent      atomic.Uint64
	delivered atomic.Uint64
	timedOut  atomic.Uint64

	now func() time.Time
}

// New creates an idle queue writing through w.
func New(w Writer, opts Options) *Queue {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Name == "" {
		opts.Name = "command-queue"
	}
	return &Queue{
		w:     w,
		opts:  opts,
		abort: make(chan struct{}),
		now:   time.Now,
	}
}

// Enqueue appends p unless a byte-identical packet is already pending. It
// starts the delivery worker if none is running and reports whether p was added.
func (q *Queue) Enqueue(p device.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	for _, e := range q.pending {
		if e.packet.Equal(p) {
			q.opts.Logger.WithFields(logrus.Fields{
				"queue":  q.opts.Name,
				"packet": p.String(),
			}).Debug("Command already pending, skipping")
			return false
		}
	}
	q.pending = append(q.pending, &entry{packet: p, acked: make(chan struct{})})

	if !q.running {
		q.running = true
		epoch := q.epoch
		abort := q.abort
		groutine.Go(context.Background(), q.opts.Name+"-worker", func(ctx context.Context) {
			q.deliver(epoch, abort)
		})
	}
	return true
}

// OnReply acknowledges the head command if its type matches tag and it is
// waiting for an acknowledgment. Replies for anything but the head, replies
// before the head is first sent and replies after its wait expired are
// ignored. It reports whether the head was acknowledged.
func (q *Queue) OnReply(tag byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || q.pending[0].packet.Type() != tag {
		return false
	}
	head := q.pending[0]
	if !head.awaiting || q.now().After(head.deadline) {
		q.opts.Logger.WithFields(logrus.Fields{
			"queue":  q.opts.Name,
			"packet": head.packet.String(),
		}).Debug("Reply outside the acknowledgment window, ignoring")
		return false
	}
	head.awaiting = false
	q.pending[0] = nil
	q.pending = q.pending[1:]
	close(head.acked)
	return true
}

func (q *Queue) deliver(epoch uint64, abort <-chan struct{}) {
	log := q.opts.Logger.WithField("queue", q.opts.Name)
	for {
		q.mu.Lock()
		if q.epoch != epoch {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		head := q.pending[0]
		q.mu.Unlock()

		acked, aborted := q.attempt(head, abort, log)
		if aborted {
			return
		}

		q.mu.Lock()
		if q.epoch != epoch {
			q.mu.Unlock()
			return
		}
		if !acked {
			select {
			case <-head.acked:
				acked = true
			default:
			}
		}
		if !acked && len(q.pending) > 0 && q.pending[0] == head {
			q.pending[0] = nil
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()

		if acked {
			q.delivered.Add(1)
			log.WithField("packet", head.packet.String()).Debug("Command acknowledged")
			q.dispatch(epoch, q.opts.OnDelivered, head.packet)
			continue
		}

		q.timedOut.Add(1)
		log.WithFields(logrus.Fields{
			"packet":   head.packet.String(),
			"attempts": q.opts.Attempts,
		}).Warn("Command not acknowledged, dropping")
		q.dispatch(epoch, q.opts.OnTimeout, head.packet)
	}
}

// attempt sends head up to Attempts times, waiting AckTimeout after each send.
func (q *Queue) attempt(head *entry, abort <-chan struct{}, log *logrus.Entry) (acked, aborted bool) {
	timer := time.NewTimer(q.opts.AckTimeout)
	defer timer.Stop()

	for n := 1; n <= q.opts.Attempts; n++ {
		select {
		case <-head.acked:
			return true, false
		case <-abort:
			return false, true
		default:
		}

		q.open(head)
		q.sent.Add(1)
		if err := q.w.Write(head.packet); err != nil {
			log.WithFields(logrus.Fields{
				"packet":  head.packet.String(),
				"attempt": n,
				"error":   err,
			}).Warn("Command write failed")
		} else {
			log.WithFields(logrus.Fields{
				"packet":  head.packet.String(),
				"attempt": n,
			}).Debug("Command sent")
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.opts.AckTimeout)

		select {
		case <-head.acked:
			return true, false
		case <-abort:
			return false, true
		case <-timer.C:
			q.expire(head)
		}
	}
	return false, false
}

// open starts the acknowledgment window for the send about to happen.
func (q *Queue) open(head *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head.awaiting = true
	head.deadline = q.now().Add(q.opts.AckTimeout)
}

func (q *Queue) expire(head *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head.awaiting = false
}

func (q *Queue) dispatch(epoch uint64, cb func(device.Packet), p device.Packet) {
	if cb == nil {
		return
	}
	run := func() {
		q.mu.Lock()
		live := q.epoch == epoch
		q.mu.Unlock()
		if live {
			cb(p)
		}
	}
	if q.opts.Dispatch != nil {
		q.opts.Dispatch(run)
		return
	}
	run()
}

// Len returns the number of pending commands, including the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a snapshot of the pending commands in delivery order.
func (q *Queue) Pending() []device.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]device.Packet, len(q.pending))
	for i, e := range q.pending {
		out[i] = e.packet
	}
	return out
}

// Running reports whether a delivery worker is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Reset drops every pending command and aborts the worker's wait. No callback
// fires for the dropped commands. The queue stays usable.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
}

func (q *Queue) resetLocked() {
	q.epoch++
	close(q.abort)
	q.abort = make(chan struct{})
	q.pending = nil
	q.running = false
}

// Close resets the queue and rejects further commands.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.resetLocked()
}

// Stats returns the cumulative counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Sent:      q.sent.Load(),
		Delivered: q.delivered.Load(),
		TimedOut:  q.timedOut.Load(),
	}
}

// Attempts returns how many sends a command gets before it times out.
func (q *Queue) Attempts() int { return q.opts.Attempts }
