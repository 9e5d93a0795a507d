// Package loop provides the single coordinating execution context. Every
// mutation of session, peripheral and manager state runs on one named
// goroutine, and transport callbacks are posted to it as closures.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/groutine"
)

// ErrStopped is returned by Do once the loop has been stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop is an unbounded FIFO of closures executed one at a time.
type Loop struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake    chan struct{}
	done    chan struct{}
	gid     atomic.Uint64
	started atomic.Bool
}

// New creates a loop. Nothing runs until Start.
func New(name string, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. It stops when ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	ready := make(chan struct{})
	groutine.Go(ctx, l.name, func(ctx context.Context) {
		l.gid.Store(groutine.GetGID())
		close(ready)
		l.run(ctx)
	})
	<-ready
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		fn, ok := l.next()
		if ok {
			l.exec(fn)
			continue
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			l.Stop()
			return
		}
		if l.isStopped() {
			return
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"loop":  l.name,
				"panic": fmt.Sprint(r),
			}).Error("Recovered panic in event loop task")
		}
	}()
	fn()
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Post enqueues fn and never blocks. It reports false when the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (l *Loop) OnLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == groutine.GetGID()
}

// Do runs fn on the loop and waits for it. Called from the loop itself it
// runs fn inline.
func (l *Loop) Do(fn func()) error {
	if l.OnLoop() {
		fn()
		return nil
	}
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Stop discards pending tasks and terminates the loop goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	pending := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	if pending > 0 {
		l.logger.WithFields(logrus.Fields{
			"loop":    l.name,
			"dropped": pending,
		}).Debug("Event loop stopped with pending tasks")
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a cancellable delayed task that fires on the loop.
type Timer struct {
	t         *time.Timer
	cancelled atomic.Bool
}

// AfterFunc schedules fn to run on the loop after d. Stopping the timer from the
// loop guarantees fn will not run, even if the deadline already passed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.cancelled.Swap(true) {
				return
			}
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. It is safe to call more than once and on a nil timer.
func (tm *Timer) Stop() {
	if tm == nil {
		return
	}
	tm.cancelled.Store(true)
	tm.t.Stop()
}
