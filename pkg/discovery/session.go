// Package discovery runs filtered scans. A Session reports the first
// advertisement matching any of its target filters, then goes idle so it can
// be reused for another filter set.
//
// Session methods must be called on the coordinating loop; scan results are
// marshalled onto it before they touch session state.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/groutine"
	"github.com/srg/blepm/internal/loop"
)

// DefaultRetryDelay is the pause between a failed scan and the next attempt.
const DefaultRetryDelay = 10 * time.Second

// MatchFunc receives the matched identity and the filter that matched it.
type MatchFunc func(id device.Identity, filter device.TargetFilter)

// Options configures a Session.
type Options struct {
	Name       string
	RetryDelay time.Duration
	Logger     *logrus.Logger
}

// Session is one reusable scan over a set of target filters.
type Session struct {
	loop    *loop.Loop
	scanner device.Scanner
	opts    Options

	filters    []device.TargetFilter
	onMatch    MatchFunc
	active     bool
	stopped    bool
	generation uint64
	cancel     context.CancelFunc
	retry      *loop.Timer
	scans      int
	failures   int
}

// New creates an idle session.
func New(l *loop.Loop, scanner device.Scanner, opts Options) *Session {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Name == "" {
		opts.Name = "discovery"
	}
	return &Session{loop: l, scanner: scanner, opts: opts}
}

// Start replaces the filter set and begins scanning. A scan already in flight
// is cancelled first.
func (s *Session) Start(filters []device.TargetFilter, onMatch MatchFunc) {
	s.filters = append(s.filters[:0:0], filters...)
	s.onMatch = onMatch
	s.idle()
	s.stopped = false
	if len(s.filters) == 0 {
		return
	}
	s.active = true
	s.scan()
}

// Stop cancels the scan and any pending retry. Stopping an idle session is a
// no-op apart from ruling out Resume.
func (s *Session) Stop() {
	s.stopped = true
	if !s.active {
		return
	}
	s.log().Debug("Discovery stopped")
	s.idle()
}

func (s *Session) idle() {
	if !s.active {
		return
	}
	s.active = false
	s.halt()
}

// Retry restarts scanning with the current filters. Idle sessions stay idle.
func (s *Session) Retry() {
	if !s.active {
		return
	}
	s.log().Debug("Discovery retried")
	s.halt()
	s.scan()
}

// Resume restarts a session that went idle after a match, using its last
// filters. Active sessions are retried. Sessions stopped by the caller stay idle.
func (s *Session) Resume() {
	if s.active {
		s.Retry()
		return
	}
	if !s.Resumable() {
		return
	}
	s.log().Debug("Discovery resumed")
	s.active = true
	s.scan()
}

// Resumable reports whether Resume would restart an idle session.
func (s *Session) Resumable() bool {
	return !s.active && !s.stopped && len(s.filters) > 0 && s.onMatch != nil
}

// IsIdle reports whether the session is not looking for a match.
func (s *Session) IsIdle() bool {
	return !s.active
}

// MatchesFilterSet reports whether filters is the session's filter set,
// ignoring order.
func (s *Session) MatchesFilterSet(filters []device.TargetFilter) bool {
	return device.SameFilters(s.filters, filters)
}

// RemoveFilter narrows the filter set. The session stops when no filter is left.
func (s *Session) RemoveFilter(f device.TargetFilter) {
	kept := s.filters[:0]
	for _, g := range s.filters {
		if g != f {
			kept = append(kept, g)
		}
	}
	s.filters = kept
	if len(s.filters) == 0 {
		s.Stop()
	}
}

// Filters returns a copy of the current filter set.
func (s *Session) Filters() []device.TargetFilter {
	return append([]device.TargetFilter(nil), s.filters...)
}

// Scans returns the number of scans started and how many of them failed.
func (s *Session) Scans() (started, failed int) {
	return s.scans, s.failures
}

func (s *Session) String() string {
	return fmt.Sprintf("%s%v", s.opts.Name, s.filters)
}

func (s *Session) log() *logrus.Entry {
	return s.opts.Logger.WithFields(logrus.Fields{
		"session":    s.opts.Name,
		"filters":    fmt.Sprint(s.filters),
		"generation": s.generation,
	})
}

// halt invalidates the in-flight scan and the retry timer.
func (s *Session) halt() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.retry.Stop()
	s.retry = nil
}

func (s *Session) scan() {
	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.scans++
	s.log().Debug("Discovery scan started")

	groutine.Go(ctx, s.opts.Name+"-scan", func(ctx context.Context) {
		err := s.scanner.Scan(ctx, func(adv device.Advertisement) {
			id := device.IdentityOf(adv)
			if id.Name == "" {
				return
			}
			s.loop.Post(func() { s.onResult(gen, id) })
		})
		s.loop.Post(func() { s.onScanEnded(gen, err) })
	})
}

func (s *Session) onResult(gen uint64, id device.Identity) {
	if gen != s.generation || !s.active {
		return
	}
	f, ok := device.MatchAny(s.filters, id)
	if !ok {
		return
	}
	s.log().WithFields(logrus.Fields{
		"name":    id.Name,
		"address": id.Address,
		"filter":  f.String(),
	}).Info("Discovery matched device")

	onMatch := s.onMatch
	s.idle()
	if onMatch != nil {
		onMatch(id, f)
	}
}

// onScanEnded handles a scan that returned without being cancelled by the
// session. The session stays active and retries after RetryDelay.
func (s *Session) onScanEnded(gen uint64, err error) {
	if gen != s.generation || !s.active {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.failures++
	if err == nil {
		err = fmt.Errorf("scan ended unexpectedly")
	}
	s.log().WithFields(logrus.Fields{
		"error":       fmt.Errorf("%w: %w", device.ErrScanFailure, err),
		"retry_after": s.opts.RetryDelay,
	}).Warn("Discovery scan failed, will retry")

	s.retry = s.loop.AfterFunc(s.opts.RetryDelay, func() {
		if gen != s.generation || !s.active {
			return
		}
		s.retry = nil
		s.scan()
	})
}
